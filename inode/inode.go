// Package inode implements the multi-level sector index described in spec
// §4.3: on-demand block allocation at write time, implicit growth, and
// in-memory handle sharing with deferred free-on-last-close.
//
// Grounded on mit-pdos-biscuit/biscuit/src/fs/inode.go's imemnode_t
// (fbn2block/ensureb/ensureind walk, icache-style handle sharing) rewritten
// over the spec's simpler fixed D=12/indirect/double-indirect layout (no
// device inodes, no link counts) and this repo's explicit-context design
// (spec §9: "global state → explicit context" replaces the teacher's
// package-global icache).
package inode

import (
	"sync"

	"github.com/basalt-fs/corefs/bufcache"
	"github.com/basalt-fs/corefs/internal/dbg"
	"github.com/basalt-fs/corefs/internal/errs"
)

// Allocator is the free-map contract (spec §4.1): allocate and release a
// single sector. Satisfied by *freemap.Map; declared here (rather than
// imported) so freemap can import inode to store its own bitmap file
// without an import cycle.
type Allocator interface {
	Allocate() (int, error)
	Release(sector int) error
}

// Inode is the in-memory handle for an open inode (spec §3 "in-memory
// inode handle"). Handles for the same sector are shared: every Open call
// for an already-open sector returns the same *Inode with OpenCount
// incremented.
type Inode struct {
	mu sync.Mutex

	layer  *Layer
	sector int

	length         int64
	isDir          bool
	openCount      int
	removed        bool
	denyWriteCount int
}

// Sector returns the inode's home sector (Inumber in spec terms).
func (ino *Inode) Sector() int {
	return ino.sector
}

// Inumber is an alias for Sector, matching spec §4.3's accessor name.
func (ino *Inode) Inumber() int { return ino.Sector() }

// IsDir reports whether this inode holds directory entries.
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.isDir
}

// Length returns the current file size in bytes.
func (ino *Inode) Length() int64 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.length
}

// Layer is the process-wide (or, in this module, per-FS) table of open
// inode handles, replacing the teacher's global icache (spec §9). One
// Layer is shared by every directory and file opened through a given
// filesys.FS.
type Layer struct {
	mu    sync.Mutex
	cache *bufcache.Cache
	alloc Allocator
	open  map[int]*Inode
}

// NewLayer constructs an inode layer over cache, allocating and releasing
// data sectors through alloc. alloc may be nil at construction time and
// supplied later via SetAllocator — the free-map's own backing inode must
// be created and opened through this layer before the free-map itself
// exists (spec §4.1a), so bootstrapping unavoidably has a brief window with
// no allocator; nothing during that window calls byteToSector with alloc.
func NewLayer(cache *bufcache.Cache, alloc Allocator) *Layer {
	return &Layer{
		cache: cache,
		alloc: alloc,
		open:  make(map[int]*Inode),
	}
}

// SetAllocator wires the free-map allocator in after it has been
// constructed over this same layer (breaks the inode<->freemap
// bootstrapping cycle, spec §4.3a).
func (l *Layer) SetAllocator(alloc Allocator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alloc = alloc
}

// Create initializes a fresh inode at sector: zeroes every pointer slot and
// records length/isDir/magic. No data blocks are allocated (spec §4.3).
// sector must already be reserved in the free-map by the caller (the path
// resolver allocates it, then calls Create — spec §4.5 "create").
func (l *Layer) Create(sector int, length int64, isDir bool) error {
	if err := l.cache.Create(sector); err != nil {
		return err
	}
	d := onDiskInode{length: length, isDir: isDir}
	buf := encodeInode(d)
	return l.cache.Write(sector, buf[:], 0, len(buf))
}

// Open returns the shared handle for sector, loading its on-disk fields if
// this is the first open, and incrementing OpenCount.
func (l *Layer) Open(sector int) (*Inode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ino, ok := l.open[sector]; ok {
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		return ino, nil
	}

	var raw [512]byte
	if err := l.cache.Read(sector, raw[:], 0, len(raw)); err != nil {
		return nil, err
	}
	d := decodeInode(raw[:])

	ino := &Inode{
		layer:     l,
		sector:    sector,
		length:    d.length,
		isDir:     d.isDir,
		openCount: 1,
	}
	l.open[sector] = ino
	return ino, nil
}

// Close decrements OpenCount. On reaching zero, the handle is dropped from
// the open table; if Removed, every data/indirect/inode sector is released
// through the free-map and purged from the cache (spec §4.3 "close").
func (l *Layer) Close(ino *Inode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ino.mu.Lock()
	ino.openCount--
	remaining := ino.openCount
	removed := ino.removed
	ino.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	delete(l.open, ino.sector)
	if !removed {
		return nil
	}
	return l.freeAllBlocks(ino)
}

// Remove marks ino for deletion once its last handle closes (spec §3: "if
// removed at that moment, all blocks ... are released").
func (l *Layer) Remove(ino *Inode) {
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
}

// DenyWrite increments the deny-write counter (spec §4.3). Every DenyWrite
// must be paired with exactly one AllowWrite before the handle closes.
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.denyWriteCount++
	if ino.denyWriteCount > ino.openCount {
		panic("inode: deny_write_count exceeds open_count")
	}
}

// AllowWrite decrements the deny-write counter. Calling it without a
// matching DenyWrite is a programmer error (spec §7) and panics.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWriteCount == 0 {
		panic("inode: unbalanced allow_write")
	}
	ino.denyWriteCount--
}

// readInode decodes the on-disk record through the cache.
func (l *Layer) readInode(sector int) (onDiskInode, error) {
	var raw [512]byte
	if err := l.cache.Read(sector, raw[:], 0, len(raw)); err != nil {
		return onDiskInode{}, err
	}
	return decodeInode(raw[:]), nil
}

// writeInodeHeader encodes d (length, isDir, pointer slots, magic) and
// writes the whole inode sector back through the cache, leaving data
// sectors alone. Caller must hold ino.mu.
func (l *Layer) writeInodeHeader(ino *Inode, d onDiskInode) error {
	buf := encodeInode(d)
	return l.cache.Write(ino.sector, buf[:], 0, len(buf))
}

// rollbackLength restores ino's on-disk and in-memory length to origLen
// after a WriteAt that optimistically extended it failed partway through
// allocation (spec §7: a failed write leaves the file's prior state
// consistent). Caller must hold ino.mu. Best-effort: if the header
// write-back itself fails here there is nothing further to roll back to,
// so the error is swallowed rather than compounding the caller's.
func (l *Layer) rollbackLength(ino *Inode, origLen int64) {
	d, err := l.readInode(ino.sector)
	if err != nil {
		return
	}
	d.length = origLen
	if l.writeInodeHeader(ino, d) == nil {
		ino.length = origLen
	}
}

// byteToSector implements the index walk of spec §4.3: given a byte offset
// into ino, find (and, if alloc, create) the sector containing that byte.
// Returns sector 0 ("no sector") when pos >= length and alloc is false.
func (l *Layer) byteToSector(ino *Inode, pos int64, alloc bool) (sector int, err error) {
	if !alloc && pos >= ino.length {
		return 0, nil
	}
	b := int(pos / 512)

	d, err := l.readInode(ino.sector)
	if err != nil {
		return 0, err
	}
	dirty := false
	defer func() {
		if dirty && err == nil {
			err = l.writeInodeHeader(ino, d)
		}
	}()

	if b < Direct {
		if d.direct[b] == 0 {
			if !alloc {
				return 0, nil
			}
			s, aerr := l.allocZeroed()
			if aerr != nil {
				return 0, aerr
			}
			d.direct[b] = uint32(s)
			dirty = true
		}
		return int(d.direct[b]), nil
	}
	b -= Direct

	if b < N {
		wasZero := d.indirect == 0
		indirect, ierr := l.ensureIndirectRoot(&d.indirect, alloc)
		if ierr != nil || indirect == 0 {
			return 0, ierr
		}
		sector, werr := l.walkIndirect(indirect, b, alloc)
		if werr != nil {
			if wasZero {
				// The root we just allocated is unreachable (the header
				// write-back below never runs on an error return), so it
				// would otherwise leak: released here instead (spec §7
				// "partially allocated chain is released").
				l.releaseSector(indirect)
			}
			return 0, werr
		}
		if wasZero {
			dirty = true
		}
		return sector, nil
	}
	b -= N

	wasZero := d.doubleIndirect == 0
	dindirect, ierr := l.ensureIndirectRoot(&d.doubleIndirect, alloc)
	if ierr != nil || dindirect == 0 {
		return 0, ierr
	}
	outer := b / N
	inner := b % N
	mid, merr := l.walkIndirect(dindirect, outer, alloc)
	if merr != nil {
		if wasZero {
			l.releaseSector(dindirect)
		}
		return 0, merr
	}
	if mid == 0 {
		return 0, nil
	}
	sector, werr := l.walkIndirect(mid, inner, alloc)
	if werr != nil {
		if wasZero {
			// mid is reachable only through the double-indirect root we're
			// about to discard, so it leaks too unless released here.
			l.releaseSector(mid)
			l.releaseSector(dindirect)
		}
		return 0, werr
	}
	if wasZero {
		dirty = true
	}
	return sector, nil
}

// ensureIndirectRoot returns *slot, allocating it (and clearing the new
// sector through the cache) if it is 0 and alloc is set.
func (l *Layer) ensureIndirectRoot(slot *uint32, alloc bool) (int, error) {
	if *slot != 0 {
		return int(*slot), nil
	}
	if !alloc {
		return 0, nil
	}
	s, err := l.allocZeroed()
	if err != nil {
		return 0, err
	}
	*slot = uint32(s)
	return s, nil
}

// allocZeroed grabs a fresh sector from the free-map and zero-fills it
// through the cache (spec §4.3: "allocate a new sector via the free-map,
// zero-fill-on-create via the cache").
func (l *Layer) allocZeroed() (int, error) {
	s, err := l.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := l.cache.Create(s); err != nil {
		return 0, err
	}
	dbg.Printf(2, "inode: allocated sector %d", s)
	return s, nil
}

// walkIndirect reads indirect block `blk`, returning (and possibly
// allocating) the sector named at index `idx` within it.
func (l *Layer) walkIndirect(blk, idx int, alloc bool) (int, error) {
	var raw [512]byte
	if err := l.cache.Read(blk, raw[:], 0, len(raw)); err != nil {
		return 0, err
	}
	words := decodeIndirect(raw[:])
	if words[idx] != 0 {
		return int(words[idx]), nil
	}
	if !alloc {
		return 0, nil
	}
	s, err := l.allocZeroed()
	if err != nil {
		return 0, err
	}
	enc := encodeIndirectSlot(uint32(s))
	if err := l.cache.Write(blk, enc[:], 4*idx, 4); err != nil {
		// s was never linked into blk, so it would otherwise leak the same
		// way an orphaned indirect root does.
		l.releaseSector(s)
		return 0, err
	}
	return s, nil
}

// ReadAt reads up to len(buf) bytes starting at offset, stopping at the
// inode's current length (spec §4.3 "read_at"). It never allocates.
func (ino *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	l := ino.layer

	if offset >= ino.length {
		return 0, nil
	}
	n := len(buf)
	if offset+int64(n) > ino.length {
		n = int(ino.length - offset)
	}

	read := 0
	for read < n {
		pos := offset + int64(read)
		sectorOff := int(pos % 512)
		chunk := 512 - sectorOff
		if chunk > n-read {
			chunk = n - read
		}
		sector, err := l.byteToSector(ino, pos, false)
		if err != nil {
			return read, err
		}
		if sector == 0 {
			// A hole: a sector within length that no write has allocated
			// (a file created with a nonzero initial size, or a write that
			// started past the old end). Reads never allocate, so the hole
			// reads as zeros.
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else if err := l.cache.Read(sector, buf[read:read+chunk], sectorOff, chunk); err != nil {
			return read, err
		}
		read += chunk
	}
	return read, nil
}

// WriteAt writes len(buf) bytes at offset, allocating sectors on demand and
// extending Length before the data writes when the write grows the file
// (spec §4.3 "write_at"). Returns errs.EINVAL if the handle is currently
// deny-write.
func (ino *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	l := ino.layer

	if ino.denyWriteCount > 0 {
		return 0, errs.EINVAL
	}

	n := len(buf)
	newLen := offset + int64(n)
	origLen := ino.length
	grew := newLen > origLen
	if grew {
		d, err := l.readInode(ino.sector)
		if err != nil {
			return 0, err
		}
		d.length = newLen
		if err := l.writeInodeHeader(ino, d); err != nil {
			return 0, err
		}
		ino.length = newLen
	}

	written := 0
	for written < n {
		pos := offset + int64(written)
		sectorOff := int(pos % 512)
		chunk := 512 - sectorOff
		if chunk > n-written {
			chunk = n - written
		}
		sector, err := l.byteToSector(ino, pos, true)
		if err != nil {
			if grew {
				l.rollbackLength(ino, origLen)
			}
			return written, err
		}
		if err := l.cache.Write(sector, buf[written:written+chunk], sectorOff, chunk); err != nil {
			if grew {
				l.rollbackLength(ino, origLen)
			}
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// freeAllBlocks releases every sector reachable from ino (data, indirect,
// double-indirect, and the inode sector itself) through the free-map and
// purges them from the cache without write-back (spec §4.3 close,
// correcting the double-indirect release bug noted in spec §9: every
// allocated inner slot j is released, not just the outer slot i).
func (l *Layer) freeAllBlocks(ino *Inode) error {
	d, err := l.readInode(ino.sector)
	if err != nil {
		return err
	}

	for _, s := range d.direct {
		if s != 0 {
			if err := l.releaseSector(int(s)); err != nil {
				return err
			}
		}
	}
	if d.indirect != 0 {
		if err := l.releaseIndirectTree(int(d.indirect)); err != nil {
			return err
		}
	}
	if d.doubleIndirect != 0 {
		var raw [512]byte
		if err := l.cache.Read(int(d.doubleIndirect), raw[:], 0, len(raw)); err != nil {
			return err
		}
		outer := decodeIndirect(raw[:])
		for _, mid := range outer {
			if mid == 0 {
				continue
			}
			if err := l.releaseIndirectTree(int(mid)); err != nil {
				return err
			}
		}
		if err := l.releaseSector(int(d.doubleIndirect)); err != nil {
			return err
		}
	}
	return l.releaseSector(ino.sector)
}

// releaseIndirectTree frees every non-zero data sector named by the
// indirect block at `blk`, then `blk` itself.
func (l *Layer) releaseIndirectTree(blk int) error {
	var raw [512]byte
	if err := l.cache.Read(blk, raw[:], 0, len(raw)); err != nil {
		return err
	}
	words := decodeIndirect(raw[:])
	for _, s := range words {
		if s != 0 {
			if err := l.releaseSector(int(s)); err != nil {
				return err
			}
		}
	}
	return l.releaseSector(blk)
}

func (l *Layer) releaseSector(sector int) error {
	l.cache.Remove(sector)
	return l.alloc.Release(sector)
}
