// Package freemap implements the free-space allocator (spec §4.1): a
// persistent bitmap of allocated sectors, itself stored as the file
// contents of an inode at the reserved free-map sector (disk sector 0).
//
// Grounded on mit-pdos-go-journal/alloc/alloc.go's Alloc (the next-cursor,
// wraparound first-fit scan over a bit-addressed region) adapted from that
// package's transactional buffer reads to direct inode.ReadAt/WriteAt
// calls, since this core has no write-ahead log.
package freemap

import (
	"sync"

	"github.com/basalt-fs/corefs/inode"
	"github.com/basalt-fs/corefs/internal/dbg"
	"github.com/basalt-fs/corefs/internal/errs"
)

const bitsPerWord = 32

// Map is the in-memory front end for the on-disk bitmap file. All methods
// are safe for concurrent use.
type Map struct {
	mu   sync.Mutex
	ino  *inode.Inode
	next uint32 // scan position for incNext; Allocate restarts it at bit 0
	nbit uint32 // total number of sectors tracked
}

// Open loads the bitmap rooted at ino (already inode.Open'd by the caller,
// already sized to cover nbit bits — see Bootstrap for the format-time
// sizing step), covering the first nbit sectors of the device.
func Open(ino *inode.Inode, nbit uint32) *Map {
	return &Map{ino: ino, nbit: nbit}
}

// Inode returns the bitmap file's underlying inode handle, so the facade
// can close it at Done time.
func (m *Map) Inode() *inode.Inode { return m.ino }

// bootAllocator hands out sequential sector numbers with no bitmap of its
// own. It exists only to grow the free-map's backing file during format,
// before the free-map itself is built — the bitmap cannot allocate its own
// storage through itself (spec §4.1a: "the free-map is itself stored as a
// file"), so a throwaway linear allocator breaks the chicken-and-egg cycle.
type bootAllocator struct {
	next int
	used []int
}

func (b *bootAllocator) Allocate() (int, error) {
	s := b.next
	b.next++
	b.used = append(b.used, s)
	return s, nil
}

func (b *bootAllocator) Release(int) error {
	panic("freemap: bootstrap allocator does not support release")
}

// Bootstrap formats a fresh free-map file: it grows ino (created with
// length 0 by the caller) to cover nbit bits, allocating the sectors that
// growth needs sequentially from firstFreeSector via a throwaway
// allocator, then wires the resulting Map as layer's real allocator. It
// returns the Map plus every sector the growth itself consumed, which the
// caller must mark allocated in the finished bitmap (along with any other
// reserved sectors) before the first real Allocate call.
func Bootstrap(layer *inode.Layer, ino *inode.Inode, nbit uint32, firstFreeSector int) (*Map, []int, error) {
	boot := &bootAllocator{next: firstFreeSector}
	layer.SetAllocator(boot)

	required := int((nbit + 7) / 8)
	zero := make([]byte, required)
	if _, err := ino.WriteAt(zero, 0); err != nil {
		return nil, nil, err
	}

	m := Open(ino, nbit)
	layer.SetAllocator(m)
	return m, boot.used, nil
}

func wordOf(bit uint32) uint32  { return bit / bitsPerWord }
func maskOf(bit uint32) uint32  { return 1 << (bit % bitsPerWord) }
func byteOff(word uint32) int64 { return int64(word) * 4 }

func (m *Map) readWord(word uint32) (uint32, error) {
	var buf [4]byte
	n, err := m.ino.ReadAt(buf[:], byteOff(word))
	if err != nil {
		return 0, err
	}
	if n < 4 {
		// Bitmap file hasn't grown this far yet: treat as all-free.
		return 0, nil
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (m *Map) writeWord(word, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	_, err := m.ino.WriteAt(buf[:], byteOff(word))
	return err
}

func (m *Map) incNext() uint32 {
	m.next++
	if m.next >= m.nbit {
		m.next = 0
	}
	return m.next
}

// Allocate finds and marks the first free sector (first-fit, spec §4.1),
// returning its index. It returns errs.ENOSPC if the device is full.
func (m *Map) Allocate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = 0
	start := m.next
	bit := start
	for {
		word, err := m.readWord(wordOf(bit))
		if err != nil {
			return 0, err
		}
		mask := maskOf(bit)
		if word&mask == 0 {
			if err := m.writeWord(wordOf(bit), word|mask); err != nil {
				return 0, err
			}
			m.next = bit
			dbg.Printf(2, "freemap: allocated sector %d", bit)
			return int(bit), nil
		}
		bit = m.incNext()
		if bit == start {
			return 0, errs.ENOSPC
		}
	}
}

// Release marks sector as free. Releasing an already-free sector is a
// programmer error in this core and panics, matching spec §7's treatment
// of invariant violations.
func (m *Map) Release(sector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bit := uint32(sector)
	word, err := m.readWord(wordOf(bit))
	if err != nil {
		return err
	}
	mask := maskOf(bit)
	if word&mask == 0 {
		panic("freemap: release of already-free sector")
	}
	word &^= mask
	dbg.Printf(2, "freemap: released sector %d", sector)
	return m.writeWord(wordOf(bit), word)
}

// MarkAllocated marks sector allocated without scanning, used at format
// time to reserve the well-known sectors (free-map inode, root directory)
// before any Allocate call runs.
func (m *Map) MarkAllocated(sector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bit := uint32(sector)
	word, err := m.readWord(wordOf(bit))
	if err != nil {
		return err
	}
	return m.writeWord(wordOf(bit), word|maskOf(bit))
}
