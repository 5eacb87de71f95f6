// Package directory implements the directory layer (spec §4.4): named
// entries within a directory inode's file contents, linear-scanned and
// rewritten through the inode layer's ReadAt/WriteAt.
//
// Grounded on mit-pdos-biscuit/biscuit/src/fs/dir.go's Dirdata_t
// (fixed-width record, offset-based field accessors), adapted to the
// spec's explicit in_use boolean (the teacher instead treats inode sector
// 0 as "free"; the spec's §3 directory entry names an explicit flag).
package directory

import (
	"github.com/basalt-fs/corefs/inode"
	"github.com/basalt-fs/corefs/internal/errs"
)

// NameMax is the maximum byte length of a single path component / entry
// name (spec §3 NAME_MAX), grounded on the teacher's DNAMELEN = 14.
const NameMax = 14

// entrySize is the fixed width of one on-disk directory entry: 1 byte
// in_use, 4 bytes inode sector (little-endian), NameMax+1 bytes of
// NUL-padded name.
const entrySize = 1 + 4 + (NameMax + 1)

// Entry is a decoded directory record.
type Entry struct {
	InUse       bool
	InodeSector int
	Name        string
}

func decodeEntry(raw []byte) Entry {
	var e Entry
	e.InUse = raw[0] != 0
	e.InodeSector = int(raw[1]) | int(raw[2])<<8 | int(raw[3])<<16 | int(raw[4])<<24
	end := 5
	for end < entrySize && raw[end] != 0 {
		end++
	}
	e.Name = string(raw[5:end])
	return e
}

func encodeEntry(e Entry) [entrySize]byte {
	var raw [entrySize]byte
	if e.InUse {
		raw[0] = 1
	}
	s := e.InodeSector
	raw[1] = byte(s)
	raw[2] = byte(s >> 8)
	raw[3] = byte(s >> 16)
	raw[4] = byte(s >> 24)
	copy(raw[5:5+NameMax], e.Name)
	return raw
}

// Dir wraps an *inode.Inode known to hold directory entries.
type Dir struct {
	ino *inode.Inode
}

// Open wraps ino as a directory. Callers must ensure ino.IsDir().
func Open(ino *inode.Inode) *Dir {
	return &Dir{ino: ino}
}

// Inode returns the underlying inode handle.
func (d *Dir) Inode() *inode.Inode { return d.ino }

func (d *Dir) numEntries() int {
	return int(d.ino.Length()) / entrySize
}

func (d *Dir) readEntry(idx int) (Entry, error) {
	var raw [entrySize]byte
	n, err := d.ino.ReadAt(raw[:], int64(idx)*entrySize)
	if err != nil {
		return Entry{}, err
	}
	if n < entrySize {
		return Entry{}, nil
	}
	return decodeEntry(raw[:]), nil
}

func (d *Dir) writeEntry(idx int, e Entry) error {
	raw := encodeEntry(e)
	_, err := d.ino.WriteAt(raw[:], int64(idx)*entrySize)
	return err
}

// Lookup linear-scans the directory for an in-use entry named name,
// returning its inode sector (spec §4.4 "lookup").
func (d *Dir) Lookup(name string) (sector int, found bool, err error) {
	n := d.numEntries()
	for i := 0; i < n; i++ {
		e, rerr := d.readEntry(i)
		if rerr != nil {
			return 0, false, rerr
		}
		if e.InUse && e.Name == name {
			return e.InodeSector, true, nil
		}
	}
	return 0, false, nil
}

// Add places a new entry (name -> inodeSector) in the first unused slot,
// or appends one by growing the directory file. Fails (spec §4.4) if name
// already exists or exceeds NameMax.
func (d *Dir) Add(name string, inodeSector int) (bool, error) {
	if len(name) == 0 || len(name) > NameMax {
		return false, errs.EINVAL
	}
	n := d.numEntries()
	firstFree := -1
	for i := 0; i < n; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return false, err
		}
		if e.InUse {
			if e.Name == name {
				return false, nil
			}
		} else if firstFree < 0 {
			firstFree = i
		}
	}
	idx := firstFree
	if idx < 0 {
		idx = n
	}
	if err := d.writeEntry(idx, Entry{InUse: true, InodeSector: inodeSector, Name: name}); err != nil {
		return false, err
	}
	return true, nil
}

// Remove clears the entry named name, returning its inode sector so the
// caller can tear the inode down. Fails if the entry's own inode is itself
// a non-empty directory (spec §4.4 "remove").
func (d *Dir) Remove(name string, isEmptyDir func(sector int) (bool, error)) (sector int, ok bool, err error) {
	n := d.numEntries()
	for i := 0; i < n; i++ {
		e, rerr := d.readEntry(i)
		if rerr != nil {
			return 0, false, rerr
		}
		if !e.InUse || e.Name != name {
			continue
		}
		if isEmptyDir != nil {
			empty, ierr := isEmptyDir(e.InodeSector)
			if ierr != nil {
				return 0, false, ierr
			}
			if !empty {
				return 0, false, errs.ENOTEMPTY
			}
		}
		if err := d.writeEntry(i, Entry{}); err != nil {
			return 0, false, err
		}
		return e.InodeSector, true, nil
	}
	return 0, false, errs.ENOENT
}

// IsEmpty reports whether every entry in the directory is unused, used to
// veto removal of a non-empty directory.
func (d *Dir) IsEmpty() (bool, error) {
	n := d.numEntries()
	for i := 0; i < n; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return false, err
		}
		if e.InUse {
			return false, nil
		}
	}
	return true, nil
}

// Entries returns every in-use entry, for listing (spec's "ls" is
// supplemental tooling, §6a).
func (d *Dir) Entries() ([]Entry, error) {
	n := d.numEntries()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return nil, err
		}
		if e.InUse {
			out = append(out, e)
		}
	}
	return out, nil
}
