package disk

import "sync"

// MemDisk is a Device backed by a plain in-memory byte slab. It is the
// device every other package's tests run against (this package's own tests
// also exercise FileDisk), the way a host kernel would
// run its file system tests over a RAM disk before trusting real hardware.
type MemDisk struct {
	mu      sync.Mutex
	sectors [][]byte
	closed  bool
}

var _ Device = (*MemDisk)(nil)

// NewMemDisk allocates a zero-filled memory disk of n sectors.
func NewMemDisk(n int) *MemDisk {
	sectors := make([][]byte, n)
	for i := range sectors {
		sectors[i] = make([]byte, SectorSize)
	}
	return &MemDisk{sectors: sectors}
}

func (d *MemDisk) NumSectors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sectors)
}

func (d *MemDisk) ReadSector(sector int, dst []byte) error {
	if err := checkLen(dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkSector(len(d.sectors), sector); err != nil {
		return err
	}
	copy(dst, d.sectors[sector])
	return nil
}

func (d *MemDisk) WriteSector(sector int, src []byte) error {
	if err := checkLen(src); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkSector(len(d.sectors), sector); err != nil {
		return err
	}
	copy(d.sectors[sector], src)
	return nil
}

func (d *MemDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
