package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileDisk is a Device backed by a regular file, addressed with
// Pread/Pwrite at explicit offsets, so no access depends on a shared file
// offset the way os.File.Read/Write would.
type FileDisk struct {
	fd         int
	numSectors int
}

var _ Device = (*FileDisk)(nil)

// OpenFileDisk opens (creating if necessary) path as a device of the given
// number of sectors, truncating or extending it to exactly match.
func OpenFileDisk(path string, numSectors int) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	size := int64(numSectors) * SectorSize
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	if st.Size != size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("disk: truncate %s: %w", path, err)
		}
	}
	return &FileDisk{fd: fd, numSectors: numSectors}, nil
}

func (d *FileDisk) NumSectors() int { return d.numSectors }

func (d *FileDisk) ReadSector(sector int, dst []byte) error {
	if err := checkLen(dst); err != nil {
		return err
	}
	if err := checkSector(d.numSectors, sector); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, dst, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("disk: pread sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("disk: short read at sector %d: %d bytes", sector, n)
	}
	return nil
}

func (d *FileDisk) WriteSector(sector int, src []byte) error {
	if err := checkLen(src); err != nil {
		return err
	}
	if err := checkSector(d.numSectors, sector); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, src, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("disk: pwrite sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("disk: short write at sector %d: %d bytes", sector, n)
	}
	return nil
}

func (d *FileDisk) Close() error {
	return unix.Close(d.fd)
}
