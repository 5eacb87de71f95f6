// Package filesys is the top-level facade (spec §4.5, §6): Init/Done/
// Backup/Create/CreateDir/Open/OpenInode/Remove, wiring together disk,
// bufcache, freemap, inode, directory, and vpath into one mountable
// instance.
//
// Grounded on mit-pdos-biscuit/biscuit/src/fs/fs.go's Fs_t (StartFS,
// Fs_link/Fs_unlink's path-walk-then-dirop shape) and super.go (the
// reserved superblock-adjacent sectors), rewritten as an explicit,
// independently-constructible context per spec §9 rather than a
// process-global mount: multiple *FS values can coexist in one process,
// each over its own disk.Device.
package filesys

import (
	"github.com/basalt-fs/corefs/bufcache"
	"github.com/basalt-fs/corefs/directory"
	"github.com/basalt-fs/corefs/disk"
	"github.com/basalt-fs/corefs/freemap"
	"github.com/basalt-fs/corefs/inode"
	"github.com/basalt-fs/corefs/internal/errs"
	"github.com/basalt-fs/corefs/vpath"
)

// Reserved sector numbers (spec §6 "Disk layout").
const (
	FreeMapSector   = 0
	RootSector      = 1
	FirstDataSector = 2
)

// File is a handle returned by Open: a plain (non-directory) inode.
type File struct {
	ino *inode.Inode
}

// Inode exposes the underlying inode handle, for callers that need
// ReadAt/WriteAt/DenyWrite directly (spec's OpenInode surface).
func (f *File) Inode() *inode.Inode { return f.ino }

// FS is one mounted file system instance (spec §9's explicit context
// object, replacing the teacher's process-global mount state). Its fields
// are fixed at Init and never mutated afterward; all actual mutable state
// (the open-inode table, cache slots, the free bitmap) carries its own
// lock per spec §5, so FS itself needs none — concurrent calls on
// different inodes proceed independently instead of serializing behind a
// single facade-wide lock.
type FS struct {
	dev     disk.Device
	cache   *bufcache.Cache
	free    *freemap.Map
	layer   *inode.Layer
	rootIno *inode.Inode
}

// Init mounts dev as a file system. If format is true, every reserved
// sector is overwritten to create an empty root directory with no entries
// (spec §6 "init"); otherwise the existing on-disk layout is loaded.
func Init(dev disk.Device, format bool) (*FS, error) {
	cache := bufcache.New(dev, bufcache.Capacity)
	fs := &FS{dev: dev, cache: cache}

	nbit := uint32(dev.NumSectors())

	layer := inode.NewLayer(cache, nil)
	fs.layer = layer

	if format {
		if err := layer.Create(FreeMapSector, 0, false); err != nil {
			return nil, err
		}
		if err := layer.Create(RootSector, 0, true); err != nil {
			return nil, err
		}
	}

	freeIno, err := layer.Open(FreeMapSector)
	if err != nil {
		return nil, err
	}

	var free *freemap.Map
	if format {
		var bootSectors []int
		free, bootSectors, err = freemap.Bootstrap(layer, freeIno, nbit, FirstDataSector)
		if err != nil {
			return nil, err
		}
		for _, s := range append([]int{FreeMapSector, RootSector}, bootSectors...) {
			if err := free.MarkAllocated(s); err != nil {
				return nil, err
			}
		}
	} else {
		free = freemap.Open(freeIno, nbit)
		layer.SetAllocator(free)
	}
	fs.free = free

	root, err := layer.Open(RootSector)
	if err != nil {
		return nil, err
	}
	fs.rootIno = root

	return fs, nil
}

// Done flushes the dirty cache and releases the free-map and root handles
// (spec §6 "done").
func (fs *FS) Done() error {
	if err := fs.layer.Close(fs.rootIno); err != nil {
		return err
	}
	if err := fs.layer.Close(fs.free.Inode()); err != nil {
		return err
	}
	return fs.cache.Done()
}

// Backup flushes the dirty cache while the system remains running (spec §6
// "backup").
func (fs *FS) Backup() error {
	return fs.cache.Backup()
}

// resolveDir walks every path component except the last, returning the
// parent directory inode and the final component name (spec §4.5 "walk").
// Absolute paths start from the root inode; relative paths start from the
// directory at cwd (spec's "caller's current-directory string, supplied by
// the external process state" — rendered here as an explicit sector
// parameter per SPEC_FULL.md's Non-goals note, since this module has no
// process table to consult).
func (fs *FS) resolveDir(cwd int, path string) (*directory.Dir, string, error) {
	parts := vpath.Split("/", path)
	if len(parts) == 0 {
		return nil, "", errs.EINVAL
	}

	cur := fs.rootIno
	opened := []*inode.Inode{}
	defer func() {
		for _, o := range opened {
			fs.layer.Close(o)
		}
	}()

	if !vpath.IsAbsolute(path) && cwd != RootSector {
		start, err := fs.layer.Open(cwd)
		if err != nil {
			return nil, "", err
		}
		opened = append(opened, start)
		if !start.IsDir() {
			return nil, "", errs.ENOTDIR
		}
		cur = start
	}

	for _, comp := range parts[:len(parts)-1] {
		dir := directory.Open(cur)
		sector, found, err := dir.Lookup(comp)
		if err != nil {
			return nil, "", err
		}
		if !found {
			return nil, "", errs.ENOENT
		}
		next, err := fs.layer.Open(sector)
		if err != nil {
			return nil, "", err
		}
		opened = append(opened, next)
		if !next.IsDir() {
			return nil, "", errs.ENOTDIR
		}
		cur = next
	}

	// Keep the parent directory's handle open for the caller by opening
	// it again under the layer's handle-sharing invariant: Open on an
	// already-open sector just bumps the refcount and returns the same
	// handle.
	parent, err := fs.layer.Open(cur.Sector())
	if err != nil {
		return nil, "", err
	}
	return directory.Open(parent), parts[len(parts)-1], nil
}

// createEntry allocates a sector, creates an inode on it, and links it
// into parent under name; on any failure after allocation it releases the
// sector (spec §4.5 "create", §7).
func (fs *FS) createEntry(parent *directory.Dir, name string, isDir bool, initialSize int64) (bool, error) {
	sector, err := fs.free.Allocate()
	if err != nil {
		return false, err
	}
	if err := fs.layer.Create(sector, initialSize, isDir); err != nil {
		fs.free.Release(sector)
		return false, err
	}
	ok, err := parent.Add(name, sector)
	if err != nil || !ok {
		fs.free.Release(sector)
		return false, err
	}
	return true, nil
}

// Create creates a regular file named name with an initial size (spec §6
// "create"). Fails if name already exists. cwd is the directory sector
// relative paths are resolved against; pass RootSector if name is absolute
// or the caller has no other current directory.
func (fs *FS) Create(cwd int, name string, initialSize int64) (bool, error) {
	parent, base, err := fs.resolveDir(cwd, name)
	if err != nil {
		return false, err
	}
	defer fs.layer.Close(parent.Inode())
	return fs.createEntry(parent, base, false, initialSize)
}

// CreateDir creates an empty directory named name (spec §6 "create_dir").
func (fs *FS) CreateDir(cwd int, name string) (bool, error) {
	parent, base, err := fs.resolveDir(cwd, name)
	if err != nil {
		return false, err
	}
	defer fs.layer.Close(parent.Inode())
	return fs.createEntry(parent, base, true, 0)
}

// openSector walks to name and returns its inode sector and directory-ness.
func (fs *FS) openSector(cwd int, name string) (sector int, isDir bool, err error) {
	parts := vpath.Split("/", name)
	if len(parts) == 0 {
		return RootSector, true, nil
	}
	parent, base, err := fs.resolveDir(cwd, name)
	if err != nil {
		return 0, false, err
	}
	defer fs.layer.Close(parent.Inode())
	s, found, err := parent.Lookup(base)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, errs.ENOENT
	}
	ino, err := fs.layer.Open(s)
	if err != nil {
		return 0, false, err
	}
	isDir = ino.IsDir()
	fs.layer.Close(ino)
	return s, isDir, nil
}

// Open opens name as a non-directory file (spec §6 "open"): returns nil if
// name does not exist or names a directory.
func (fs *FS) Open(cwd int, name string) (*File, error) {
	sector, isDir, err := fs.openSector(cwd, name)
	if err != nil {
		return nil, err
	}
	if isDir {
		return nil, errs.EISDIR
	}
	ino, err := fs.layer.Open(sector)
	if err != nil {
		return nil, err
	}
	return &File{ino: ino}, nil
}

// OpenInode opens name as either a file or a directory (spec §6
// "open_inode").
func (fs *FS) OpenInode(cwd int, name string) (*inode.Inode, error) {
	sector, _, err := fs.openSector(cwd, name)
	if err != nil {
		return nil, err
	}
	return fs.layer.Open(sector)
}

// Close releases an inode handle previously returned by OpenInode.
func (fs *FS) Close(ino *inode.Inode) error {
	return fs.layer.Close(ino)
}

// CloseFile releases a *File handle.
func (fs *FS) CloseFile(f *File) error {
	return fs.Close(f.ino)
}

// isEmptyDirAt is the callback directory.Remove uses to veto removing a
// non-empty subdirectory.
func (fs *FS) isEmptyDirAt(sector int) (bool, error) {
	ino, err := fs.layer.Open(sector)
	if err != nil {
		return false, err
	}
	defer fs.layer.Close(ino)
	if !ino.IsDir() {
		return true, nil
	}
	return directory.Open(ino).IsEmpty()
}

// Remove unlinks name (spec §6 "remove"): fails if name does not exist, or
// names a non-empty directory. The removed inode's storage is freed once
// every open handle to it closes (spec §4.4/§4.3).
func (fs *FS) Remove(cwd int, name string) (bool, error) {
	parent, base, err := fs.resolveDir(cwd, name)
	if err != nil {
		return false, err
	}
	defer fs.layer.Close(parent.Inode())

	sector, ok, err := parent.Remove(base, fs.isEmptyDirAt)
	if err != nil || !ok {
		return false, err
	}

	ino, err := fs.layer.Open(sector)
	if err != nil {
		return false, err
	}
	fs.layer.Remove(ino)
	return true, fs.layer.Close(ino)
}
