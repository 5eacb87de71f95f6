package filesys_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basalt-fs/corefs/disk"
	"github.com/basalt-fs/corefs/filesys"
)

func mustCreateAndWrite(t *testing.T, fs *filesys.FS, name string, data []byte) {
	t.Helper()
	ok, err := fs.Create(filesys.RootSector, name, 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := fs.Open(filesys.RootSector, name)
	require.NoError(t, err)
	n, err := f.Inode().WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fs.CloseFile(f))
}

func TestFormatCreateWriteReopenReadBack(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "a", 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := fs.Open(filesys.RootSector, "a")
	require.NoError(t, err)
	n, err := f.Inode().WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, fs.CloseFile(f))
	require.NoError(t, fs.Done())

	fs2, err := filesys.Init(d, false)
	require.NoError(t, err)
	f2, err := fs2.Open(filesys.RootSector, "a")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err = f2.Inode().ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.Equal(t, int64(5), f2.Inode().Length())
	require.NoError(t, fs2.CloseFile(f2))
	require.NoError(t, fs2.Done())
}

func TestBigFileThroughDoubleIndirect(t *testing.T) {
	d := disk.NewMemDisk(2000)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 200000)
	rng.Read(data)

	mustCreateAndWrite(t, fs, "/big", data)

	f, err := fs.Open(filesys.RootSector, "/big")
	require.NoError(t, err)
	buf := make([]byte, len(data))
	n, err := f.Inode().ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
	require.NoError(t, fs.CloseFile(f))
}

func TestConcurrentAppendsToSameFile(t *testing.T) {
	d := disk.NewMemDisk(512)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "/log", 0)
	require.NoError(t, err)
	require.True(t, ok)

	chunkA := make([]byte, 1024)
	chunkB := make([]byte, 1024)
	for i := range chunkA {
		chunkA[i] = 'A'
		chunkB[i] = 'B'
	}

	var wg sync.WaitGroup
	appendChunk := func(chunk []byte) {
		defer wg.Done()
		f, err := fs.Open(filesys.RootSector, "/log")
		require.NoError(t, err)
		defer fs.CloseFile(f)
		for {
			cur := f.Inode().Length()
			n, err := f.Inode().WriteAt(chunk, cur)
			require.NoError(t, err)
			if n == len(chunk) {
				return
			}
		}
	}
	wg.Add(2)
	go appendChunk(chunkA)
	go appendChunk(chunkB)
	wg.Wait()

	f, err := fs.Open(filesys.RootSector, "/log")
	require.NoError(t, err)
	require.Equal(t, int64(2048), f.Inode().Length())
	buf := make([]byte, 2048)
	_, err = f.Inode().ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, fs.CloseFile(f))

	countA, countB := 0, 0
	for _, b := range buf {
		switch b {
		case 'A':
			countA++
		case 'B':
			countB++
		}
	}
	require.Equal(t, 1024, countA)
	require.Equal(t, 1024, countB)
}

func TestCreateDirRemoveNonEmptyThenEmpty(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.CreateDir(filesys.RootSector, "/d")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.Create(filesys.RootSector, "/d/f", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.Remove(filesys.RootSector, "/d")
	require.Error(t, err)
	require.False(t, ok)

	ok, err = fs.Remove(filesys.RootSector, "/d/f")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.Remove(filesys.RootSector, "/d")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveThenUseStillOpenHandle(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "/x", 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := fs.Open(filesys.RootSector, "/x")
	require.NoError(t, err)

	ok, err = fs.Remove(filesys.RootSector, "/x")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.Inode().WriteAt([]byte("still alive"), 0)
	require.NoError(t, err)
	require.Equal(t, len("still alive"), n)

	buf := make([]byte, len("still alive"))
	n, err = f.Inode().ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "still alive", string(buf[:n]))

	require.NoError(t, fs.CloseFile(f))

	_, err = fs.Open(filesys.RootSector, "/x")
	require.Error(t, err)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "dup", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.Create(filesys.RootSector, "dup", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenRejectsDirectory(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.CreateDir(filesys.RootSector, "/adir")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = fs.Open(filesys.RootSector, "/adir")
	require.Error(t, err)

	ino, err := fs.OpenInode(filesys.RootSector, "/adir")
	require.NoError(t, err)
	require.True(t, ino.IsDir())
	require.NoError(t, fs.Close(ino))
}

func TestWriteZeroLengthAtOffsetZeroIsNoop(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "/empty", 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := fs.Open(filesys.RootSector, "/empty")
	require.NoError(t, err)
	n, err := f.Inode().WriteAt(nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, int64(0), f.Inode().Length())
	require.NoError(t, fs.CloseFile(f))
}

func TestRelativePathResolvesAgainstSuppliedCwd(t *testing.T) {
	d := disk.NewMemDisk(64)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.CreateDir(filesys.RootSector, "/sub")
	require.NoError(t, err)
	require.True(t, ok)

	subIno, err := fs.OpenInode(filesys.RootSector, "/sub")
	require.NoError(t, err)
	subSector := subIno.Sector()

	ok, err = fs.Create(subSector, "inner", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Same relative name resolves to nothing from root, but to the file
	// just created when resolved against /sub's sector.
	_, err = fs.Open(filesys.RootSector, "inner")
	require.Error(t, err)

	f, err := fs.Open(subSector, "inner")
	require.NoError(t, err)
	require.NoError(t, fs.CloseFile(f))

	f2, err := fs.Open(filesys.RootSector, "/sub/inner")
	require.NoError(t, err)
	require.NoError(t, fs.CloseFile(f2))

	require.NoError(t, fs.Close(subIno))
}

func TestRemoveAllowsDiskSpaceToBeReused(t *testing.T) {
	// 24 sectors: after /fill only 7 remain free, fewer than the 13
	// (inode + 12 data) that /fill2 needs.
	d := disk.NewMemDisk(24)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	data := make([]byte, 12*512) // fills every direct block
	mustCreateAndWrite(t, fs, "/fill", data)

	ok, err := fs.Remove(filesys.RootSector, "/fill")
	require.NoError(t, err)
	require.True(t, ok)

	// With /fill's blocks released, an equally large file should fit again.
	mustCreateAndWrite(t, fs, "/fill2", data)
}

// TestWriteAtOnFullDeviceLeavesFileConsistent covers spec §8 scenario 6
// end-to-end, through the real free-map and a real device rather than a
// test double: once every sector is handed out, the write_at that would
// need one more fails, and the file is left exactly as it was beforehand.
func TestWriteAtOnFullDeviceLeavesFileConsistent(t *testing.T) {
	d := disk.NewMemDisk(40)
	fs, err := filesys.Init(d, true)
	require.NoError(t, err)

	ok, err := fs.Create(filesys.RootSector, "/full", 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := fs.Open(filesys.RootSector, "/full")
	require.NoError(t, err)

	chunk := make([]byte, 100)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	var lastGood int64
	var failed bool
	for i := 0; i < 1000; i++ {
		cur := f.Inode().Length()
		n, werr := f.Inode().WriteAt(chunk, cur)
		if werr != nil {
			failed = true
			break
		}
		require.Equal(t, len(chunk), n)
		lastGood = cur + int64(n)
	}
	require.True(t, failed, "expected the device to eventually fill up")

	require.Equal(t, lastGood, f.Inode().Length())

	buf := make([]byte, lastGood)
	n, err := f.Inode().ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, int(lastGood), n)
	for off := int64(0); off < lastGood; off += int64(len(chunk)) {
		end := off + int64(len(chunk))
		if end > lastGood {
			end = lastGood
		}
		require.Equal(t, chunk[:end-off], buf[off:end], "data written before the failure must survive unchanged")
	}

	// The device is still full: a further growing write fails again rather
	// than silently corrupting state.
	_, err = f.Inode().WriteAt(chunk, f.Inode().Length())
	require.Error(t, err)
	require.Equal(t, lastGood, f.Inode().Length())

	require.NoError(t, fs.CloseFile(f))
}
