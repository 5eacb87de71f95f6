package bufcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basalt-fs/corefs/bufcache"
	"github.com/basalt-fs/corefs/disk"
)

func TestReadWriteRoundTrip(t *testing.T) {
	d := disk.NewMemDisk(8)
	c := bufcache.New(d, 4)

	require.NoError(t, c.Write(1, []byte("hello"), 0, 5))
	buf := make([]byte, 5)
	require.NoError(t, c.Read(1, buf, 0, 5))
	require.Equal(t, "hello", string(buf))
}

func TestZeroLengthIsNoop(t *testing.T) {
	d := disk.NewMemDisk(4)
	c := bufcache.New(d, 4)
	require.NoError(t, c.Write(0, nil, 0, 0))
	require.NoError(t, c.Read(0, nil, 0, 0))
	require.Equal(t, int64(0), c.Stats().Writes)
}

func TestOutOfBoundsRangePanics(t *testing.T) {
	d := disk.NewMemDisk(4)
	c := bufcache.New(d, 4)
	require.Panics(t, func() {
		_ = c.Write(0, make([]byte, 10), disk.SectorSize-5, 10)
	})
}

func TestCreateDoesNotReadDisk(t *testing.T) {
	d := disk.NewMemDisk(4)
	// Poison the backing sector so a real read would be detected.
	poison := make([]byte, disk.SectorSize)
	for i := range poison {
		poison[i] = 0xFF
	}
	require.NoError(t, d.WriteSector(2, poison))

	c := bufcache.New(d, 4)
	require.NoError(t, c.Create(2))
	buf := make([]byte, disk.SectorSize)
	require.NoError(t, c.Read(2, buf, 0, disk.SectorSize))
	zero := make([]byte, disk.SectorSize)
	require.Equal(t, zero, buf)
}

func TestEvictionWritesBackDirtySectorOnly(t *testing.T) {
	d := disk.NewMemDisk(8)
	c := bufcache.New(d, 2)

	require.NoError(t, c.Write(0, []byte("A"), 0, 1))
	require.NoError(t, c.Read(1, make([]byte, 1), 0, 1)) // clean slot for sector 1
	// Touching a third distinct sector forces eviction of the LRU slot.
	require.NoError(t, c.Write(2, []byte("C"), 0, 1))

	require.Equal(t, int64(1), c.Stats().Evicts)
	require.Equal(t, 2, c.Len())

	// Sector 0's write survived the eviction (written back to disk).
	raw := make([]byte, disk.SectorSize)
	require.NoError(t, d.ReadSector(0, raw))
	require.Equal(t, byte('A'), raw[0])
}

func TestEvictHeavyWorkloadPreservesData(t *testing.T) {
	d := disk.NewMemDisk(bufcache.Capacity + 4)
	c := bufcache.New(d, bufcache.Capacity)

	for i := 0; i < bufcache.Capacity+1; i++ {
		require.NoError(t, c.Write(i, []byte{byte(i)}, 0, 1))
	}
	require.GreaterOrEqual(t, c.Stats().Evicts, int64(1))

	for i := 0; i < bufcache.Capacity+1; i++ {
		buf := make([]byte, 1)
		require.NoError(t, c.Read(i, buf, 0, 1))
		require.Equal(t, byte(i), buf[0])
	}
}

func TestRemoveDoesNotWriteBack(t *testing.T) {
	d := disk.NewMemDisk(4)
	c := bufcache.New(d, 4)

	require.NoError(t, c.Write(3, []byte("dirty"), 0, 5))
	c.Remove(3)

	raw := make([]byte, disk.SectorSize)
	require.NoError(t, d.ReadSector(3, raw))
	zero := make([]byte, disk.SectorSize)
	require.Equal(t, zero, raw)
}

func TestBackupIsIdempotent(t *testing.T) {
	d := disk.NewMemDisk(4)
	c := bufcache.New(d, 4)

	require.NoError(t, c.Write(0, []byte("persisted"), 0, 9))
	require.NoError(t, c.Backup())

	before := make([]byte, disk.SectorSize)
	require.NoError(t, d.ReadSector(0, before))

	require.NoError(t, c.Backup())

	after := make([]byte, disk.SectorSize)
	require.NoError(t, d.ReadSector(0, after))
	require.Equal(t, before, after)
}

func TestDoneFlushesAndClears(t *testing.T) {
	d := disk.NewMemDisk(4)
	c := bufcache.New(d, 4)

	require.NoError(t, c.Write(0, []byte("bye"), 0, 3))
	require.NoError(t, c.Done())
	require.Equal(t, 0, c.Len())

	raw := make([]byte, disk.SectorSize)
	require.NoError(t, d.ReadSector(0, raw))
	require.Equal(t, "bye", string(raw[:3]))
}
