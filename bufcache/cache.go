// Package bufcache implements the bounded, write-back, LRU buffer cache
// that mediates every sector access in the file system (spec §4.2). It is
// the sole caller of the disk.Device; every other layer reads and writes
// sectors exclusively through a Cache.
//
// Grounded on mit-pdos-biscuit/biscuit/src/fs/blk.go (the container/list
// wrapper around blocks) and refcache.go (the head/tail LRU bookkeeping),
// adapted from that kernel's refcount-eviction scheme to the spec's simpler
// fixed-capacity tail eviction with a single mutex.
package bufcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/basalt-fs/corefs/disk"
	"github.com/basalt-fs/corefs/internal/dbg"
)

// Capacity is C in the spec: the fixed number of slots the cache holds.
const Capacity = 64

type slot struct {
	sector int
	data   [disk.SectorSize]byte
	dirty  bool
}

// Cache is a bounded LRU of sector-sized slots, shared by every client of
// the file system. All operations are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	dev      disk.Device
	list     *list.List               // front = most recently used
	bySector map[int]*list.Element    // O(1) lookup, the way refcache_t.refs indexes by key
	capacity int

	stats Stats
}

// Stats are cumulative counters, mirroring the teacher's habit of tracking
// Nhit/Nevict style counters on cache-like structures (cache.go, dcache.go).
type Stats struct {
	Hits   int64
	Misses int64
	Evicts int64
	Writes int64
}

// New returns a Cache of the given capacity (0 or negative defaults to
// Capacity) backed by dev.
func New(dev disk.Device, capacity int) *Cache {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Cache{
		dev:      dev,
		list:     list.New(),
		bySector: make(map[int]*list.Element, capacity),
		capacity: capacity,
	}
}

func checkRange(off, n int) {
	if off < 0 || n < 0 || off+n > disk.SectorSize {
		panic(fmt.Sprintf("bufcache: off %d + n %d exceeds sector size %d", off, n, disk.SectorSize))
	}
}

// touch moves el to the front of the LRU list.
func (c *Cache) touch(el *list.Element) {
	c.list.MoveToFront(el)
}

// fetch returns the slot for sector, loading it from disk (or evicting to
// make room) if it is not already cached. Caller must hold c.mu.
func (c *Cache) fetch(sector int) (*slot, error) {
	if el, ok := c.bySector[sector]; ok {
		c.touch(el)
		c.stats.Hits++
		return el.Value.(*slot), nil
	}
	c.stats.Misses++
	s := &slot{sector: sector}
	if err := c.dev.ReadSector(sector, s.data[:]); err != nil {
		return nil, err
	}
	c.insertFront(s)
	return s, nil
}

// insertFront adds a freshly-loaded or freshly-created slot at the front,
// evicting the tail first if the cache is full. Caller must hold c.mu.
func (c *Cache) insertFront(s *slot) {
	if c.list.Len() >= c.capacity {
		c.evictOne()
	}
	el := c.list.PushFront(s)
	c.bySector[s.sector] = el
}

// evictOne writes back the tail slot if dirty and discards it. Caller must
// hold c.mu.
func (c *Cache) evictOne() {
	back := c.list.Back()
	if back == nil {
		return
	}
	s := back.Value.(*slot)
	if s.dirty {
		if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
			// The underlying device is fatal on error (spec §7); there is
			// no recovery path for a failed write-back.
			panic(fmt.Sprintf("bufcache: write-back of sector %d failed: %v", s.sector, err))
		}
	}
	c.list.Remove(back)
	delete(c.bySector, s.sector)
	c.stats.Evicts++
	dbg.Printf(2, "bufcache: evicted sector %d (dirty=%v)", s.sector, s.dirty)
}

// Read copies the n bytes starting at off in sector into dst.
func (c *Cache) Read(sector int, dst []byte, off, n int) error {
	checkRange(off, n)
	if n == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.fetch(sector)
	if err != nil {
		return err
	}
	copy(dst[:n], s.data[off:off+n])
	return nil
}

// Write copies the n bytes of src into sector starting at off and marks the
// slot dirty.
func (c *Cache) Write(sector int, src []byte, off, n int) error {
	checkRange(off, n)
	if n == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.fetch(sector)
	if err != nil {
		return err
	}
	copy(s.data[off:off+n], src[:n])
	s.dirty = true
	c.stats.Writes++
	return nil
}

// Create inserts a fresh, zero-filled slot for a newly-allocated sector
// without reading the (garbage) disk contents, evicting to make room if
// necessary. The slot starts dirty: its zeroed contents have never been
// written to disk.
func (c *Cache) Create(sector int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.bySector[sector]; ok {
		// Already cached: re-zero in place rather than duplicate the slot.
		s := el.Value.(*slot)
		for i := range s.data {
			s.data[i] = 0
		}
		s.dirty = true
		c.touch(el)
		return nil
	}
	s := &slot{sector: sector, dirty: true}
	c.insertFront(s)
	return nil
}

// Remove discards the slot for sector, if present, without writing it back.
// Used when a sector has just been freed and its contents are garbage.
func (c *Cache) Remove(sector int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.bySector[sector]
	if !ok {
		return
	}
	c.list.Remove(el)
	delete(c.bySector, sector)
}

// Backup writes every dirty slot to disk, clearing the dirty bit on
// success, while the cache continues to serve requests. Repeated Backup
// calls with no intervening writes are a no-op on disk contents (spec §8).
func (c *Cache) Backup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.list.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot)
		if !s.dirty {
			continue
		}
		if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
			return err
		}
		s.dirty = false
	}
	return nil
}

// Done writes back every dirty slot and discards all slots. Call once at
// shutdown.
func (c *Cache) Done() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.list.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot)
		if s.dirty {
			if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
				return err
			}
			s.dirty = false
		}
	}
	c.list.Init()
	c.bySector = make(map[int]*list.Element)
	return nil
}

// Stats returns a snapshot of cumulative cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the number of slots currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
