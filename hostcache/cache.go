// Package hostcache is a small sharded concurrent item store: it owns item
// memory, computes the hash value threaded through every eviction-policy
// call, holds one refcount protocol and one set of per-bucket locks, and
// calls back into a plugged-in Evictor's OnRemove hook whenever an item is
// unlinked — whether that unlink was decided by the evictor itself or by an
// explicit Delete.
package hostcache

import (
	"math/bits"
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

const maxShards = 2048

// Evictor is the pluggable eviction policy a Cache calls back into: OnAccess
// on every hit/insert, FindAndEvict from the allocator path when space is
// needed, OnRemove from the unlink path — unconditionally, even for items
// the evictor never tracked. ebee.Engine implements this interface; so does
// the package's own defaultEvictor, used as a fallback when no evictor is
// configured.
type Evictor interface {
	OnAccess(it *Item)
	FindAndEvict(c *Cache) bool
	OnRemove(it *Item, hv uint32)
}

// shard is one partition of the item table. entries gives lock-free reads;
// mu is the per-bucket structural lock used by Set/Delete/Unlink and by
// Evictor.FindAndEvict's try-lock step.
//
// This is a plain sync.Mutex rather than a reader-biased lock: eviction
// needs a non-blocking try-lock (Mutex.TryLock) to pick a victim without
// ever stalling behind a busy bucket, which a reader-biased protocol
// doesn't expose.
type shard struct {
	mu      sync.Mutex
	entries *xsync.Map[string, *Item]

	small, main evictList
	smallThresh int
	capacity    int
}

// Cache is a sharded, concurrent item store. It is deliberately small: the
// interesting engineering lives in the Evictor plugged into it, not the
// store itself.
type Cache struct {
	shards    []*shard
	shardMask uint32
	evictor   Evictor
	capacity  int
}

// New constructs a Cache. Without WithEvictor, Cache falls back to its own
// defaultEvictor (an S3-FIFO policy) so the cache is usable standalone;
// cmd/ebeed supplies an *ebee.Engine unless run with -default-eviction.
func New(opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	n := shardCount(cfg.size)
	scap := (cfg.size + n - 1) / n

	c := &Cache{
		shards:    make([]*shard, n),
		shardMask: uint32(n - 1),
		capacity:  cfg.size,
		evictor:   cfg.evictor,
	}
	for i := range n {
		c.shards[i] = &shard{
			entries:     xsync.NewMap[string, *Item](xsync.WithPresize(scap)),
			capacity:    scap,
			smallThresh: scap * smallQueueRatio / 1000,
		}
	}
	if c.evictor == nil {
		c.evictor = newDefaultEvictor(c)
	}
	return c
}

func shardCount(size int) int {
	n := min(max(runtime.GOMAXPROCS(0)*16, size/256), max(1, size/1024), maxShards)
	if n < 1 {
		n = 1
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

func (c *Cache) shardFor(hv uint32) *shard {
	return c.shards[hv&c.shardMask]
}

// shardIndexFor returns the index into c.shards (and into any parallel
// per-shard slice, such as defaultEvictor's death-row arrays) that hv maps
// to, using the same mask shardFor does.
func (c *Cache) shardIndexFor(hv uint32) int {
	return int(hv & c.shardMask)
}

// Lookup returns the live item for key, or nil if absent or expired. It
// does not take any per-bucket lock, so callers on the hot access path can
// check item state cheaply.
func (c *Cache) Lookup(key string) (*Item, bool) {
	hv := Hash(key)
	s := c.shardFor(hv)
	it, ok := s.entries.Load(key)
	if !ok || it.Expired() {
		return nil, false
	}
	return it, true
}

// Get looks up key and, on a hit, notifies the evictor of the access.
func (c *Cache) Get(key string) (*Item, bool) {
	it, ok := c.Lookup(key)
	if !ok {
		return nil, false
	}
	c.evictor.OnAccess(it)
	return it, true
}

// Set inserts or updates key, notifying the evictor of the access either way.
func (c *Cache) Set(key string, value []byte, expiryNano int64) *Item {
	hv := Hash(key)
	s := c.shardFor(hv)

	s.mu.Lock()
	it, existed := s.entries.Load(key)
	if existed {
		it.SetValue(value)
		if expiryNano != 0 {
			it.expiryNano.Store(expiryNano)
		}
	} else {
		it = &Item{Key: key, hash: hv}
		it.SetValue(value)
		it.expiryNano.Store(expiryNano)
		it.linked.Store(true)
		s.entries.Store(key, it)
	}
	s.mu.Unlock()

	c.evictor.OnAccess(it)
	return it
}

// Delete removes key unconditionally, calling Unlink so the evictor's
// bookkeeping is always cleaned up, even if the item was never tracked by
// the evictor in the first place.
func (c *Cache) Delete(key string) {
	hv := Hash(key)
	s := c.shardFor(hv)
	s.mu.Lock()
	it, ok := s.entries.Load(key)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.Unlink(it)
}

// TryLockBucket attempts to acquire the per-bucket structural lock for hv
// without blocking. Returns (shard, true) on success; the caller must
// Unlock(shard) exactly once.
func (c *Cache) TryLockBucket(hv uint32) (*shard, bool) {
	s := c.shardFor(hv)
	if !s.mu.TryLock() {
		return nil, false
	}
	return s, true
}

// Unlock releases a bucket lock acquired via TryLockBucket.
func (*Cache) Unlock(s *shard) {
	s.mu.Unlock()
}

// TryUnlink attempts a non-blocking unlink of it: it try-locks its bucket,
// and on success removes it from the map and invokes the evictor's OnRemove
// hook before returning true. On lock contention it returns false without
// removing anything. Callers that pick a victim under a non-blocking
// eviction scan (chiefly an Evictor's own FindAndEvict) use this instead of
// Unlink so the bucket lock is acquired exactly once, non-blockingly, around
// the whole remove-and-notify sequence.
func (c *Cache) TryUnlink(it *Item) bool {
	s := c.shardFor(it.hash)
	if !s.mu.TryLock() {
		return false
	}
	// Only delete the map slot if it still holds this exact item: another
	// goroutine may have already unlinked it and a Set since reused its key
	// for a brand-new Item, which must not be deleted here.
	if cur, ok := s.entries.Load(it.Key); ok && cur == it {
		s.entries.Delete(it.Key)
	}
	it.linked.Store(false)
	s.mu.Unlock()
	c.evictor.OnRemove(it, it.hash)
	return true
}

// Unlink removes it from the cache and invokes the evictor's OnRemove hook.
// Callers must not hold any bucket lock when calling Unlink; it acquires one
// itself and releases it before calling the evictor's OnRemove, so OnRemove
// may take bucket locks of its own (the default evictor's does).
func (c *Cache) Unlink(it *Item) {
	s := c.shardFor(it.hash)
	s.mu.Lock()
	if cur, ok := s.entries.Load(it.Key); ok && cur == it {
		s.entries.Delete(it.Key)
	}
	it.linked.Store(false)
	s.mu.Unlock()
	c.evictor.OnRemove(it, it.hash)
}

// Capacity returns the target item count the Cache was constructed with.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len returns the number of live entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.entries.Size()
	}
	return total
}

// FindAndEvict asks the configured evictor to pick and unlink a victim.
// Returns false without progress if the evictor couldn't make one — callers
// must retry or accept the cache growing past capacity momentarily.
func (c *Cache) FindAndEvict() bool {
	return c.evictor.FindAndEvict(c)
}
