package hostcache

import (
	"sync/atomic"
	"time"
)

// Item is a single cache entry. hostcache allocates and frees it; eviction
// policies (ebee among them) only ever hold a pinned reference to it.
//
//nolint:govet // fieldalignment: small struct, clarity over packing here
type Item struct {
	Key string

	value atomic.Pointer[[]byte]

	hash       uint32
	expiryNano atomic.Int64 // 0 means no expiry
	refs       atomic.Int32
	linked     atomic.Bool // true while present in the cache's shard map

	// Fields below are the default evictor's intrusive small/main queue
	// bookkeeping. A plugged-in Evictor such as *ebee.Engine never reads or
	// writes them; they exist here rather than in a side map purely to avoid
	// a second per-entry allocation.
	evictPrev, evictNext *Item
	freq                 atomic.Uint32
	peakFreq             atomic.Uint32
	inSmall              bool
	onDeathRow           bool
	evictTracked         bool // true once queued in the default evictor's small or main list
}

// Expired reports whether the item has outlived its TTL.
func (it *Item) Expired() bool {
	exp := it.expiryNano.Load()
	return exp != 0 && time.Now().UnixNano() > exp
}

// Value returns the item's current value. Safe to call without holding any
// lock: Cache.Set swaps the pointer atomically rather than mutating the
// slice in place, so a concurrent Get never observes a half-written value.
func (it *Item) Value() []byte {
	v := it.value.Load()
	if v == nil {
		return nil
	}
	return *v
}

// SetValue atomically replaces the item's value. Safe to call with or
// without the shard lock held; Cache.Set calls it while holding the lock.
func (it *Item) SetValue(value []byte) {
	it.value.Store(&value)
}

// RefIncr increments the item's reference count. Thread-safe.
func (it *Item) RefIncr() {
	it.refs.Add(1)
}

// RefDecr decrements the item's reference count. Thread-safe.
func (it *Item) RefDecr() {
	it.refs.Add(-1)
}

// Refs returns the current reference count, for tests and diagnostics only.
func (it *Item) Refs() int32 {
	return it.refs.Load()
}

// HashValue returns the precomputed cache hash for this item's key, the hv
// threaded through every Evictor call so policies never need to rehash a key.
func (it *Item) HashValue() uint32 {
	return it.hash
}

// Linked reports whether the item is currently present in the cache's
// shard map. An Evictor's OnAccess checks this before doing any work, to
// avoid racing with a concurrent unlink.
func (it *Item) Linked() bool {
	return it.linked.Load()
}
