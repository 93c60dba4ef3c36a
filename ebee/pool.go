package ebee

import (
	"math/rand/v2"
	"sync"

	"github.com/tstromberg/ebee/hostcache"
)

// samplePool is a dense, index-addressed array of currently-tracked items,
// enabling O(1) uniform random sampling and O(1) removal via swap-with-tail.
// mu is the pool-size lock, the outermost lock in the engine's lock
// hierarchy. OnAccess holds it across the map insert and append, OnRemove
// across the whole lookup, swap-remove and moved-item fix-up, and
// sampleOne and length hold it only for their own read.
type samplePool struct {
	mu       sync.Mutex
	items    []*hostcache.Item
	capacity int
	rng      *rand.Rand
}

func newSamplePool(capacity int, seed uint64) *samplePool {
	return &samplePool{
		items:    make([]*hostcache.Item, 0, capacity),
		capacity: capacity,
		rng:      rand.New(rand.NewPCG(seed, seed+1)),
	}
}

// append places it at the tail and returns its new index. Caller must hold
// mu (acquired as part of the combined pool-size + item-embedding lock
// scope in OnAccess) and must write the returned index into the item's map
// entry. A pool already at capacity is a fatal invariant violation: the
// pool is sized to match the cache's own item capacity, so the host has
// admitted more items than it configured this engine to track.
func (p *samplePool) append(it *hostcache.Item) int {
	if len(p.items) >= p.capacity {
		logInvariantViolation("sample pool exceeded its configured capacity", it)
	}
	p.items = append(p.items, it)
	return len(p.items) - 1
}

// swapRemove removes the item at index i by overwriting it with the tail
// item and shrinking the pool by one. Returns the item that was moved into
// slot i, or nil if i was already the tail (nothing moved) or out of range
// (nothing removed). Caller must hold mu.
func (p *samplePool) swapRemove(i int) (moved *hostcache.Item) {
	n := len(p.items)
	last := n - 1
	if i < 0 || i >= n {
		return nil
	}
	if i == last {
		p.items = p.items[:last]
		return nil
	}
	tail := p.items[last]
	p.items[i] = tail
	p.items = p.items[:last]
	return tail
}

// sampleOne picks one uniformly random live item without holding mu across
// the call to the caller. Returns (nil, false) if the pool is empty.
func (p *samplePool) sampleOne() (*hostcache.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	if n == 0 {
		return nil, false
	}
	return p.items[p.rng.IntN(n)], true
}

// length returns the current number of tracked items.
func (p *samplePool) length() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
