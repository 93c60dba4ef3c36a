package ebee

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/tstromberg/ebee/hostcache"
)

// checkBijection walks every pool slot, failing t if a slot's item has no
// map entry, if that entry records a different pool index, or if an item
// appears in more than one slot. Map entries are reached only through pool
// slots, so an entry with no pool slot is not detected.
func checkBijection(t *testing.T, e *Engine) {
	t.Helper()

	e.pool.mu.Lock()
	pool := append([]*hostcache.Item(nil), e.pool.items...)
	e.pool.mu.Unlock()

	for i, it := range pool {
		shard := e.embMap.shardFor(it.HashValue())
		shard.mu.Lock()
		ent, ok := shard.lookup(it)
		shard.mu.Unlock()
		if !ok {
			t.Fatalf("bijection: pool slot %d (%s) has no map entry", i, it.Key)
		}
		if ent.poolIdx != i {
			t.Fatalf("bijection: pool slot %d (%s) map entry records poolIdx=%d", i, it.Key, ent.poolIdx)
		}
	}

	seen := map[*hostcache.Item]bool{}
	for _, it := range pool {
		if seen[it] {
			t.Fatalf("bijection: item %s appears twice in the pool", it.Key)
		}
		seen[it] = true
	}
}

func TestEmptyPoolEvict(t *testing.T) {
	e := New(16)
	if e.FindAndEvict(hostcache.New(hostcache.WithSize(16))) {
		t.Fatal("FindAndEvict on an empty pool must return false")
	}
	if e.pool.length() != 0 {
		t.Fatalf("pool length = %d, want 0", e.pool.length())
	}
}

func TestSingleItemEvict(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	it := cache.Set("A", []byte("1"), 0)
	e.OnAccess(it)

	if !e.FindAndEvict(cache) {
		t.Fatal("FindAndEvict should select the sole candidate")
	}
	if e.pool.length() != 0 {
		t.Fatalf("pool length = %d, want 0 after evicting the only item", e.pool.length())
	}

	shard := e.embMap.shardFor(it.HashValue())
	shard.mu.Lock()
	_, tracked := shard.lookup(it)
	shard.mu.Unlock()
	if tracked {
		t.Fatal("map entry should be gone after eviction")
	}
}

func TestOnAccessNormalizesVector(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	it := cache.Set("A", []byte("1"), 0)
	e.OnAccess(it)
	e.OnAccess(it)
	e.OnAccess(it)

	shard := e.embMap.shardFor(it.HashValue())
	shard.mu.Lock()
	ent, ok := shard.lookup(it)
	shard.mu.Unlock()
	if !ok {
		t.Fatal("expected entry after OnAccess")
	}

	var sumSq float64
	for _, v := range ent.vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("norm = %v, want within 1e-4 of 1", norm)
	}
}

func TestRollingAverageConsistency(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	for i := range 10 {
		key := fmt.Sprintf("item-%d", i)
		it := cache.Set(key, []byte(key), 0)
		e.OnAccess(it)
	}

	e.ring.mu.Lock()
	var want Embedding
	for _, slot := range e.ring.buf {
		want = want.add(slot)
	}
	got := e.ring.sum
	e.ring.mu.Unlock()

	for i := range want {
		if math.Abs(float64(want[i]-got[i])) > 1e-3 {
			t.Fatalf("running sum component %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIdempotentRemoval(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	it := cache.Set("A", []byte("1"), 0)
	e.OnAccess(it)

	hv := it.HashValue()
	e.OnRemove(it, hv)
	e.OnRemove(it, hv) // must be a no-op, not a crash or double-decrement

	if e.pool.length() != 0 {
		t.Fatalf("pool length = %d, want 0", e.pool.length())
	}
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	before := e.pool.length()

	it := cache.Set("A", []byte("1"), 0)
	e.OnAccess(it)
	e.OnRemove(it, it.HashValue())

	after := e.pool.length()
	if before != after {
		t.Fatalf("pool length changed: before=%d after=%d", before, after)
	}
}

func TestTwoPhaseWorkloadBijection(t *testing.T) {
	e := New(16)
	cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

	a := cache.Set("A", []byte("1"), 0)
	b := cache.Set("B", []byte("1"), 0)

	for range 200 {
		e.OnAccess(a)
		e.OnAccess(b)
	}

	checkBijection(t, e)

	if !e.FindAndEvict(cache) {
		t.Fatal("expected FindAndEvict to find a victim among two candidates")
	}
	checkBijection(t, e)
	if e.pool.length() != 1 {
		t.Fatalf("pool length = %d, want 1 after a single eviction", e.pool.length())
	}
}

// TestDriftEviction accesses A 100 times, then B 100 times with no further A
// access, so the rolling average drifts toward B's direction. A's embedding
// was pulled toward the stale average and should be chosen as victim in
// most trials.
func TestDriftEviction(t *testing.T) {
	hits := 0
	const trials = 20

	for trial := range trials {
		e := New(16, WithSeed(uint64(trial)+1))
		cache := hostcache.New(hostcache.WithSize(16), hostcache.WithEvictor(e))

		a := cache.Set("A", []byte("1"), 0)
		b := cache.Set("B", []byte("1"), 0)

		for range 100 {
			e.OnAccess(a)
		}
		for range 100 {
			e.OnAccess(b)
		}

		if !e.FindAndEvict(cache) {
			t.Fatalf("trial %d: expected a victim among two candidates", trial)
		}

		shardA := e.embMap.shardFor(a.HashValue())
		shardA.mu.Lock()
		_, aTracked := shardA.lookup(a)
		shardA.mu.Unlock()
		if !aTracked {
			hits++
		}
	}

	if hits <= trials/2 {
		t.Fatalf("A was evicted in %d/%d trials, want > %d (probability > 0.5)", hits, trials, trials/2)
	}
}

func TestConcurrentAccessAndEvict(t *testing.T) {
	e := New(4096)
	cache := hostcache.New(hostcache.WithSize(4096), hostcache.WithEvictor(e))

	const items = 1000
	its := make([]*hostcache.Item, items)
	for i := range items {
		key := fmt.Sprintf("item-%d", i)
		its[i] = cache.Set(key, []byte(key), 0)
	}

	var wg sync.WaitGroup
	wg.Add(9)
	for w := range 8 {
		go func(w int) {
			defer wg.Done()
			for range 1000 {
				e.OnAccess(its[(w*137)%items])
			}
		}(w)
	}
	go func() {
		defer wg.Done()
		for range 500 {
			e.FindAndEvict(cache)
		}
	}()
	wg.Wait()

	checkBijection(t, e)
}

func TestBijectionStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long bijection stress test in -short mode")
	}

	e := New(16384)
	cache := hostcache.New(hostcache.WithSize(16384), hostcache.WithEvictor(e))

	const items = 10000
	its := make([]*hostcache.Item, items)
	for i := range items {
		key := fmt.Sprintf("item-%d", i)
		its[i] = cache.Set(key, []byte(key), 0)
		e.OnAccess(its[i])
	}

	var wg sync.WaitGroup
	wg.Add(16)
	for w := range 16 {
		go func(w int) {
			defer wg.Done()
			for i := range 2000 {
				idx := (w*2654435761 + i) % items
				it := its[idx]
				if i%7 == 0 {
					e.OnRemove(it, it.HashValue())
				} else {
					e.OnAccess(it)
				}
			}
		}(w)
	}
	wg.Wait()

	checkBijection(t, e)
}
