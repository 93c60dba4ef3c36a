package ebee

import (
	"log/slog"

	"github.com/tstromberg/ebee/hostcache"
)

// sampleCount is K, the number of candidates drawn per eviction attempt.
const sampleCount = 32

// Engine is the embedding-based eviction policy: it implements
// hostcache.Evictor and can be plugged into a hostcache.Cache in place of
// the cache's own default S3-FIFO policy.
type Engine struct {
	embMap *embeddingMap
	pool   *samplePool
	ring   *ring

	alpha  float32
	convex bool
}

// New constructs an Engine ready to be passed to hostcache.WithEvictor.
// capacity bounds the sample pool's backing array, which is sized to match
// the cache's own item capacity; exceeding it is a fatal invariant
// violation (see pool.go).
func New(capacity int, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{
		embMap: newEmbeddingMap(cfg.seed),
		pool:   newSamplePool(capacity, cfg.seed+1),
		ring:   &ring{},
		alpha:  cfg.alpha,
		convex: cfg.convex,
	}
}

// OnAccess is called by the host on every cache hit and on every successful
// insert after a miss.
func (e *Engine) OnAccess(it *hostcache.Item) {
	if !it.Linked() {
		return // avoid racing with a concurrent unlink
	}

	hv := it.HashValue()
	shard := e.embMap.shardFor(hv)

	// Lock hierarchy: pool-size lock before item-embedding lock.
	e.pool.mu.Lock()
	shard.mu.Lock()

	// Re-check after acquiring the locks: it may have been unlinked (and
	// OnRemove already run) between the check above and here. Linked never
	// flips back to true for a given *Item, so this second read is
	// conclusive and keeps a concurrently-evicted item from being
	// re-admitted into the pool with a fresh long-lived reference.
	if !it.Linked() {
		shard.mu.Unlock()
		e.pool.mu.Unlock()
		return
	}

	ent, wasNew := shard.insert(it)
	if wasNew {
		idx := e.pool.append(it)
		ent.poolIdx = idx
		it.RefIncr() // this engine's one long-lived reference for pool residency
	}
	e.pool.mu.Unlock()

	// Embedding update, performed with only the item-embedding lock held,
	// then the ring update.
	avg := e.ring.average()
	shifted := ent.vec
	if e.convex {
		shifted = shifted.scale(1 - e.alpha).add(avg.scale(e.alpha))
	} else {
		shifted = shifted.add(avg.scale(e.alpha))
	}
	ent.vec = shifted.normalized(shard.rng)
	e.ring.push(ent.vec)

	shard.mu.Unlock()
}

// FindAndEvict samples K candidates, picks the one least similar to the
// rolling average, and attempts a non-blocking unlink. Returns false without
// progress if the pool is empty, if no candidate survived sampling, or if
// the victim's bucket could not be try-locked — in every such case the host
// is expected to retry or fall back to its own default eviction.
func (e *Engine) FindAndEvict(cache *hostcache.Cache) bool {
	if e.pool.length() == 0 {
		return false
	}
	avg := e.ring.average()

	var victim *hostcache.Item
	var victimSim float32

	for range sampleCount {
		cand, ok := e.pool.sampleOne()
		if !ok {
			continue
		}
		shard := e.embMap.shardFor(cand.HashValue())

		shard.mu.Lock()
		ent, tracked := shard.lookup(cand)
		if !tracked {
			shard.mu.Unlock()
			continue // concurrently removed between sampling and lookup
		}
		cand.RefIncr()
		sim := ent.vec.cosineSimilarity(avg)
		shard.mu.Unlock()

		switch {
		case victim == nil:
			victim, victimSim = cand, sim
		case sim < victimSim: // strictly-less keeps the first-seen on ties
			victim.RefDecr()
			victim, victimSim = cand, sim
		default:
			cand.RefDecr()
		}
	}

	if victim == nil {
		return false
	}

	// The transient sampling reference is released either way: on success
	// OnRemove (invoked by TryUnlink) drops this engine's separate
	// long-lived pool reference; on failure the host keeps the item and
	// will retry.
	ok := cache.TryUnlink(victim)
	victim.RefDecr()
	return ok
}

// OnRemove is invoked by the host during unlink — unconditionally, even for
// items this engine never tracked.
func (e *Engine) OnRemove(it *hostcache.Item, hv uint32) {
	shard := e.embMap.shardFor(hv)

	e.pool.mu.Lock()
	shard.mu.Lock()

	ent, tracked := shard.lookup(it)
	if !tracked {
		shard.mu.Unlock()
		e.pool.mu.Unlock()
		return // host unlinked an item this engine never tracked; idempotent no-op
	}

	i := ent.poolIdx
	moved := e.pool.swapRemove(i)
	shard.remove(it)

	// The pool-size lock stays held until the moved item's poolIdx (if any)
	// has been corrected: releasing it earlier would let a concurrent
	// OnRemove for the moved item itself read its stale index and swap the
	// wrong slot, breaking the pool/map bijection invariant.
	if moved != nil && moved != it {
		movedShard := e.embMap.shardFor(moved.HashValue())
		if movedShard == shard {
			if movedEnt, ok := movedShard.lookup(moved); ok {
				movedEnt.poolIdx = i
			} else {
				logInvariantViolation("moved item missing its own map entry", moved)
			}
		} else {
			// A second shard lock is needed here. Acquiring shard locks in
			// ascending shard-index order would normally be required to
			// avoid an AB-BA deadlock against a concurrent OnRemove moving
			// items the other way, but the pool-size lock held across the
			// entire lookup+swap above already serializes every
			// OnAccess/OnRemove call program-wide, so no other OnAccess or
			// OnRemove can be holding movedShard's lock while this one waits
			// on it. FindAndEvict's sampling loop may hold it briefly, but it
			// holds one shard lock at a time and waits on no other lock
			// while doing so. The shard-index comparison below only logs the
			// order; it does not change the order in which the locks are
			// taken.
			if movedShard.idx < shard.idx {
				slog.Debug("ebee: moved-item shard precedes victim shard", "moved_idx", movedShard.idx, "victim_idx", shard.idx)
			}
			movedShard.mu.Lock()
			if movedEnt, ok := movedShard.lookup(moved); ok {
				movedEnt.poolIdx = i
			} else {
				logInvariantViolation("moved item missing its own map entry", moved)
			}
			movedShard.mu.Unlock()
		}
	}
	e.pool.mu.Unlock()

	shard.mu.Unlock()
	it.RefDecr() // release this engine's long-lived pool reference
}

// logInvariantViolation logs and aborts on a broken internal invariant.
// Shared by Engine and samplePool so every fatal condition goes through the
// same path.
func logInvariantViolation(msg string, it *hostcache.Item) {
	slog.Error("ebee: invariant violation", "reason", msg, "key", it.Key)
	panic("ebee: invariant violation: " + msg)
}
