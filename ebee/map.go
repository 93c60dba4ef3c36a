package ebee

import (
	"math/bits"
	"math/rand/v2"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tstromberg/ebee/hostcache"
)

// shardCount is the item-embedding lock-shard count, chosen to keep
// per-shard contention low under high-fanout concurrent access.
const shardCount = 128

// entry is one tracked item's embedding state: its vector and its position
// in the sample pool. Entries are identified by item pointer, never by key
// bytes, since the pool and map must agree on exactly which live Go object
// an index refers to.
type entry struct {
	vec     Embedding
	poolIdx int
}

// mapShard is one lock-shard of the embedding map. entries is a lock-free
// concurrent map for reads; mu is the item-embedding lock that serializes
// insert/remove against the engine's own lock hierarchy and guards the
// in-place mutation of an entry's vector during an embedding update — the
// entries map alone doesn't protect that, since Go doesn't allow atomic
// updates of an Embedding array. rng is this shard's own PCG-seeded
// generator for random-embedding initialization, so concurrent inserts on
// different shards never contend for a shared generator.
type mapShard struct {
	mu      sync.Mutex
	entries *xsync.Map[*hostcache.Item, *entry]
	rng     *rand.Rand
	idx     int // stable position in embeddingMap.shards, for lock-order commentary
}

// embeddingMap is the sharded embedding table, indexed by hv mod
// shardCount. A host item's hash value hv is reused directly to pick the
// shard rather than re-hashed; the per-shard xsync.Map then holds the
// entries within a shard.
type embeddingMap struct {
	shards []*mapShard
}

func newEmbeddingMap(baseSeed uint64) *embeddingMap {
	m := &embeddingMap{shards: make([]*mapShard, shardCount)}
	for i := range m.shards {
		seed := baseSeed ^ (uint64(i)*2 + 1)
		m.shards[i] = &mapShard{
			entries: xsync.NewMap[*hostcache.Item, *entry](),
			rng:     rand.New(rand.NewPCG(seed, seed+1)),
			idx:     i,
		}
	}
	return m
}

func (m *embeddingMap) shardFor(hv uint32) *mapShard {
	return m.shards[hv&uint32(shardCount-1)]
}

func init() {
	// shardCount must stay a power of two for the mask in shardFor to work;
	// this guards against an accidental future edit breaking that.
	if bits.OnesCount(uint(shardCount)) != 1 {
		panic("ebee: shardCount must be a power of two")
	}
}

// lookup returns the entry for it, or (nil, false) if untracked. Safe to
// call without s.mu (entries is a lock-free map), but callers that need a
// consistent read of ent.vec alongside the lookup should still hold s.mu.
func (s *mapShard) lookup(it *hostcache.Item) (*entry, bool) {
	return s.entries.Load(it)
}

// insert returns the existing entry for it if present; otherwise it
// allocates one with a freshly randomized vector and links it. Caller must
// hold s.mu. Callers must not re-initialize the vector when wasNew is false.
func (s *mapShard) insert(it *hostcache.Item) (e *entry, wasNew bool) {
	if e, ok := s.entries.Load(it); ok {
		return e, false
	}
	e = &entry{vec: randomEmbedding(s.rng)}
	s.entries.Store(it, e)
	return e, true
}

// remove unlinks it's entry. Caller must hold s.mu. Removing an item not
// present is a silent no-op, since the host may unlink items this engine
// never tracked.
func (s *mapShard) remove(it *hostcache.Item) {
	s.entries.Delete(it)
}
