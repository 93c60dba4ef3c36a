package hostcache

// smallQueueRatio is the small queue's share of shard capacity, in per-mille.
const smallQueueRatio = 247

// maxFreq caps the per-entry access counter.
const maxFreq = 7

// deathRowSize is the number of pending evictions held for resurrection.
const deathRowSize = 8

// evictList is an intrusive doubly-linked list of Items, threaded through
// Item.evictPrev/evictNext. Zero value is valid.
type evictList struct {
	head, tail *Item
	len        int
}

func (l *evictList) pushBack(it *Item) {
	it.evictPrev = l.tail
	it.evictNext = nil
	if l.tail != nil {
		l.tail.evictNext = it
	} else {
		l.head = it
	}
	l.tail = it
	l.len++
	it.evictTracked = true
}

func (l *evictList) remove(it *Item) {
	if it.evictPrev != nil {
		it.evictPrev.evictNext = it.evictNext
	} else {
		l.head = it.evictNext
	}
	if it.evictNext != nil {
		it.evictNext.evictPrev = it.evictPrev
	} else {
		l.tail = it.evictPrev
	}
	it.evictPrev, it.evictNext = nil, nil
	l.len--
	it.evictTracked = false
}

// defaultEvictor is a simplified S3-FIFO: each shard keeps small and main
// FIFO queues plus a death row for resurrecting recently-evicted entries
// that get accessed again before being fully reclaimed. It deliberately
// omits a ghost-queue admission filter — just the two-queue core plus
// death-row resurrection.
type defaultEvictor struct {
	cache    *Cache
	deathRow [][deathRowSize]*Item
	deathPos []int
}

func newDefaultEvictor(c *Cache) *defaultEvictor {
	n := len(c.shards)
	return &defaultEvictor{
		cache:    c,
		deathRow: make([][deathRowSize]*Item, n),
		deathPos: make([]int, n),
	}
}

// OnAccess bumps the access frequency of an item already queued, resurrects
// an item waiting on death row into the main queue, and admits an item seen
// for the first time to the small queue.
func (d *defaultEvictor) OnAccess(it *Item) {
	s := d.cache.shardFor(it.hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.onDeathRow {
		// Accessed again before its death-row slot was reclaimed: clear the
		// slot and move the item back into the main queue.
		row := &d.deathRow[d.cache.shardIndexFor(it.hash)]
		for j, x := range row {
			if x == it {
				row[j] = nil
			}
		}
		it.onDeathRow = false
		it.inSmall = false
		s.main.pushBack(it)
		return
	}
	if it.evictTracked {
		d.bump(it)
		return
	}
	// First time this shard's evictor has seen the item: Cache.Set calls
	// OnAccess for every newly inserted item.
	it.inSmall = true
	s.small.pushBack(it)
}

func (*defaultEvictor) bump(it *Item) {
	if it.freq.Load() < maxFreq {
		if nf := it.freq.Add(1); nf > it.peakFreq.Load() {
			it.peakFreq.Store(nf)
		}
	}
}

// FindAndEvict runs S3-FIFO eviction against each shard in index order until
// one yields a victim, and unlinks that victim through Cache.Unlink so that
// OnRemove always fires via the normal unlink path.
func (d *defaultEvictor) FindAndEvict(c *Cache) bool {
	for i, s := range c.shards {
		s.mu.Lock()
		victim := d.pickVictimLocked(i, s)
		s.mu.Unlock()
		if victim != nil {
			c.Unlink(victim)
			return true
		}
	}
	return false
}

func (d *defaultEvictor) pickVictimLocked(shardIdx int, s *shard) *Item {
	if s.main.len > 0 && s.small.len <= s.smallThresh {
		return d.evictFromMainLocked(shardIdx, s)
	}
	if s.small.len > 0 {
		return d.evictFromSmallLocked(shardIdx, s)
	}
	if s.main.len > 0 {
		return d.evictFromMainLocked(shardIdx, s)
	}
	return nil
}

// evictFromSmallLocked evicts a cold entry (freq<2) or promotes a warm one
// to main, recursing into main if that overflows it.
func (d *defaultEvictor) evictFromSmallLocked(shardIdx int, s *shard) *Item {
	mcap := (s.capacity * 9) / 10

	for s.small.len > 0 {
		it := s.small.head
		f := it.freq.Load()

		if f < 2 {
			s.small.remove(it)
			return d.sendToDeathRowLocked(shardIdx, it)
		}

		s.small.remove(it)
		it.freq.Store(0)
		it.inSmall = false
		s.main.pushBack(it)

		if s.main.len > mcap {
			if victim := d.evictFromMainLocked(shardIdx, s); victim != nil {
				return victim
			}
		}
	}
	return nil
}

// evictFromMainLocked evicts a cold entry (freq==0) or gives a warm one a
// second chance, demoting once-hot entries back to small rather than
// dropping them outright.
func (d *defaultEvictor) evictFromMainLocked(shardIdx int, s *shard) *Item {
	for s.main.len > 0 {
		it := s.main.head
		f := it.freq.Load()

		if f == 0 {
			s.main.remove(it)
			if it.peakFreq.Load() >= 4 {
				it.freq.Store(1)
				it.inSmall = true
				s.small.pushBack(it)
				return nil
			}
			return d.sendToDeathRowLocked(shardIdx, it)
		}

		s.main.remove(it)
		it.freq.Store(f - 1)
		s.main.pushBack(it)
	}
	return nil
}

// sendToDeathRowLocked parks it for possible resurrection and, if death row
// is full, returns the entry it displaces as the actual victim to unlink.
func (d *defaultEvictor) sendToDeathRowLocked(shardIdx int, it *Item) *Item {
	pos := d.deathPos[shardIdx]
	old := d.deathRow[shardIdx][pos]

	it.onDeathRow = true
	d.deathRow[shardIdx][pos] = it
	d.deathPos[shardIdx] = (pos + 1) % deathRowSize

	if old != nil {
		old.onDeathRow = false
		return old
	}
	return nil
}

// OnRemove clears any evictor-owned state an item was carrying. Called
// unconditionally by Cache.Unlink, including for items the evictor never
// saw queue state for.
func (d *defaultEvictor) OnRemove(it *Item, hv uint32) {
	shardIdx := d.cache.shardIndexFor(hv)
	s := d.cache.shards[shardIdx]
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.onDeathRow {
		// An item's death-row slot, if any, always lives in its own shard's
		// row: sendToDeathRowLocked only ever writes into
		// d.deathRow[shardIdx] for the shard whose lock it holds. Scanning
		// only that row (rather than every shard's) keeps this call from
		// touching another shard's death row without that shard's lock held.
		for j, x := range d.deathRow[shardIdx] {
			if x == it {
				d.deathRow[shardIdx][j] = nil
			}
		}
		it.onDeathRow = false
		return
	}
	if !it.evictTracked {
		return
	}
	if it.inSmall {
		s.small.remove(it)
	} else {
		s.main.remove(it)
	}
}
