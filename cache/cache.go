/*
Package cache serves decoded chunks read back from the chunked store.  It
bounds total decoded bytes with strict LRU eviction (pinned entries exempt),
shares one underlying fetch among concurrent requests for the same key,
limits concurrent fetches with FIFO admission, and lets each caller cancel
independently without disturbing co-waiters.
*/
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/voxelio/voxstream/vox"
	"github.com/voxelio/voxstream/zarr"
)

// Fetcher retrieves and decodes one chunk from backing storage.
type Fetcher interface {
	FetchChunk(ctx context.Context, level int, coord zarr.ChunkCoord) ([]byte, error)
}

// Key identifies one chunk: the volume level plus its grid coordinate.
type Key struct {
	Level int
	Coord zarr.ChunkCoord
}

func (k Key) String() string {
	return fmt.Sprintf("level %d chunk %s", k.Level, k.Coord)
}

// Stats is a snapshot of cache counters.  Fetches counts underlying store
// reads, so Fetches < Misses whenever requests were deduplicated.
type Stats struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	Fetches      int64
	CurrentBytes int64
}

// Chunk is a pinned view of one cached chunk.  Release must be called once
// the caller is done reading; until then the entry is exempt from eviction.
type Chunk struct {
	Data []byte

	cache *Cache
	ent   *entry
	once  sync.Once
}

// Release ends this reader's pin on the cached entry.
func (c *Chunk) Release() {
	c.once.Do(func() {
		c.cache.release(c.ent)
	})
}

type entry struct {
	key     Key
	data    []byte
	elem    *list.Element
	readers int
}

type outcome struct {
	ent *entry
	err error
}

type waiter struct {
	ctx       context.Context
	ch        chan outcome
	cancelled bool
	delivered bool
}

// inflight is one shared pending fetch and the callers waiting on it.
type inflight struct {
	key     Key
	waiters []*waiter
	started bool
}

// Cache is the read-through chunk cache.
type Cache struct {
	fetcher       Fetcher
	maxBytes      int64
	maxConcurrent int

	mu       sync.Mutex
	entries  map[Key]*entry
	lru      *list.List // front is most recently used; holds *entry
	inflight map[Key]*inflight
	queue    []*inflight // FIFO, fetch not yet started
	active   int
	stats    Stats
}

// New returns a cache over the given fetcher, bounding decoded bytes by
// maxBytes and concurrent fetches by maxConcurrent.
func New(fetcher Fetcher, maxBytes int64, maxConcurrent int) *Cache {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Cache{
		fetcher:       fetcher,
		maxBytes:      maxBytes,
		maxConcurrent: maxConcurrent,
		entries:       make(map[Key]*entry),
		lru:           list.New(),
		inflight:      make(map[Key]*inflight),
	}
}

// ReadChunk returns the decoded chunk for a key, fetching it at most once no
// matter how many callers ask concurrently.  ctx cancels only this caller's
// wait: a queued request that loses its last waiter is dropped without ever
// consuming a fetch slot, while a started fetch always completes and caches
// its result for other readers.
func (c *Cache) ReadChunk(ctx context.Context, level int, coord zarr.ChunkCoord) (*Chunk, error) {
	key := Key{level, coord}

	c.mu.Lock()
	if ent, found := c.entries[key]; found {
		c.lru.MoveToFront(ent.elem)
		ent.readers++
		c.stats.Hits++
		c.mu.Unlock()
		return &Chunk{Data: ent.data, cache: c, ent: ent}, nil
	}
	c.stats.Misses++

	w := &waiter{ctx: ctx, ch: make(chan outcome, 1)}
	req, pending := c.inflight[key]
	if pending {
		req.waiters = append(req.waiters, w)
	} else {
		req = &inflight{key: key, waiters: []*waiter{w}}
		c.inflight[key] = req
		if c.active < c.maxConcurrent {
			c.start(req)
		} else {
			c.queue = append(c.queue, req)
		}
	}
	c.mu.Unlock()

	select {
	case out := <-w.ch:
		if out.err != nil {
			return nil, out.err
		}
		return &Chunk{Data: out.ent.data, cache: c, ent: out.ent}, nil
	case <-ctx.Done():
		return nil, c.cancelWaiter(req, w, ctx.Err())
	}
}

// start marks a request running and launches its fetch.  Caller holds c.mu.
func (c *Cache) start(req *inflight) {
	req.started = true
	c.active++
	c.stats.Fetches++
	go c.run(req)
}

// run performs the single fetch shared by all of a request's waiters.  The
// fetch is detached from any one caller's context since cancellation after
// start suppresses only that caller's delivery.
func (c *Cache) run(req *inflight) {
	data, err := c.fetcher.FetchChunk(context.Background(), req.key.Level, req.key.Coord)

	c.mu.Lock()
	delete(c.inflight, req.key)
	if err != nil {
		// failures reach only this key's waiters
		for _, w := range req.waiters {
			if w.cancelled {
				continue
			}
			w.delivered = true
			w.ch <- outcome{err: err}
		}
	} else {
		ent := &entry{key: req.key, data: data}
		ent.elem = c.lru.PushFront(ent)
		c.entries[req.key] = ent
		c.stats.CurrentBytes += int64(len(data))
		for _, w := range req.waiters {
			if w.cancelled {
				continue
			}
			ent.readers++
			w.delivered = true
			w.ch <- outcome{ent: ent}
		}
		c.evictLocked()
	}
	c.active--
	c.admitLocked()
	c.mu.Unlock()
}

// admitLocked starts queued requests while fetch slots are free, skipping
// requests that lost all their waiters while queued.
func (c *Cache) admitLocked() {
	for c.active < c.maxConcurrent && len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		if len(req.waiters) == 0 {
			continue
		}
		c.start(req)
	}
}

// cancelWaiter settles one caller as cancelled.  If its fetch result raced in
// just before cancellation, the pinned entry is released here instead.
func (c *Cache) cancelWaiter(req *inflight, w *waiter, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.delivered {
		out := <-w.ch
		if out.ent != nil {
			out.ent.readers--
			c.evictLocked()
		}
		return cause
	}
	w.cancelled = true
	for i, other := range req.waiters {
		if other == w {
			req.waiters = append(req.waiters[:i], req.waiters[i+1:]...)
			break
		}
	}
	if !req.started && len(req.waiters) == 0 {
		for i, queued := range c.queue {
			if queued == req {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		delete(c.inflight, req.key)
	}
	return cause
}

// release ends one reader's pin.
func (c *Cache) release(ent *entry) {
	c.mu.Lock()
	ent.readers--
	if ent.readers < 0 {
		vox.Criticalf("cache entry %s released more times than read\n", ent.key)
		ent.readers = 0
	}
	c.evictLocked()
	c.mu.Unlock()
}

// evictLocked removes least-recently-used entries until total decoded bytes
// fit the budget.  Entries with active readers are never evicted, even when
// they are the oldest.  Caller holds c.mu.
func (c *Cache) evictLocked() {
	if c.stats.CurrentBytes <= c.maxBytes {
		return
	}
	for elem := c.lru.Back(); elem != nil && c.stats.CurrentBytes > c.maxBytes; {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if ent.readers == 0 {
			c.removeLocked(ent)
		}
		elem = prev
	}
}

func (c *Cache) removeLocked(ent *entry) {
	c.lru.Remove(ent.elem)
	delete(c.entries, ent.key)
	c.stats.CurrentBytes -= int64(len(ent.data))
	c.stats.Evictions++
}

// Invalidate drops every unpinned entry of one level.  The owner calls this
// when a volume is discarded; entries still pinned by readers survive until
// released and then age out by LRU.
func (c *Cache) Invalidate(level int) {
	c.mu.Lock()
	for _, ent := range c.entries {
		if ent.key.Level == level && ent.readers == 0 {
			c.removeLocked(ent)
		}
	}
	c.mu.Unlock()
}

// InvalidateAll drops every unpinned entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for _, ent := range c.entries {
		if ent.readers == 0 {
			c.removeLocked(ent)
		}
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
