// Package cache memoizes query results per snapshot.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/singleflight"
)

// Options configures a ResultCache.
type Options struct {
	// MaxEntries bounds the total number of entries across shards
	MaxEntries int
	// Shards is the number of independently locked LRU shards
	Shards int
	// TTL expires entries; zero keeps them until evicted or purged
	TTL time.Duration
	// ComputeTimeout bounds a shared computation started by GetOrCompute
	ComputeTimeout time.Duration
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// ResultCache is a sharded LRU keyed by snapshot timestamp and query key.
// An entry is only served for an exact match of both; concurrent misses on
// the same key share a single computation.
type ResultCache[V any] struct {
	shards         []*shard[V]
	ttl            time.Duration
	computeTimeout time.Duration
	now            func() time.Time

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type entry[V any] struct {
	key       string
	snapshot  string
	value     V
	expiresAt time.Time
}

// New creates a result cache.
func New[V any](opts Options) *ResultCache[V] {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	if opts.Shards > opts.MaxEntries {
		opts.Shards = opts.MaxEntries
	}
	perShard := (opts.MaxEntries + opts.Shards - 1) / opts.Shards

	c := &ResultCache[V]{
		shards:         make([]*shard[V], opts.Shards),
		ttl:            opts.TTL,
		computeTimeout: opts.ComputeTimeout,
		now:            time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			capacity: perShard,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

// fullKey joins snapshot and query key; the separator cannot appear in a
// snapshot timestamp taken from a file name.
func fullKey(snapshot, key string) string {
	return snapshot + "/" + key
}

func (c *ResultCache[V]) shardFor(full string) *shard[V] {
	return c.shards[murmur3.Sum32([]byte(full))%uint32(len(c.shards))]
}

// Get returns the cached value for key under snapshot.
func (c *ResultCache[V]) Get(snapshot, key string) (V, bool) {
	full := fullKey(snapshot, key)
	s := c.shardFor(full)

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[full]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		s.order.Remove(elem)
		delete(s.items, full)
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	s.order.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Put stores value for key under snapshot, evicting the least recently
// used entries of the shard when it is full.
func (c *ResultCache[V]) Put(snapshot, key string, value V) {
	full := fullKey(snapshot, key)
	s := c.shardFor(full)

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[full]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}

	s.items[full] = s.order.PushFront(&entry[V]{
		key:       full,
		snapshot:  snapshot,
		value:     value,
		expiresAt: expiresAt,
	})

	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*entry[V]).key)
		c.evictions.Add(1)
	}
}

// GetOrCompute returns the cached value or computes it once for all
// concurrent callers of the same key. A caller whose ctx ends stops
// waiting; the computation continues for the others. Errors are returned
// to every waiter and never cached. cached reports a cache hit.
func (c *ResultCache[V]) GetOrCompute(ctx context.Context, snapshot, key string, fn func(context.Context) (V, error)) (value V, cached bool, err error) {
	if v, ok := c.Get(snapshot, key); ok {
		return v, true, nil
	}

	full := fullKey(snapshot, key)
	ch := c.group.DoChan(full, func() (interface{}, error) {
		computeCtx := context.WithoutCancel(ctx)
		if c.computeTimeout > 0 {
			var cancel context.CancelFunc
			computeCtx, cancel = context.WithTimeout(computeCtx, c.computeTimeout)
			defer cancel()
		}

		v, err := fn(computeCtx)
		if err != nil {
			return nil, err
		}
		c.Put(snapshot, key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, false, res.Err
		}
		v, _ := res.Val.(V)
		return v, false, nil
	}
}

// PurgeSnapshotsBefore drops every entry whose snapshot timestamp sorts
// before ts. It returns the number of entries removed.
func (c *ResultCache[V]) PurgeSnapshotsBefore(ts string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for elem := s.order.Front(); elem != nil; {
			next := elem.Next()
			e := elem.Value.(*entry[V])
			if e.snapshot < ts {
				s.order.Remove(elem)
				delete(s.items, e.key)
				removed++
			}
			elem = next
		}
		s.mu.Unlock()
	}
	return removed
}

// Clear removes every entry.
func (c *ResultCache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of entries across shards.
func (c *ResultCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats returns the cache counters.
func (c *ResultCache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}
