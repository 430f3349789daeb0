package executor

import (
	"container/list"
	"os"
	"sync"
)

// MaterializedCache tracks materialized snapshot directories by snapshot id
// and removes least-recently-used ones once their total size exceeds the
// budget. Pinned entries belong to open engine handles and are never
// removed; retired entries are removed as soon as they are unpinned.
type MaterializedCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64

	items map[string]*list.Element
	order *list.List // front = most recently used
}

type materializedEntry struct {
	id        string
	files     *Materialized
	sizeBytes int64
	pins      int
	retired   bool
}

// NewMaterializedCache creates a cache bounded by maxBytes (default 4GB).
func NewMaterializedCache(maxBytes int64) *MaterializedCache {
	if maxBytes <= 0 {
		maxBytes = 4 << 30
	}
	return &MaterializedCache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Acquire returns the materialized files of id, pinned, if they are still
// on disk. Every successful Acquire must be paired with Unpin.
func (c *MaterializedCache) Acquire(id string) (*Materialized, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*materializedEntry)
	for _, p := range entry.files.Paths() {
		if _, err := os.Stat(p); err != nil {
			if entry.pins == 0 {
				c.removeLocked(elem)
			}
			return nil, false
		}
	}

	entry.pins++
	entry.retired = false
	c.order.MoveToFront(elem)
	return entry.files, true
}

// Add records materialized files pinned once, evicting unpinned entries
// over budget.
func (c *MaterializedCache) Add(id string, files *Materialized, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		entry := elem.Value.(*materializedEntry)
		c.curBytes += sizeBytes - entry.sizeBytes
		entry.files = files
		entry.sizeBytes = sizeBytes
		entry.pins++
		entry.retired = false
		c.order.MoveToFront(elem)
	} else {
		c.items[id] = c.order.PushFront(&materializedEntry{id: id, files: files, sizeBytes: sizeBytes, pins: 1})
		c.curBytes += sizeBytes
	}

	c.evictLocked()
}

// Put records materialized files without pinning them. The entry joins as
// most recently used and is not evicted by its own insertion.
func (c *MaterializedCache) Put(id string, files *Materialized, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if ok {
		entry := elem.Value.(*materializedEntry)
		c.curBytes += sizeBytes - entry.sizeBytes
		entry.files = files
		entry.sizeBytes = sizeBytes
		c.order.MoveToFront(elem)
	} else {
		elem = c.order.PushFront(&materializedEntry{id: id, files: files, sizeBytes: sizeBytes})
		c.items[id] = elem
		c.curBytes += sizeBytes
	}

	c.evictExceptLocked(elem)
}

// Unpin releases one Acquire or Add.
func (c *MaterializedCache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return
	}
	entry := elem.Value.(*materializedEntry)
	if entry.pins > 0 {
		entry.pins--
	}
	if entry.pins == 0 && entry.retired {
		c.removeLocked(elem)
		return
	}
	c.evictLocked()
}

// Retire removes id now, or on its last Unpin.
func (c *MaterializedCache) Retire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return
	}
	entry := elem.Value.(*materializedEntry)
	if entry.pins == 0 {
		c.removeLocked(elem)
		return
	}
	entry.retired = true
}

// evictLocked removes unpinned entries from the back until under budget.
func (c *MaterializedCache) evictLocked() {
	c.evictExceptLocked(nil)
}

func (c *MaterializedCache) evictExceptLocked(keep *list.Element) {
	for elem := c.order.Back(); elem != nil && c.curBytes > c.maxBytes; {
		prev := elem.Prev()
		if elem != keep && elem.Value.(*materializedEntry).pins == 0 {
			c.removeLocked(elem)
		}
		elem = prev
	}
}

func (c *MaterializedCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*materializedEntry)
	c.order.Remove(elem)
	delete(c.items, entry.id)
	c.curBytes -= entry.sizeBytes

	if entry.files.Dir != "" {
		os.RemoveAll(entry.files.Dir)
	}
}

// Size returns the current total size in bytes.
func (c *MaterializedCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Len returns the number of entries.
func (c *MaterializedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes every unpinned entry.
func (c *MaterializedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*materializedEntry).pins == 0 {
			c.removeLocked(elem)
		}
		elem = prev
	}
}
