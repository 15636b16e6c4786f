package cache

import (
	"container/list"
	"sync"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

const (
	// DefaultCapacity is the memory capacity of a cache built with New(0, 0).
	DefaultCapacity int64 = 256 << 20
	// DefaultThreshold is the fraction of the capacity kept after eviction.
	DefaultThreshold = 0.75
)

// Key addresses one tile of one image.
type Key struct {
	ImageID string
	TileX   int
	TileY   int
}

// Event describes a single cache operation for tracing.
type Event struct {
	Op    string
	Key   Key
	Hit   bool
	Size  int64
	Used  int64
	Tiles int
}

// Tracer receives cache events. It is called without the cache lock held.
type Tracer func(Event)

// Stats is a snapshot of the cache diagnostics.
type Stats struct {
	Tiles          int
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	MemoryUsed     int64
	MemoryCapacity int64
	Threshold      float64
}

type entry struct {
	key  Key
	buf  *tile.Buffer
	size int64
}

// Cache is a size bounded tile store shared by pipeline nodes. Entries are
// evicted least recently used first once the tracked memory exceeds
// capacity*threshold. Cache is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	lru       *list.List
	entries   map[Key]*list.Element
	images    map[string]map[Key]struct{}
	capacity  int64
	threshold float64
	used      int64

	hits      uint64
	misses    uint64
	evictions uint64

	tracer Tracer
}

// New creates a cache. A zero capacity or threshold selects the defaults; use
// SetMemoryCapacity(0) for a pass-through cache.
func New(capacity int64, threshold float64) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Cache{
		lru:       list.New(),
		entries:   make(map[Key]*list.Element),
		images:    make(map[string]map[Key]struct{}),
		capacity:  capacity,
		threshold: threshold,
	}
}

// SetTracer installs a tracer, nil disables tracing.
func (c *Cache) SetTracer(t Tracer) {
	c.mu.Lock()
	c.tracer = t
	c.mu.Unlock()
}

// Get returns the tile stored under (imageID, tx, ty).
func (c *Cache) Get(imageID string, tx, ty int) (*tile.Buffer, bool) {
	k := Key{ImageID: imageID, TileX: tx, TileY: ty}

	c.mu.Lock()
	el, ok := c.entries[k]
	var buf *tile.Buffer
	if ok {
		c.lru.MoveToFront(el)
		buf = el.Value.(*entry).buf
		c.hits++
	} else {
		c.misses++
	}
	ev, tr := c.event("get", k, 0), c.tracer
	c.mu.Unlock()

	if tr != nil {
		ev.Hit = ok
		tr(ev)
	}
	return buf, ok
}

// Put inserts or replaces a tile and evicts entries if the cache is over its
// threshold. The inserted tile itself may be evicted.
func (c *Cache) Put(imageID string, tx, ty int, buf *tile.Buffer) {
	k := Key{ImageID: imageID, TileX: tx, TileY: ty}
	size := buf.ByteSize()

	c.mu.Lock()
	if el, ok := c.entries[k]; ok {
		e := el.Value.(*entry)
		c.used += size - e.size
		e.buf, e.size = buf, size
		c.lru.MoveToFront(el)
	} else {
		c.entries[k] = c.lru.PushFront(&entry{key: k, buf: buf, size: size})
		keys := c.images[imageID]
		if keys == nil {
			keys = make(map[Key]struct{})
			c.images[imageID] = keys
		}
		keys[k] = struct{}{}
		c.used += size
	}
	events := []Event{c.event("put", k, size)}
	events = append(events, c.memoryControl()...)
	tr := c.tracer
	c.mu.Unlock()

	c.trace(tr, events)
}

// Remove drops a single tile.
func (c *Cache) Remove(imageID string, tx, ty int) {
	k := Key{ImageID: imageID, TileX: tx, TileY: ty}

	c.mu.Lock()
	var size int64
	if el, ok := c.entries[k]; ok {
		size = c.removeElement(el)
	}
	ev, tr := c.event("remove", k, size), c.tracer
	c.mu.Unlock()

	c.trace(tr, []Event{ev})
}

// RemoveAll drops every tile of an image. Callers use it when the data behind
// an image changed.
func (c *Cache) RemoveAll(imageID string) {
	c.mu.Lock()
	var size int64
	for k := range c.images[imageID] {
		size += c.removeElement(c.entries[k])
	}
	ev, tr := c.event("remove-all", Key{ImageID: imageID, TileX: -1, TileY: -1}, size), c.tracer
	c.mu.Unlock()

	c.trace(tr, []Event{ev})
}

// Flush drops every tile.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.lru.Init()
	c.entries = make(map[Key]*list.Element)
	c.images = make(map[string]map[Key]struct{})
	c.used = 0
	ev, tr := c.event("flush", Key{TileX: -1, TileY: -1}, 0), c.tracer
	c.mu.Unlock()

	c.trace(tr, []Event{ev})
}

// SetMemoryCapacity changes the capacity in bytes and evicts as needed.
// A capacity below the size of one tile turns the cache into a pass-through.
func (c *Cache) SetMemoryCapacity(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	c.mu.Lock()
	c.capacity = bytes
	events := c.memoryControl()
	tr := c.tracer
	c.mu.Unlock()

	c.trace(tr, events)
}

// MemoryCapacity returns the capacity in bytes.
func (c *Cache) MemoryCapacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// SetMemoryThreshold sets the fraction of the capacity that may be used
// before eviction starts. Values are clamped to [0,1].
func (c *Cache) SetMemoryThreshold(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	c.mu.Lock()
	c.threshold = fraction
	events := c.memoryControl()
	tr := c.tracer
	c.mu.Unlock()

	c.trace(tr, events)
}

// MemoryThreshold returns the eviction threshold.
func (c *Cache) MemoryThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Stats returns the current diagnostics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Tiles:          len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		MemoryUsed:     c.used,
		MemoryCapacity: c.capacity,
		Threshold:      c.threshold,
	}
}

// memoryControl evicts from the back of the LRU list until the used memory
// is at or below the threshold. Must be called with c.mu held.
func (c *Cache) memoryControl() []Event {
	limit := int64(float64(c.capacity) * c.threshold)
	var events []Event
	for c.used > limit {
		el := c.lru.Back()
		if el == nil {
			break
		}
		k := el.Value.(*entry).key
		size := c.removeElement(el)
		c.evictions++
		if c.tracer != nil {
			events = append(events, c.event("evict", k, size))
		}
	}
	return events
}

func (c *Cache) removeElement(el *list.Element) int64 {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	if keys := c.images[e.key.ImageID]; keys != nil {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.images, e.key.ImageID)
		}
	}
	c.used -= e.size
	return e.size
}

func (c *Cache) event(op string, k Key, size int64) Event {
	return Event{Op: op, Key: k, Size: size, Used: c.used, Tiles: len(c.entries)}
}

func (c *Cache) trace(tr Tracer, events []Event) {
	if tr == nil {
		return
	}
	for _, ev := range events {
		tr(ev)
	}
}
