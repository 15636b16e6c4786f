package cache

import (
	"container/list"
	"sync"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Front is a small LRU of recently read tiles kept by one consumer in front
// of the shared Cache, so sequential walks over neighbouring pixels do not go
// back to the shared store for every read.
type Front struct {
	mu      sync.Mutex
	size    int
	lru     *list.List
	entries map[Key]*list.Element
}

type frontEntry struct {
	key Key
	buf *tile.Buffer
}

// NewFront creates a front cache holding at most size tiles (minimum 1).
func NewFront(size int) *Front {
	if size < 1 {
		size = 1
	}
	return &Front{
		size:    size,
		lru:     list.New(),
		entries: make(map[Key]*list.Element, size),
	}
}

// Get returns a tile previously stored with Put.
func (f *Front) Get(k Key) (*tile.Buffer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, ok := f.entries[k]
	if !ok {
		return nil, false
	}
	f.lru.MoveToFront(el)
	return el.Value.(*frontEntry).buf, true
}

// Put stores a tile, dropping the least recently used one when full.
func (f *Front) Put(k Key, buf *tile.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.entries[k]; ok {
		el.Value.(*frontEntry).buf = buf
		f.lru.MoveToFront(el)
		return
	}
	f.entries[k] = f.lru.PushFront(&frontEntry{key: k, buf: buf})
	for f.lru.Len() > f.size {
		el := f.lru.Back()
		f.lru.Remove(el)
		delete(f.entries, el.Value.(*frontEntry).key)
	}
}

// Clear forgets every tile, e.g. after the shared cache was invalidated.
func (f *Front) Clear() {
	f.mu.Lock()
	f.lru.Init()
	f.entries = make(map[Key]*list.Element, f.size)
	f.mu.Unlock()
}

// Len returns the number of tiles held.
func (f *Front) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lru.Len()
}
