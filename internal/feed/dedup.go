package feed

import (
	"container/list"
	"sync"
)

// Dedup remembers the most recent signal ids up to a fixed capacity and
// evicts the oldest first. It is safe for concurrent use.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewDedup creates a Dedup holding at most capacity ids.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 500
	}
	return &Dedup{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// IsDuplicate reports whether id was seen recently and records it if not.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = d.order.PushBack(id)
	if d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
