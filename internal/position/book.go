// Package position implements the order-lifecycle state machine: one Position
// per logical trading intent, driven through open, partial-fill, close and
// cancel transitions by asynchronous order-status callbacks.
package position

import "sync"

// Book is the arena owning every live position of one strategy. Positions are
// addressed by stable integer handles; the opposite-position relation is a
// handle lookup, so releasing either side never leaves a dangling pointer
// cycle.
type Book struct {
	mu        sync.RWMutex
	nextID    int64
	positions map[int64]*Position
}

func NewBook() *Book {
	return &Book{positions: make(map[int64]*Position)}
}

func (b *Book) add(p *Position) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.positions[b.nextID] = p
	return b.nextID
}

// Get resolves a handle. A released or never-issued handle returns false.
func (b *Book) Get(handle int64) (*Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[handle]
	return p, ok
}

// Release drops the book's reference. The position stays usable through any
// handles already resolved, it just can no longer be looked up.
func (b *Book) Release(handle int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, handle)
}

// All snapshots the live positions, in no particular order.
func (b *Book) All() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
