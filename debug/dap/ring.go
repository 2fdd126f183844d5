package dap

import "sync"

// Ring keeps the last N items added to it.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

// NewRing returns a ring holding at most size items. size < 1 is treated as 1.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{items: make([]T, size)}
}

func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.next] = item
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]T, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.items)
	}
	return r.next
}
