// Package ring provides a fixed-capacity list that evicts its oldest entries.
package ring

// Buffer holds at most Cap() items. Items are kept in insertion order for
// PushBack (oldest first) and reverse insertion order for PushFront (newest
// first); in both cases the oldest item is the one evicted.
//
// Buffer is not safe for concurrent use; the session loop owns it.
type Buffer[T any] struct {
	items    []T
	capacity int
}

// New returns an empty Buffer. A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{capacity: capacity, items: make([]T, 0, capacity)}
}

// PushBack appends item at the tail and drops items from the head until the
// bound holds. Returns the number of evicted items.
func (b *Buffer[T]) PushBack(item T) int {
	b.items = append(b.items, item)
	over := len(b.items) - b.capacity
	if over <= 0 {
		return 0
	}
	var zero T
	for i := 0; i < over; i++ {
		b.items[i] = zero
	}
	b.items = append(b.items[:0], b.items[over:]...)
	return over
}

// PushFront inserts item at the head (newest first) and drops items from the
// tail until the bound holds. Returns the number of evicted items.
func (b *Buffer[T]) PushFront(item T) int {
	var zero T
	b.items = append(b.items, zero)
	copy(b.items[1:], b.items)
	b.items[0] = item
	over := len(b.items) - b.capacity
	if over <= 0 {
		return 0
	}
	for i := b.capacity; i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = b.items[:b.capacity]
	return over
}

// Update applies fn to the first item matching pred. Returns false when no
// item matched.
func (b *Buffer[T]) Update(pred func(T) bool, fn func(*T)) bool {
	for i := range b.items {
		if pred(b.items[i]) {
			fn(&b.items[i])
			return true
		}
	}
	return false
}

// RemoveFunc drops every item matching pred and returns how many were removed.
func (b *Buffer[T]) RemoveFunc(pred func(T) bool) int {
	kept := b.items[:0]
	removed := 0
	for _, it := range b.items {
		if pred(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = kept
	return removed
}

// Items returns a copy of the contents in buffer order.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer[T]) Len() int { return len(b.items) }

func (b *Buffer[T]) Cap() int { return b.capacity }

// Reset empties the buffer, keeping its capacity.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.items = b.items[:0]
}
