// Package ring provides a fixed-capacity FIFO buffer that evicts its oldest
// entry on overflow.
package ring

// Buffer is a circular buffer of at most Cap entries. It is not safe for
// concurrent use; owners serialize access with their own lock so that
// mutation and whatever follows it (broadcast, persistence) stay atomic.
type Buffer[T any] struct {
	entries  []T
	head     int // index of the oldest entry once full
	capacity int
	total    int64
}

// New returns an empty buffer. capacity < 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{entries: make([]T, 0, capacity), capacity: capacity}
}

// Push appends v. When the buffer was full the oldest entry is overwritten
// and returned with evicted=true.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	b.total++
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, v)
		return old, false
	}
	old = b.entries[b.head]
	b.entries[b.head] = v
	b.head = (b.head + 1) % b.capacity
	return old, true
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int { return len(b.entries) }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return b.capacity }

// Total returns how many entries were ever pushed.
func (b *Buffer[T]) Total() int64 { return b.total }

// Items returns a copy of the entries, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.entries))
	n := copy(out, b.entries[b.head:])
	copy(out[n:], b.entries[:b.head])
	return out
}

// Find returns the first entry, oldest first, for which match is true.
func (b *Buffer[T]) Find(match func(T) bool) (T, bool) {
	for i := range b.entries {
		v := b.entries[(b.head+i)%len(b.entries)]
		if match(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// RemoveFunc drops every entry for which match is true, keeping the
// remaining order, and returns the removed entries oldest first.
func (b *Buffer[T]) RemoveFunc(match func(T) bool) []T {
	var removed []T
	kept := make([]T, 0, b.capacity)
	for _, v := range b.Items() {
		if match(v) {
			removed = append(removed, v)
			continue
		}
		kept = append(kept, v)
	}
	if len(removed) > 0 {
		b.entries = kept
		b.head = 0
	}
	return removed
}

// Reset empties the buffer.
func (b *Buffer[T]) Reset() {
	b.entries = b.entries[:0]
	b.head = 0
}
