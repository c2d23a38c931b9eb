// Package ring implements a fixed-capacity FIFO that overwrites its oldest
// element when full.
package ring

// Buffer is a drop-oldest FIFO. It is not safe for concurrent use; callers
// guard it with their own lock.
type Buffer[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

// New returns a buffer holding at most capacity elements. capacity < 1 is
// treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

func (b *Buffer[T]) Len() int { return b.n }
func (b *Buffer[T]) Cap() int { return len(b.buf) }

// Push appends v. When the buffer is full, the oldest element is evicted
// and returned with ok=true.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	if b.n == len(b.buf) {
		evicted = b.buf[b.head]
		b.buf[b.head] = v
		b.head = (b.head + 1) % len(b.buf)
		return evicted, true
	}
	b.buf[(b.head+b.n)%len(b.buf)] = v
	b.n++
	return evicted, false
}

// Pop removes and returns the oldest element.
func (b *Buffer[T]) Pop() (v T, ok bool) {
	if b.n == 0 {
		return v, false
	}
	var zero T
	v = b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.n--
	return v, true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.n)
	for i := range out {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}
