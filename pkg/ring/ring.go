// Package ring provides a fixed-capacity circular buffer that overwrites its oldest element when full.
package ring

// Ring is a fixed-capacity circular buffer. It is not safe for concurrent use.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// New returns a ring holding at most capacity elements. capacity < 1 is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full. It reports whether an element was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// PopFront removes and returns the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Snapshot copies the contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Tail(r.size)
}

// Tail copies the newest n elements, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
