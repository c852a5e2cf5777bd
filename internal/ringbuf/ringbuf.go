// Package ringbuf provides a fixed-capacity, overwrite-oldest ring buffer.
// Every rolling window in the analytics core (indicator lookbacks, recent
// deltas, correlation price windows, checkpoint candle tails) lives in one of
// these instead of an ever-growing slice.
//
// A Window is not safe for concurrent use; each owner mutates it from a
// single goroutine.
package ringbuf

// Window is a ring buffer that overwrites the oldest element once full.
// Storage is rounded up to a power of two for bitwise modulo, but the logical
// capacity is exactly what was requested.
type Window[T any] struct {
	buf   []T
	mask  int
	limit int // logical capacity
	head  int // next write position (monotonic, masked on access)
	size  int
}

// New creates a window holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	n := nextPow2(capacity)
	return &Window[T]{
		buf:   make([]T, n),
		mask:  n - 1,
		limit: capacity,
	}
}

// Push appends v, evicting and returning the oldest element when full.
func (w *Window[T]) Push(v T) (evicted T, ok bool) {
	if w.size == w.limit {
		evicted = w.buf[(w.head-w.size)&w.mask]
		ok = true
	} else {
		w.size++
	}
	w.buf[w.head&w.mask] = v
	w.head++
	return evicted, ok
}

// Len returns the current number of elements.
func (w *Window[T]) Len() int { return w.size }

// Cap returns the logical capacity.
func (w *Window[T]) Cap() int { return w.limit }

// Full reports whether the next Push evicts.
func (w *Window[T]) Full() bool { return w.size == w.limit }

// At returns the i-th element, oldest first. It panics when i is out of range.
func (w *Window[T]) At(i int) T {
	if i < 0 || i >= w.size {
		panic("ringbuf: index out of range")
	}
	return w.buf[(w.head-w.size+i)&w.mask]
}

// Last returns the most recently pushed element.
func (w *Window[T]) Last() (T, bool) {
	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.buf[(w.head-1)&w.mask], true
}

// SetLast overwrites the most recently pushed element in place.
func (w *Window[T]) SetLast(v T) bool {
	if w.size == 0 {
		return false
	}
	w.buf[(w.head-1)&w.mask] = v
	return true
}

// Slice copies the contents into a new slice, oldest first.
func (w *Window[T]) Slice() []T {
	out := make([]T, w.size)
	for i := range out {
		out[i] = w.buf[(w.head-w.size+i)&w.mask]
	}
	return out
}

// Clone returns an independent copy.
func (w *Window[T]) Clone() *Window[T] {
	c := *w
	c.buf = make([]T, len(w.buf))
	copy(c.buf, w.buf)
	return &c
}

// Reset empties the window without releasing storage.
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.head = 0
	w.size = 0
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
