package queue

// sliceQueue implements the Queue interface using a slice.
type sliceQueue[T any] struct {
	items []T
	head  int
}

// NewSliceQueue creates a new slice backed Queue with prealloc capacity.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

func (q *sliceQueue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

func (q *sliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero // release reference
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head >= 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

func (q *sliceQueue[T]) Peek() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}

	return q.items[q.head], true
}

// Reset resets the queue to an empty state, reusing the backing array.
func (q *sliceQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
}

func (q *sliceQueue[T]) IsEmpty() bool {
	return q.head >= len(q.items)
}

func (q *sliceQueue[T]) Length() int {
	return len(q.items) - q.head
}
