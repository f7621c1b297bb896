package engine

import "sync"

// queue is a thread-safe unbounded FIFO.
//
// All engine queues share one wake signal so the Run loop can wait on a
// single channel and then drain them in priority order. The signal has a
// buffer of one and coalesces wakeups.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any](signal chan struct{}) *queue[T] {
	return &queue[T]{signal: signal}
}

func (q *queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue adds items to the back of the queue.
func (q *queue[T]) Enqueue(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.wake()
}

// PushFront puts items back at the front, preserving their order.
func (q *queue[T]) PushFront(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
	q.mu.Unlock()
	q.wake()
}

// TryDequeue removes the front item without blocking.
func (q *queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// DrainAll removes and returns every item.
func (q *queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Len returns the current queue length.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every item.
func (q *queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
