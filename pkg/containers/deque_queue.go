package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// DequeQueue is a thread-safe FIFO queue backed by a chunked deque.
// C receives a signal whenever an element is added, so that a consumer
// can wait for new elements with a select.
type DequeQueue[T any] struct {
	mu    sync.Mutex
	deque deque.Deque

	C chan struct{}
}

// NewDequeQueue creates a new DequeQueue.
func NewDequeQueue[T any]() *DequeQueue[T] {
	return &DequeQueue[T]{
		deque: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Add appends an element and signals C.
func (q *DequeQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.deque.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the first element. It returns false if the queue is empty.
func (q *DequeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var zero T
		return zero, false
	}
	return q.deque.PopFront().(T), true
}

// Peek returns the first element without removing it.
func (q *DequeQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var zero T
		return zero, false
	}
	return q.deque.Front().(T), true
}

// Size returns the number of queued elements.
func (q *DequeQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.deque.Len()
}
