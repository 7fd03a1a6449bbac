package queue

import (
	"container/heap"
	"sync"
)

// LessFunc reports whether a must be dequeued before b
type LessFunc[T any] func(a, b T) bool

type orderedHeap[T any] struct {
	items []T
	less  LessFunc[T]
}

func (h *orderedHeap[T]) Len() int           { return len(h.items) }
func (h *orderedHeap[T]) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *orderedHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *orderedHeap[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *orderedHeap[T]) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	var zero T
	h.items[n-1] = zero // avoid memory leak
	h.items = h.items[:n-1]
	return item
}

// PriorityQueue is a thread-safe heap ordered by a caller supplied LessFunc.
// Elements that compare equal are dequeued in no particular order, so callers that
// need FIFO within a priority must encode a tiebreak in less.
type PriorityQueue[T any] struct {
	heap *orderedHeap[T]
	mu   sync.Mutex
}

func NewPriorityQueue[T any](less LessFunc[T]) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: &orderedHeap[T]{less: less},
	}
	heap.Init(pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(values ...T) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, v := range values {
		heap.Push(pq.heap, v)
	}
}

// Dequeue removes and returns the first element
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(pq.heap).(T), true
}

// DequeueN removes up to n elements in order. n <= 0 drains the queue.
func (pq *PriorityQueue[T]) DequeueN(n int) []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if n <= 0 || n > pq.heap.Len() {
		n = pq.heap.Len()
	}
	out := make([]T, 0, n)
	for len(out) < n {
		out = append(out, heap.Pop(pq.heap).(T))
	}
	return out
}

func (pq *PriorityQueue[T]) DequeueAll() []T {
	return pq.DequeueN(0)
}
