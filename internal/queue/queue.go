package queue

import (
	"container/heap"
	"sync"
)

// entry wraps a queued value. seq breaks priority ties so that values with the
// same priority leave the queue in insertion order.
type entry[T any] struct {
	value    T
	priority int
	seq      uint64
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(*entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a thread-safe, stable min-priority queue.
// Lower priority values are dequeued first.
type PriorityQueue[T any] struct {
	mu   sync.Mutex
	heap entryHeap[T]
	seq  uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.heap)
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.seq++
	heap.Push(&pq.heap, &entry[T]{value: value, priority: priority, seq: pq.seq})
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.heap) == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*entry[T]).value, true
}

// PeekPriority returns the priority of the next value without removing it.
func (pq *PriorityQueue[T]) PeekPriority() (int, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.heap) == 0 {
		return 0, false
	}
	return pq.heap[0].priority, true
}

// DequeueBand removes every value sharing the lowest priority currently queued.
// The values are returned in insertion order.
func (pq *PriorityQueue[T]) DequeueBand() ([]T, int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.heap) == 0 {
		return nil, 0
	}
	band := pq.heap[0].priority
	var out []T
	for len(pq.heap) > 0 && pq.heap[0].priority == band {
		out = append(out, heap.Pop(&pq.heap).(*entry[T]).value)
	}
	return out, band
}

func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]T, 0, len(pq.heap))
	for len(pq.heap) > 0 {
		out = append(out, heap.Pop(&pq.heap).(*entry[T]).value)
	}
	return out
}
