package scheduler

import "time"

// entry is one pending firing in the heap. gen guards against stale
// entries left behind by edits: popping compares it to the task's
// current generation and discards mismatches.
type entry struct {
	taskID string
	at     time.Time
	gen    uint64
}

// fireHeap orders pending firings by instant. It implements
// container/heap.Interface.
type fireHeap []*entry

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
