package reactor

import (
	"container/heap"
	"time"
)

// timer is a single scheduled callback, grounded on original_source's
// Timer (hazelcast/reactor.py): an absolute deadline plus an end-callback
// and a separate cancellation callback.
type timer struct {
	deadline time.Time
	callback func()
	canceled bool
	index    int // heap index, maintained by container/heap
}

// Cancel marks the timer inert; it is still popped off the heap on its
// turn but its callback is skipped. Grounded on the Python Timer.cancel,
// which flips a flag rather than removing from the middle of the heap.
func (t *timer) Cancel() {
	t.canceled = true
}

// timerHeap is a container/heap min-heap ordered by deadline, grounded on
// reactor.py's PriorityQueue((end, timer)) usage.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*timerHeap)(nil)
