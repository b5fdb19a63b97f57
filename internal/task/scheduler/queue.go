package scheduler

import (
	"container/heap"
	"sync"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
)

// pendingQueue is one partition's min-heap of waiting tasks ordered by
// (fireAt, seq). Heap fields of a task (fireAt, seq, index) are only touched
// with mu held.
type pendingQueue struct {
	mu sync.Mutex
	h  taskHeap
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAt != h[j].fireAt {
		return h[i].fireAt < h[j].fireAt
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (q *pendingQueue) push(t *task, fireAt clock.Tick, seq uint64) {
	q.mu.Lock()
	t.fireAt = fireAt
	t.seq = seq
	heap.Push(&q.h, t)
	q.mu.Unlock()
}

// remove drops t if it is queued here.
func (q *pendingQueue) remove(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 || t.index >= len(q.h) || q.h[t.index] != t {
		return false
	}
	heap.Remove(&q.h, t.index)
	return true
}

// popDue removes and returns the earliest task with fireAt <= now.
func (q *pendingQueue) popDue(now clock.Tick) *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 || q.h[0].fireAt > now {
		return nil
	}
	return heap.Pop(&q.h).(*task)
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	n := len(q.h)
	q.mu.Unlock()
	return n
}

// next returns the earliest fire tick, if any.
func (q *pendingQueue) next() (clock.Tick, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].fireAt, true
}
