package dispatch

import "container/heap"

type item struct {
	rec      *record
	priority int
	seq      uint64
}

// taskQueue is a max-heap on priority, FIFO on equal priority.
type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

func (q *taskQueue) push(it *item) { heap.Push(q, it) }

func (q *taskQueue) pop() *item { return heap.Pop(q).(*item) }
