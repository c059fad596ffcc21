package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// etaHeap implements heap.Interface ordered by task ETA.
type etaHeap []*Task

func (h etaHeap) Len() int           { return len(h) }
func (h etaHeap) Less(i, j int) bool { return h[i].ETA.Before(h[j].ETA) }
func (h etaHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *etaHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *etaHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

type claim struct {
	task     *Task
	deadline time.Time
}

const defaultVisibility = 2 * time.Minute

// MemoryQueue is the in-process Queue used for single-node deployments and
// tests. Cancelled or replaced tasks leave tombstones in the heap; Due skips
// entries whose pointer no longer matches the pending map.
type MemoryQueue struct {
	mu         sync.Mutex
	heap       etaHeap
	pending    map[string]*Task
	inflight   map[string]*claim
	visibility time.Duration
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &MemoryQueue{
		heap:       make(etaHeap, 0),
		pending:    make(map[string]*Task),
		inflight:   make(map[string]*claim),
		visibility: visibility,
	}
}

func (q *MemoryQueue) Schedule(ctx context.Context, task *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := *task
	q.pending[t.ID] = &t
	heap.Push(&q.heap, &t)
	return t.ID, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, handle string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[handle]; !ok {
		return false, nil
	}
	delete(q.pending, handle)
	return true, nil
}

func (q *MemoryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for q.heap.Len() > 0 && (limit <= 0 || len(out) < limit) {
		top := q.heap[0]
		if top.ETA.After(now) {
			break
		}
		heap.Pop(&q.heap)
		current, ok := q.pending[top.ID]
		if !ok || current != top {
			continue // cancelled or replaced
		}
		delete(q.pending, top.ID)
		q.inflight[top.ID] = &claim{task: top, deadline: now.Add(q.visibility)}
		dup := *top
		out = append(out, &dup)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, handle)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, task *Task, eta time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, task.ID)
	t := *task
	t.ETA = eta
	q.pending[t.ID] = &t
	heap.Push(&q.heap, &t)
	return nil
}

func (q *MemoryQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for id, c := range q.inflight {
		if c.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.pending[id] = c.task
		heap.Push(&q.heap, c.task)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) EnsureNewDay(ctx context.Context, eta time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[NewDayTaskID]; ok {
		return false, nil
	}
	if _, ok := q.inflight[NewDayTaskID]; ok {
		return false, nil
	}
	task := NewDayTask(eta)
	q.pending[task.ID] = task
	heap.Push(&q.heap, task)
	return true, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *MemoryQueue) Close() error { return nil }
