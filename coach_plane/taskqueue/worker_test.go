package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  []*Task
	fail  int // fail the first N calls
	calls int
}

func (h *recordingHandler) HandleTask(ctx context.Context, task *Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.seen = append(h.seen, task)
	if h.calls <= h.fail {
		return errors.New("front end unavailable")
	}
	return nil
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestWorkerDeliversDueTask(t *testing.T) {
	q := NewMemoryQueue(0)
	handler := &recordingHandler{}
	cfg := WorkerConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 3, RetryBackoff: time.Hour, BatchSize: 8}
	w := NewWorker(q, handler, cfg, zap.NewNop())

	ctx := context.Background()
	q.Schedule(ctx, NewDeliverTask(1, "EXTERNAL_x", time.Now().Add(-time.Second)))

	w.Start(ctx)
	defer w.Stop()
	time.Sleep(100 * time.Millisecond)

	if handler.callCount() != 1 {
		t.Fatalf("expected 1 delivery, got %d", handler.callCount())
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected empty queue after ack, got depth %d", depth)
	}
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	q := NewMemoryQueue(0)
	handler := &recordingHandler{fail: 1}
	cfg := WorkerConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 3, RetryBackoff: 20 * time.Millisecond, BatchSize: 8}
	w := NewWorker(q, handler, cfg, zap.NewNop())

	ctx := context.Background()
	q.Schedule(ctx, NewDeliverTask(1, "EXTERNAL_x", time.Now().Add(-time.Second)))

	w.Start(ctx)
	defer w.Stop()
	time.Sleep(200 * time.Millisecond)

	// First attempt fails, retry lands after ~20ms and succeeds.
	if handler.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", handler.callCount())
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected drained queue, got depth %d", depth)
	}
}

func TestWorkerDropsExhaustedTask(t *testing.T) {
	q := NewMemoryQueue(0)
	handler := &recordingHandler{fail: 100}
	cfg := WorkerConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 2, RetryBackoff: 10 * time.Millisecond, BatchSize: 8}
	w := NewWorker(q, handler, cfg, zap.NewNop())

	var exhaustedMu sync.Mutex
	var exhausted []*Task
	w.OnExhausted = func(task *Task) {
		exhaustedMu.Lock()
		exhausted = append(exhausted, task)
		exhaustedMu.Unlock()
	}

	ctx := context.Background()
	task := NewDeliverTask(9, "EXTERNAL_x", time.Now().Add(-time.Second))
	q.Schedule(ctx, task)

	w.Start(ctx)
	defer w.Stop()
	time.Sleep(250 * time.Millisecond)

	if handler.callCount() != 2 {
		t.Fatalf("expected exactly MaxAttempts=2 attempts, got %d", handler.callCount())
	}
	exhaustedMu.Lock()
	defer exhaustedMu.Unlock()
	if len(exhausted) != 1 || exhausted[0].ID != task.ID {
		t.Errorf("expected OnExhausted for task %s, got %v", task.ID, exhausted)
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("exhausted task must be dropped, got depth %d", depth)
	}
}

func TestWorkerStopHaltsPolling(t *testing.T) {
	q := NewMemoryQueue(0)
	handler := &recordingHandler{}
	cfg := WorkerConfig{PollInterval: 10 * time.Millisecond, MaxAttempts: 3, RetryBackoff: time.Hour, BatchSize: 8}
	w := NewWorker(q, handler, cfg, zap.NewNop())

	ctx := context.Background()
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	time.Sleep(30 * time.Millisecond)

	q.Schedule(ctx, NewDeliverTask(1, "EXTERNAL_x", time.Now().Add(-time.Second)))
	time.Sleep(50 * time.Millisecond)

	if handler.callCount() != 0 {
		t.Errorf("stopped worker must not deliver, got %d calls", handler.callCount())
	}
}
