package taskqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

// Handler executes a claimed task. A nil return acks the task; an error puts
// it back with backoff until the attempt budget runs out.
type Handler interface {
	HandleTask(ctx context.Context, task *Task) error
}

// WorkerConfig tunes the polling loop and retry policy.
type WorkerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	BatchSize    int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		MaxAttempts:  5,
		RetryBackoff: 30 * time.Second,
		BatchSize:    16,
	}
}

// Worker polls the queue for due tasks and dispatches them through the
// handler. Exactly one worker should run per deployment; the leader elector
// starts and stops it.
type Worker struct {
	queue   Queue
	handler Handler
	cfg     WorkerConfig
	log     *zap.Logger

	// OnExhausted runs after a task burns its last attempt, before the task
	// is dropped.
	OnExhausted func(task *Task)

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewWorker(queue Queue, handler Handler, cfg WorkerConfig, log *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &Worker{queue: queue, handler: handler, cfg: cfg, log: log}
}

// Start begins the polling loop. Calling Start while running restarts it.
func (w *Worker) Start(ctx context.Context) {
	w.Stop()
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go w.loop(ctx)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}

		if depth, err := w.queue.Depth(ctx); err == nil {
			observability.QueueDepth.Set(float64(depth))
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	tasks, err := w.queue.Due(ctx, time.Now(), w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("failed to claim due tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		t := task
		go w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	err := w.handler.HandleTask(ctx, task)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, task.ID); ackErr != nil {
			w.log.Warn("failed to ack task",
				zap.String("task_id", task.ID), zap.Error(ackErr))
		}
		return
	}

	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		w.log.Error("task exhausted its attempts",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int64("user_id", task.UserID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		observability.DeliveryFailures.WithLabelValues("exhausted").Inc()
		if w.OnExhausted != nil {
			w.OnExhausted(task)
		}
		if ackErr := w.queue.Ack(ctx, task.ID); ackErr != nil {
			w.log.Warn("failed to drop exhausted task",
				zap.String("task_id", task.ID), zap.Error(ackErr))
		}
		return
	}

	backoff := time.Duration(task.Attempts) * w.cfg.RetryBackoff
	w.log.Warn("task failed, retrying",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
	observability.TaskRetries.Inc()
	if retryErr := w.queue.Retry(ctx, task, time.Now().Add(backoff)); retryErr != nil {
		w.log.Error("failed to requeue task",
			zap.String("task_id", task.ID), zap.Error(retryErr))
	}
}
