package taskqueue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically returns expired in-flight claims to the pending set,
// so tasks claimed by a crashed worker are delivered again.
type Janitor struct {
	queue    Queue
	interval time.Duration
	log      *zap.Logger
}

func NewJanitor(queue Queue, interval time.Duration, log *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{queue: queue, interval: interval, log: log}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := j.queue.RequeueExpired(ctx, time.Now())
			if err != nil {
				j.log.Warn("requeue sweep failed", zap.Error(err))
				continue
			}
			if moved > 0 {
				j.log.Info("requeued expired claims", zap.Int("count", moved))
			}
		}
	}
}
