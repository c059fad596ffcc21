// Package outbox replays scheduling decisions whose enqueue never happened.
// PlanComponent writes the component row and an outbox entry in one
// transaction; the queue enqueue afterwards can be lost to a crash. The
// reconciler sweeps entries that stayed undispatched past a grace period and
// enqueues them again, so every persisted decision reaches the queue.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

// Store is the slice of the persistence gateway the reconciler needs.
type Store interface {
	PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*store.OutboxEntry, error)
	MarkDispatched(ctx context.Context, outboxID int64, taskHandle string) error
}

// Scheduler enqueues recovered delivery tasks.
type Scheduler interface {
	Schedule(ctx context.Context, task *taskqueue.Task) (string, error)
}

// Recorder receives scheduling stages for the operator view. May be nil.
type Recorder interface {
	Record(userID int64, stage, detail string)
}

const (
	// Entries younger than the grace period are likely mid-flight in the
	// normal plan-then-enqueue path; leave them alone.
	defaultGrace    = 30 * time.Second
	defaultInterval = 30 * time.Second
	defaultBatch    = 100
)

// Reconciler runs on the leader next to the worker and janitor.
type Reconciler struct {
	store    Store
	queue    Scheduler
	recorder Recorder
	log      *zap.Logger

	interval time.Duration
	grace    time.Duration
	batch    int
}

func NewReconciler(s Store, q Scheduler, rec Recorder, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		queue:    q,
		recorder: rec,
		log:      log.Named("outbox"),
		interval: defaultInterval,
		grace:    defaultGrace,
		batch:    defaultBatch,
	}
}

// Start sweeps until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Warn("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce recovers one batch of stale entries and reports how many it
// re-enqueued. Entries that fail to enqueue stay pending for the next sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.PendingOutbox(ctx, time.Now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	observability.OutboxPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return 0, nil
	}

	recovered := 0
	for _, entry := range pending {
		task := taskqueue.NewDeliverTask(entry.UserID, entry.Trigger, entry.ETA)
		handle, err := r.queue.Schedule(ctx, task)
		if err != nil {
			r.log.Warn("recovery enqueue failed",
				zap.Int64("outbox_id", entry.ID),
				zap.Int64("user_id", entry.UserID),
				zap.Error(err))
			continue
		}
		if err := r.store.MarkDispatched(ctx, entry.ID, handle); err != nil {
			// The task is enqueued; the fingerprint absorbs the duplicate the
			// next sweep would create.
			r.log.Warn("mark dispatched failed",
				zap.Int64("outbox_id", entry.ID),
				zap.Error(err))
			continue
		}
		if r.recorder != nil {
			r.recorder.Record(entry.UserID, timeline.StageEnqueued, "outbox recovery: "+entry.Trigger)
		}
		observability.OutboxRecovered.Inc()
		recovered++
	}

	if recovered > 0 {
		r.log.Info("recovered outbox entries",
			zap.Int("recovered", recovered),
			zap.Int("pending", len(pending)))
	}
	return recovered, nil
}
