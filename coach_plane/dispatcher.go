package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/idempotency"
	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/registry"
	"github.com/quitflow/coachplane/coach_plane/streaming"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
	"github.com/quitflow/coachplane/coach_plane/trigger"
)

const (
	tickArmAttempts = 10
	tickArmInterval = time.Second
)

// DispatcherDeps collects the dispatcher's collaborators.
type DispatcherDeps struct {
	Registry  *registry.Registry
	Queue     taskqueue.Queue
	Sink      trigger.Sink
	Limiter   *trigger.UserLimiter
	Breaker   *trigger.CircuitBreaker
	Seen      *idempotency.Fingerprints
	Calendar  *calendar.Calendar
	Timeline  *timeline.Store
	Publisher streaming.Publisher
	Log       *zap.Logger
}

// Dispatcher executes claimed queue tasks: trigger deliveries to the front
// end and the daily tick broadcast. Errors it returns are retried by the
// worker with backoff.
type Dispatcher struct {
	deps DispatcherDeps
	log  *zap.Logger

	tickHour   int
	tickMinute int
}

func NewDispatcher(deps DispatcherDeps, tickHour, tickMinute int) *Dispatcher {
	return &Dispatcher{
		deps:       deps,
		log:        deps.Log.Named("dispatcher"),
		tickHour:   tickHour,
		tickMinute: tickMinute,
	}
}

func (d *Dispatcher) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	switch task.Kind {
	case taskqueue.KindDeliver:
		return d.deliver(ctx, task)
	case taskqueue.KindNewDay:
		return d.newDay(ctx, task)
	default:
		d.log.Warn("unknown task kind dropped",
			zap.String("kind", string(task.Kind)),
			zap.String("task_id", task.ID))
		return nil
	}
}

// deliver posts one trigger intent. The queue is at-least-once; the
// fingerprint window absorbs duplicate deliveries of the same decision, and
// superseded tasks that fire anyway were already marked in the component log.
func (d *Dispatcher) deliver(ctx context.Context, task *taskqueue.Task) error {
	const op = "dispatcher.deliver"

	if d.deps.Seen.Seen(task.Fingerprint) {
		d.log.Debug("duplicate delivery absorbed",
			zap.Int64("user_id", task.UserID),
			zap.String("trigger", task.Trigger))
		return nil
	}

	if !d.deps.Breaker.Allow() {
		observability.DeliveryFailures.WithLabelValues("breaker_open").Inc()
		return faults.Errorf(faults.DeliveryFailure, op, "circuit open, delivery of %s deferred", task.Trigger)
	}

	if ok, wait := d.deps.Limiter.Reserve(task.UserID); !ok {
		observability.SinkRateLimited.Inc()
		return faults.Errorf(faults.DeliveryFailure, op, "user %d rate limited, retry after %s", task.UserID, wait)
	}

	if err := d.deps.Sink.Deliver(ctx, task.UserID, task.Trigger); err != nil {
		d.deps.Breaker.RecordFailure()
		observability.DeliveryFailures.WithLabelValues("front_end").Inc()
		if d.deps.Timeline != nil {
			d.deps.Timeline.Record(task.UserID, timeline.StageDeliveryFailed, task.Trigger)
		}
		return err
	}

	d.deps.Breaker.RecordSuccess()
	d.deps.Seen.Mark(task.Fingerprint)
	observability.TasksDelivered.Inc()
	if d.deps.Timeline != nil {
		d.deps.Timeline.Record(task.UserID, timeline.StageDelivered, task.Trigger)
	}
	d.publishDelivery(task)
	return nil
}

func (d *Dispatcher) publishDelivery(task *taskqueue.Task) {
	if d.deps.Publisher == nil {
		return
	}
	payload := struct {
		UserID  int64     `json:"user_id"`
		Trigger string    `json:"trigger"`
		At      time.Time `json:"at"`
	}{task.UserID, task.Trigger, time.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.deps.Publisher.Publish(ctx, streaming.SubjectDelivery, payload); err != nil {
			d.log.Warn("delivery publish failed",
				zap.Int64("user_id", task.UserID),
				zap.Error(err))
		}
	}()
}

// newDay broadcasts the tick to every registered controller, then re-arms
// tomorrow's tick. A broadcast that failed for some users is still acked;
// the day handlers recompute from dates, so the next tick heals them.
func (d *Dispatcher) newDay(ctx context.Context, task *taskqueue.Task) error {
	today := d.deps.Calendar.Today()
	failed, err := d.deps.Registry.BroadcastNewDay(ctx, today)
	if err != nil {
		return err
	}
	if failed > 0 {
		d.log.Warn("day tick finished with failures",
			zap.Time("today", today),
			zap.Int("failed", failed))
	}
	go d.armNextTick(ctx, d.NextTick(d.deps.Calendar.Now()))
	return nil
}

// NextTick returns the next daily tick instant strictly after the given time,
// in the service time zone.
func (d *Dispatcher) NextTick(after time.Time) time.Time {
	loc := d.deps.Calendar.Location()
	local := after.In(loc)
	tick := time.Date(local.Year(), local.Month(), local.Day(), d.tickHour, d.tickMinute, 0, 0, loc)
	if !tick.After(local) {
		tick = tick.AddDate(0, 0, 1)
	}
	return tick
}

// armNextTick schedules the next tick once the fired one is acked.
// EnsureNewDay refuses while a tick is pending or in flight, so it retries
// briefly; if a tick already exists the existing one stands.
func (d *Dispatcher) armNextTick(ctx context.Context, eta time.Time) {
	for i := 0; i < tickArmAttempts; i++ {
		ok, err := d.deps.Queue.EnsureNewDay(ctx, eta)
		if err == nil && ok {
			observability.TasksScheduled.WithLabelValues(string(taskqueue.KindNewDay)).Inc()
			d.log.Info("daily tick scheduled", zap.Time("eta", eta))
			return
		}
		if err != nil {
			d.log.Warn("daily tick ensure failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tickArmInterval):
		}
	}
	d.log.Warn("daily tick already present, leaving existing task", zap.Time("eta", eta))
}
