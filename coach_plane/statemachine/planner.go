package statemachine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

// planNow schedules a component for immediate dispatch.
func (c *core) planNow(ctx context.Context, component string) error {
	return c.planAt(ctx, component, c.deps.Calendar.Now())
}

// planAt is the one scheduling procedure every phase uses. The log row and
// the outbox entry commit together; the queue submit follows. A failed
// enqueue after the commit is absorbed with a warning, since the outbox
// reconciler replays any entry that never got dispatched. Only the commit
// itself failing aborts the event.
func (c *core) planAt(ctx context.Context, component string, plannedAt time.Time) error {
	const op = "statemachine.plan"

	comp, err := c.component(ctx, component)
	if err != nil {
		return err
	}

	at := plannedAt
	row := &store.ComponentState{
		UserID:      c.userID,
		ComponentID: comp.ID,
		Phase:       c.tag.PhaseID(),
		LastTime:    c.deps.Calendar.Now(),
		NextPlanned: &at,
	}
	entry := &store.OutboxEntry{
		UserID:  c.userID,
		Trigger: comp.Trigger,
		ETA:     plannedAt,
	}
	if err := c.deps.Store.PlanComponent(ctx, row, entry); err != nil {
		return faults.E(faults.PersistenceFailure, op, err)
	}
	c.record(timeline.StagePlanned, fmt.Sprintf("%s at %s", comp.Name, plannedAt.Format(time.RFC3339)))

	task := taskqueue.NewDeliverTask(c.userID, comp.Trigger, plannedAt)
	handle, err := c.deps.Queue.Schedule(ctx, task)
	if err != nil {
		// The committed outbox entry keeps the decision durable; the
		// reconciler will enqueue it.
		c.deps.Log.Warn("enqueue failed after outbox commit",
			zap.Int64("user_id", c.userID),
			zap.String("component", comp.Name),
			zap.Error(err))
		return nil
	}
	if err := c.deps.Store.MarkDispatched(ctx, entry.ID, handle); err != nil {
		// The reconciler will re-enqueue; the sink fingerprint absorbs the
		// duplicate.
		c.deps.Log.Warn("mark dispatched failed",
			zap.Int64("user_id", c.userID),
			zap.String("component", comp.Name),
			zap.Error(err))
		return nil
	}

	observability.TasksScheduled.WithLabelValues(comp.Kind).Inc()
	c.record(timeline.StageEnqueued, fmt.Sprintf("%s eta %s", comp.Name, plannedAt.Format(time.RFC3339)))
	c.deps.Log.Debug("component planned",
		zap.Int64("user_id", c.userID),
		zap.String("component", comp.Name),
		zap.Time("eta", plannedAt))
	return nil
}

// planBatch plans one delivery per civil day from first through last, both
// inclusive, each at the user's preferred hour. An empty range plans nothing.
func (c *core) planBatch(ctx context.Context, component string, first, last time.Time) error {
	daypart, err := c.daypart(ctx)
	if err != nil {
		return err
	}
	cal := c.deps.Calendar
	hour := cal.PreferredHour(daypart)
	for d := cal.DateOf(first); !d.After(cal.DateOf(last)); d = cal.AddDays(d, 1) {
		if err := c.planAt(ctx, component, cal.At(d, hour)); err != nil {
			return err
		}
	}
	return nil
}

// reschedule supersedes the pending delivery of a component: cancel the
// canonical task handle best-effort, then plan again at the new time. A
// cancelled task racing its own fire is absorbed by the sink fingerprint.
func (c *core) reschedule(ctx context.Context, component string, newTime time.Time) error {
	const op = "statemachine.reschedule"

	comp, err := c.component(ctx, component)
	if err != nil {
		return err
	}
	last, err := c.deps.Store.LastComponentState(ctx, c.userID, comp.ID)
	if err != nil {
		return faults.E(faults.PersistenceFailure, op, err)
	}
	if last != nil && last.TaskHandle != "" {
		ok, err := c.deps.Queue.Cancel(ctx, last.TaskHandle)
		switch {
		case err != nil:
			c.deps.Log.Warn("cancel failed, superseded task may still fire",
				zap.Int64("user_id", c.userID),
				zap.String("component", comp.Name),
				zap.Error(err))
			c.record(timeline.StageSuperseded, comp.Name)
		case ok:
			c.record(timeline.StageCancelled, comp.Name)
		default:
			c.record(timeline.StageSuperseded, comp.Name+" (task already gone)")
		}
	}
	return c.planAt(ctx, comp.Name, newTime)
}

// recordCompletion appends the completed row stamped with this phase's id.
// Every completion handler calls it before any branch logic.
func (c *core) recordCompletion(ctx context.Context, component string) error {
	const op = "statemachine.complete"

	comp, err := c.component(ctx, component)
	if err != nil {
		return err
	}
	if err := c.deps.Store.RecordCompletion(ctx, c.userID, comp.ID, c.tag.PhaseID(), c.deps.Calendar.Now()); err != nil {
		return faults.E(faults.PersistenceFailure, op, err)
	}
	c.record(timeline.StageCompleted, comp.Name)
	return nil
}

// nextPlannedDate resolves when a component should next fire: the preferred
// weekday and hour when the user has a weekday preference, else the latest
// row's planned date when still ahead, else tomorrow at the preferred hour.
func (c *core) nextPlannedDate(ctx context.Context, component string) (time.Time, error) {
	const op = "statemachine.next_planned_date"

	comp, err := c.component(ctx, component)
	if err != nil {
		return time.Time{}, err
	}
	prefs, err := c.deps.Store.GetPreferences(ctx, c.userID)
	if err != nil {
		return time.Time{}, faults.E(faults.PersistenceFailure, op, err)
	}

	cal := c.deps.Calendar
	now := cal.Now()
	var daypart string
	if prefs != nil {
		daypart = prefs.Daypart
	}
	hour := cal.PreferredHour(daypart)

	if prefs != nil && prefs.Weekday != nil {
		return cal.NextPreferredSlot(prefs.Weekday, hour, now), nil
	}

	last, err := c.deps.Store.LastComponentState(ctx, c.userID, comp.ID)
	if err != nil {
		return time.Time{}, faults.E(faults.PersistenceFailure, op, err)
	}
	if last != nil && last.NextPlanned != nil && last.NextPlanned.After(now) {
		return *last.NextPlanned, nil
	}
	return cal.At(cal.AddDays(cal.Today(), 1), hour), nil
}

// nextWeeklySlot returns the first preferred slot at least one week out.
func (c *core) nextWeeklySlot(ctx context.Context) (time.Time, error) {
	prefs, err := c.deps.Store.GetPreferences(ctx, c.userID)
	if err != nil {
		return time.Time{}, faults.E(faults.PersistenceFailure, "statemachine.next_weekly_slot", err)
	}
	var weekday *time.Weekday
	var daypart string
	if prefs != nil {
		weekday = prefs.Weekday
		daypart = prefs.Daypart
	}
	cal := c.deps.Calendar
	notBefore := cal.AddDays(cal.Today(), 7)
	return cal.NextPreferredSlot(weekday, cal.PreferredHour(daypart), notBefore), nil
}
