package statemachine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/store"
)

// Program timing, in days from the start date unless noted otherwise.
const (
	futureSelfIntroOffset  = 8  // future_self_short lands on start+8
	goalSettingOffset      = 9  // goal_setting lands on start+9
	trackingDuration       = 10 // goals-setting may begin on intervention day 10
	preparationGAOffset    = 14 // first buffer general_activity
	maxPreparationDuration = 21 // longest allowed preparation
	executionDurationDays  = 84 // 12 weeks from the quit date
	finalExecutionWeek     = 12
)

// core carries a state's user id, tag, and collaborators, and implements the
// event behavior every phase shares. States override only the branches their
// contract names.
type core struct {
	tag    store.PhaseTag
	userID int64
	deps   Deps
}

// New constructs the phase state for a tag.
func New(tag store.PhaseTag, userID int64, deps Deps) (PhaseState, error) {
	c := core{tag: tag, userID: userID, deps: deps}
	switch tag {
	case store.TagOnboarding:
		return &Onboarding{c}, nil
	case store.TagTracking:
		return &Tracking{c}, nil
	case store.TagGoalsSetting:
		return &GoalsSetting{c}, nil
	case store.TagBuffer:
		return &Buffer{c}, nil
	case store.TagExecutionRun:
		return &ExecutionRun{c}, nil
	case store.TagRelapse:
		return &Relapse{c}, nil
	case store.TagClosing:
		return &Closing{c}, nil
	default:
		return nil, faults.Errorf(faults.Unknown, "statemachine.new", "unknown phase tag %q", tag)
	}
}

func (c *core) Tag() store.PhaseTag { return c.tag }

// Run is a no-op for phases without an entry hook.
func (c *core) Run(ctx context.Context) (Transition, error) {
	return Keep(), nil
}

// OnDialogCompleted records the completion and keeps. The record-first
// contract lives here; phases with follow-up scheduling override and call
// recordCompletion before branching.
func (c *core) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := c.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}
	c.unhandled("dialog_completed", component)
	return Keep(), nil
}

// OnDialogRescheduled moves the pending delivery to the user's new time. The
// same procedure applies in every phase.
func (c *core) OnDialogRescheduled(ctx context.Context, component string, newTime time.Time) (Transition, error) {
	return Keep(), c.reschedule(ctx, component, newTime)
}

// OnUserTrigger fires the dialog the user picked from the menu right away.
func (c *core) OnUserTrigger(ctx context.Context, component string) (Transition, error) {
	return Keep(), c.planNow(ctx, component)
}

// OnNewDay is a no-op for phases without day-boundary behavior.
func (c *core) OnNewDay(ctx context.Context, today time.Time) (Transition, error) {
	return Keep(), nil
}

// unhandled notes an event the current phase has no branch for. Not an
// error: the event is acknowledged and ignored.
func (c *core) unhandled(event, component string) {
	c.deps.Log.Info("event has no branch in this phase",
		zap.Int64("user_id", c.userID),
		zap.String("phase", string(c.tag)),
		zap.String("event", event),
		zap.String("component", component))
}

func (c *core) record(stage, detail string) {
	if c.deps.Timeline != nil {
		c.deps.Timeline.Record(c.userID, stage, detail)
	}
}

// user loads the user row; missing users are NotFound.
func (c *core) user(ctx context.Context) (*store.User, error) {
	const op = "statemachine.user"
	u, err := c.deps.Store.GetUser(ctx, c.userID)
	if err != nil {
		return nil, faults.E(faults.PersistenceFailure, op, err)
	}
	if u == nil {
		return nil, faults.Errorf(faults.NotFound, op, "user %d not found", c.userID)
	}
	return u, nil
}

// component resolves a catalog entry by name; unknown names are NotFound.
func (c *core) component(ctx context.Context, name string) (*store.Component, error) {
	const op = "statemachine.component"
	comp, err := c.deps.Store.ComponentByName(ctx, name)
	if err != nil {
		return nil, faults.E(faults.PersistenceFailure, op, err)
	}
	if comp == nil {
		return nil, faults.Errorf(faults.NotFound, op, "unknown component %q", name)
	}
	return comp, nil
}

func (c *core) controller(ctx context.Context) (*store.ControllerState, error) {
	const op = "statemachine.controller"
	ctrl, err := c.deps.Store.ControllerState(ctx, c.userID)
	if err != nil {
		return nil, faults.E(faults.PersistenceFailure, op, err)
	}
	if ctrl == nil {
		return nil, faults.Errorf(faults.NotFound, op, "no controller state for user %d", c.userID)
	}
	return ctrl, nil
}

// daypart returns the user's preferred daypart, empty (morning) when no
// preferences are stored.
func (c *core) daypart(ctx context.Context) (string, error) {
	prefs, err := c.deps.Store.GetPreferences(ctx, c.userID)
	if err != nil {
		return "", faults.E(faults.PersistenceFailure, "statemachine.preferences", err)
	}
	if prefs == nil {
		return "", nil
	}
	return prefs.Daypart, nil
}

// preferredTimeOn places a delivery on the given civil date at the user's
// preferred hour.
func (c *core) preferredTimeOn(ctx context.Context, date time.Time) (time.Time, error) {
	daypart, err := c.daypart(ctx)
	if err != nil {
		return time.Time{}, err
	}
	cal := c.deps.Calendar
	return cal.At(date, cal.PreferredHour(daypart)), nil
}
