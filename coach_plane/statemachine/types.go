// Package statemachine implements the per-user intervention controller: a
// phase-structured state machine that decides which dialog or notification
// fires next, schedules it through the task queue, and records every decision
// in the component log.
package statemachine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
)

// EventKind names the events a controller reacts to.
type EventKind string

const (
	EventNewDay            EventKind = "new_day"
	EventDialogCompleted   EventKind = "dialog_completed"
	EventDialogRescheduled EventKind = "dialog_rescheduled"
	EventUserTrigger       EventKind = "user_trigger"
)

// Event is one inbound occurrence for one user. Component is set for dialog
// events, NewTime for reschedules, Today for day ticks.
type Event struct {
	Kind      EventKind
	Component string
	NewTime   time.Time
	Today     time.Time
}

// Transition is the outcome of handling an event: stay in the current phase
// or move to another one.
type Transition struct {
	to store.PhaseTag
}

// Keep stays in the current phase.
func Keep() Transition { return Transition{} }

// MoveTo requests a move to the named phase.
func MoveTo(tag store.PhaseTag) Transition { return Transition{to: tag} }

// Moved reports whether the transition leaves the current phase.
func (t Transition) Moved() bool { return t.to != "" }

// Target returns the destination phase of a moved transition.
func (t Transition) Target() store.PhaseTag { return t.to }

// PhaseState is one phase of the intervention. Run is the on-entry hook; the
// registry invokes it after every transition.
type PhaseState interface {
	Tag() store.PhaseTag
	Run(ctx context.Context) (Transition, error)
	OnDialogCompleted(ctx context.Context, component string) (Transition, error)
	OnDialogRescheduled(ctx context.Context, component string, newTime time.Time) (Transition, error)
	OnUserTrigger(ctx context.Context, component string) (Transition, error)
	OnNewDay(ctx context.Context, today time.Time) (Transition, error)
}

// TimelineRecorder receives scheduling-decision stages for the operator view.
type TimelineRecorder interface {
	Record(userID int64, stage, detail string)
}

// Deps are the collaborators every phase state works against. Timeline may be
// nil.
type Deps struct {
	Store    store.Store
	Queue    taskqueue.Queue
	Calendar *calendar.Calendar
	Log      *zap.Logger
	Timeline TimelineRecorder
}

// Apply routes an event to the matching handler of a phase state.
func Apply(ctx context.Context, s PhaseState, ev Event) (Transition, error) {
	switch ev.Kind {
	case EventNewDay:
		return s.OnNewDay(ctx, ev.Today)
	case EventDialogCompleted:
		return s.OnDialogCompleted(ctx, ev.Component)
	case EventDialogRescheduled:
		return s.OnDialogRescheduled(ctx, ev.Component, ev.NewTime)
	case EventUserTrigger:
		return s.OnUserTrigger(ctx, ev.Component)
	default:
		return Keep(), faults.Errorf(faults.IllegalTransition, "statemachine.apply", "unknown event kind %q", ev.Kind)
	}
}
