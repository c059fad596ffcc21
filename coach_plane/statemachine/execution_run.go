package statemachine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/store"
)

// ExecutionRun is the twelve-week core of the program: weekly reflections,
// the week counter ticking on each quit-date anniversary, and the relapse
// escape hatch.
type ExecutionRun struct {
	core
}

func (s *ExecutionRun) Run(ctx context.Context) (Transition, error) {
	ctrl, err := s.controller(ctx)
	if err != nil {
		return Keep(), err
	}
	// Nothing to schedule on entry: execution_introduction was already booked
	// for the quit date during goals setting.
	if ctrl.ExecutionWeek == 0 {
		if err := s.deps.Store.SetExecutionWeek(ctx, s.userID, 1); err != nil {
			return Keep(), faults.E(faults.PersistenceFailure, "statemachine.execution", err)
		}
	}
	return Keep(), nil
}

func (s *ExecutionRun) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := s.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}

	switch component {
	case store.ExecutionIntroduction:
		return Keep(), s.planNow(ctx, store.GeneralActivity)

	case store.GeneralActivity:
		return Keep(), s.planNow(ctx, store.WeeklyReflection)

	case store.WeeklyReflection:
		ctrl, err := s.controller(ctx)
		if err != nil {
			return Keep(), err
		}
		switch {
		case ctrl.ExecutionWeek == 3 || ctrl.ExecutionWeek == 8:
			return Keep(), s.planNow(ctx, store.FutureSelfShort)
		case ctrl.ExecutionWeek == finalExecutionWeek:
			return MoveTo(store.TagClosing), nil
		default:
			return Keep(), s.planNextReflection(ctx)
		}

	case store.FutureSelfShort:
		return Keep(), s.planNextReflection(ctx)
	}

	s.unhandled("dialog_completed", component)
	return Keep(), nil
}

func (s *ExecutionRun) OnUserTrigger(ctx context.Context, component string) (Transition, error) {
	if err := s.planNow(ctx, component); err != nil {
		return Keep(), err
	}
	if component == store.RelapseDialog {
		return MoveTo(store.TagRelapse), nil
	}
	return Keep(), nil
}

// OnNewDay advances the week counter on each weekly anniversary of the quit
// date.
func (s *ExecutionRun) OnNewDay(ctx context.Context, today time.Time) (Transition, error) {
	user, err := s.user(ctx)
	if err != nil {
		return Keep(), err
	}
	cal := s.deps.Calendar
	if !cal.IsNewWeek(today, user.QuitDate) {
		return Keep(), nil
	}

	week := cal.ExecutionWeek(user.QuitDate, today)
	if err := s.deps.Store.SetExecutionWeek(ctx, s.userID, week); err != nil {
		return Keep(), faults.E(faults.PersistenceFailure, "statemachine.execution", err)
	}
	s.deps.Log.Info("execution week advanced",
		zap.Int64("user_id", s.userID),
		zap.Int("week", week))
	return Keep(), nil
}

// planNextReflection places the next weekly reflection at the first preferred
// slot at least a week out.
func (s *ExecutionRun) planNextReflection(ctx context.Context) error {
	at, err := s.nextWeeklySlot(ctx)
	if err != nil {
		return err
	}
	return s.planAt(ctx, store.WeeklyReflection, at)
}
