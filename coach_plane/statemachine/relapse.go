package statemachine

import (
	"context"
	"time"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// Relapse is the recovery branch. Completing any relapse dialog decides the
// way back: a quit date in the future (reset by the user during the dialog)
// returns to buffer with fresh quit-day notifications; otherwise straight
// back to execution.
type Relapse struct {
	core
}

func isRelapseDialog(component string) bool {
	switch component {
	case store.RelapseDialog, store.RelapseDialogHRS, store.RelapseDialogLapse,
		store.RelapseDialogRelapse, store.RelapseDialogPA:
		return true
	}
	return false
}

func (s *Relapse) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := s.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}
	if !isRelapseDialog(component) {
		s.unhandled("dialog_completed", component)
		return Keep(), nil
	}

	// Reload the user: the front end may have written a new quit date while
	// the dialog ran.
	user, err := s.user(ctx)
	if err != nil {
		return Keep(), err
	}
	cal := s.deps.Calendar
	if cal.DateOf(user.QuitDate).After(cal.Today()) {
		if err := s.planQuitDayNotifications(ctx, user.QuitDate); err != nil {
			return Keep(), err
		}
		return MoveTo(store.TagBuffer), nil
	}
	return MoveTo(store.TagExecutionRun), nil
}

// planQuitDayNotifications books the reminder for the day before the new
// quit date and the quit-day notification itself.
func (s *Relapse) planQuitDayNotifications(ctx context.Context, quitDate time.Time) error {
	cal := s.deps.Calendar

	eve, err := s.preferredTimeOn(ctx, cal.AddDays(cal.DateOf(quitDate), -1))
	if err != nil {
		return err
	}
	if err := s.planAt(ctx, store.BeforeQuitNotification, eve); err != nil {
		return err
	}

	day, err := s.preferredTimeOn(ctx, cal.DateOf(quitDate))
	if err != nil {
		return err
	}
	return s.planAt(ctx, store.QuitDateNotification, day)
}
