package statemachine

import (
	"context"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// Onboarding walks a new user through the preparation chain, each dialog
// firing right after the previous one completes, and hands over to tracking
// once the long future-self dialog is done.
type Onboarding struct {
	core
}

func (s *Onboarding) Run(ctx context.Context) (Transition, error) {
	s.deps.Log.Info("onboarding started", zap.Int64("user_id", s.userID))
	return Keep(), s.planNow(ctx, store.PreparationIntroduction)
}

func (s *Onboarding) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := s.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}

	switch component {
	case store.PreparationIntroduction:
		return Keep(), s.planNow(ctx, store.ProfileCreation)

	case store.ProfileCreation:
		return Keep(), s.planNow(ctx, store.MedicationTalk)

	case store.MedicationTalk:
		if err := s.planNow(ctx, store.TrackBehavior); err != nil {
			return Keep(), err
		}
		return Keep(), s.planTrackingNotifications(ctx)

	case store.TrackBehavior:
		return Keep(), s.planNow(ctx, store.FutureSelfLong)

	case store.FutureSelfLong:
		if err := s.planFutureSelfShort(ctx); err != nil {
			return Keep(), err
		}
		return MoveTo(store.TagTracking), nil
	}

	s.unhandled("dialog_completed", component)
	return Keep(), nil
}

// planTrackingNotifications schedules the daily tracking reminder from
// tomorrow through day 9 of the preparation phase.
func (s *Onboarding) planTrackingNotifications(ctx context.Context) error {
	user, err := s.user(ctx)
	if err != nil {
		return err
	}
	cal := s.deps.Calendar
	first := cal.AddDays(cal.Today(), 1)
	last := cal.AddDays(cal.DateOf(user.StartDate), futureSelfIntroOffset)
	return s.planBatch(ctx, store.TrackNotification, first, last)
}

// planFutureSelfShort places the short future-self dialog on day 9 of the
// preparation phase at the preferred hour.
func (s *Onboarding) planFutureSelfShort(ctx context.Context) error {
	user, err := s.user(ctx)
	if err != nil {
		return err
	}
	cal := s.deps.Calendar
	at, err := s.preferredTimeOn(ctx, cal.AddDays(cal.DateOf(user.StartDate), futureSelfIntroOffset))
	if err != nil {
		return err
	}
	return s.planAt(ctx, store.FutureSelfShort, at)
}
