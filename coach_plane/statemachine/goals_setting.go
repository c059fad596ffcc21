package statemachine

import (
	"context"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// GoalsSetting plans the goal-setting dialog for day 10 of the preparation
// phase, immediately when entered late, and lays out the whole buffer and
// execution calendar once the goal is set.
type GoalsSetting struct {
	core
}

func (s *GoalsSetting) Run(ctx context.Context) (Transition, error) {
	user, err := s.user(ctx)
	if err != nil {
		return Keep(), err
	}
	cal := s.deps.Calendar
	due := cal.AddDays(cal.DateOf(user.StartDate), goalSettingOffset)

	// Entered past day 10: the dialog goes out right away.
	if !cal.Today().Before(due) {
		return Keep(), s.planNow(ctx, store.GoalSetting)
	}
	at, err := s.preferredTimeOn(ctx, due)
	if err != nil {
		return Keep(), err
	}
	return Keep(), s.planAt(ctx, store.GoalSetting, at)
}

func (s *GoalsSetting) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := s.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}

	switch component {
	case store.GoalSetting:
		if err := s.planNow(ctx, store.FirstAidKitVideo); err != nil {
			return Keep(), err
		}
		if err := s.planBufferActivities(ctx); err != nil {
			return Keep(), err
		}
		if err := s.planExecutionIntroduction(ctx); err != nil {
			return Keep(), err
		}
		return Keep(), s.planPANotifications(ctx)

	case store.FirstAidKitVideo:
		return MoveTo(store.TagBuffer), nil
	}

	s.unhandled("dialog_completed", component)
	return Keep(), nil
}

// planBufferActivities places the buffer-phase general-activity dialogs on
// day 15 of long preparations and additionally on day 22 of the longest
// allowed one.
func (s *GoalsSetting) planBufferActivities(ctx context.Context) error {
	user, err := s.user(ctx)
	if err != nil {
		return err
	}
	cal := s.deps.Calendar
	prepDays := cal.DaysBetween(user.StartDate, user.QuitDate)

	if prepDays >= preparationGAOffset {
		at, err := s.preferredTimeOn(ctx, cal.AddDays(cal.DateOf(user.StartDate), preparationGAOffset))
		if err != nil {
			return err
		}
		if err := s.planAt(ctx, store.GeneralActivity, at); err != nil {
			return err
		}
	}
	if prepDays == maxPreparationDuration {
		at, err := s.preferredTimeOn(ctx, cal.AddDays(cal.DateOf(user.StartDate), maxPreparationDuration))
		if err != nil {
			return err
		}
		if err := s.planAt(ctx, store.GeneralActivity, at); err != nil {
			return err
		}
	}
	return nil
}

// planExecutionIntroduction books the execution kickoff dialog for the quit
// date. It fires once; re-entry after relapse does not plan it again.
func (s *GoalsSetting) planExecutionIntroduction(ctx context.Context) error {
	user, err := s.user(ctx)
	if err != nil {
		return err
	}
	at, err := s.preferredTimeOn(ctx, s.deps.Calendar.DateOf(user.QuitDate))
	if err != nil {
		return err
	}
	return s.planAt(ctx, store.ExecutionIntroduction, at)
}

// planPANotifications schedules the daily physical-activity reminder from
// tomorrow through the end of the execution phase.
func (s *GoalsSetting) planPANotifications(ctx context.Context) error {
	user, err := s.user(ctx)
	if err != nil {
		return err
	}
	cal := s.deps.Calendar
	first := cal.AddDays(cal.Today(), 1)
	last := cal.AddDays(cal.DateOf(user.QuitDate), executionDurationDays)
	return s.planBatch(ctx, store.PANotification, first, last)
}
