package statemachine

import (
	"context"
	"time"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// Buffer spans the days between goal setting and the quit date. Nothing new
// is planned here; the phase watches for the quit date on every tick. The
// entry check matters too: a user may pick a quit date that has already
// arrived by the time the first-aid-kit video completes.
type Buffer struct {
	core
}

func (s *Buffer) Run(ctx context.Context) (Transition, error) {
	return s.checkQuitDate(ctx, s.deps.Calendar.Today())
}

func (s *Buffer) OnNewDay(ctx context.Context, today time.Time) (Transition, error) {
	return s.checkQuitDate(ctx, today)
}

func (s *Buffer) checkQuitDate(ctx context.Context, today time.Time) (Transition, error) {
	user, err := s.user(ctx)
	if err != nil {
		return Keep(), err
	}
	cal := s.deps.Calendar
	if !cal.DateOf(today).Before(cal.DateOf(user.QuitDate)) {
		return MoveTo(store.TagExecutionRun), nil
	}
	return Keep(), nil
}
