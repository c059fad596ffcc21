package statemachine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/store"
)

// Tracking waits out the behavior-tracking window. Nothing new is planned on
// entry; the phase ends on the first day tick at or past intervention day 10
// with the short future-self dialog completed.
type Tracking struct {
	core
}

func (s *Tracking) Run(ctx context.Context) (Transition, error) {
	s.deps.Log.Info("tracking started", zap.Int64("user_id", s.userID))
	return Keep(), nil
}

func (s *Tracking) OnNewDay(ctx context.Context, today time.Time) (Transition, error) {
	user, err := s.user(ctx)
	if err != nil {
		return Keep(), err
	}
	if s.deps.Calendar.InterventionDay(user.StartDate, today) < trackingDuration {
		return Keep(), nil
	}

	comp, err := s.component(ctx, store.FutureSelfShort)
	if err != nil {
		return Keep(), err
	}
	done, err := s.deps.Store.IsCompleted(ctx, s.userID, comp.ID)
	if err != nil {
		return Keep(), faults.E(faults.PersistenceFailure, "statemachine.tracking", err)
	}
	if !done {
		return Keep(), nil
	}
	return MoveTo(store.TagGoalsSetting), nil
}
