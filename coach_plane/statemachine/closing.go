package statemachine

import (
	"context"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// Closing wraps up the program with one final dialog. Terminal: completing
// it changes nothing further.
type Closing struct {
	core
}

func (s *Closing) Run(ctx context.Context) (Transition, error) {
	at, err := s.nextPlannedDate(ctx, store.ClosingDialog)
	if err != nil {
		return Keep(), err
	}
	return Keep(), s.planAt(ctx, store.ClosingDialog, at)
}

func (s *Closing) OnDialogCompleted(ctx context.Context, component string) (Transition, error) {
	if err := s.recordCompletion(ctx, component); err != nil {
		return Keep(), err
	}
	if component == store.ClosingDialog {
		s.deps.Log.Info("intervention finished", zap.Int64("user_id", s.userID))
	}
	return Keep(), nil
}
