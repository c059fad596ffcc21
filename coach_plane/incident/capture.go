// Package incident captures per-user diagnostic snapshots when trigger
// delivery exhausts its retries or an operator asks for one.
package incident

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

// Report is a captured failure context for one user.
type Report struct {
	ID          string                  `json:"id"`
	UserID      int64                   `json:"user_id"`
	Reason      string                  `json:"reason"`
	User        *store.User             `json:"user"`
	Controller  *store.ControllerState  `json:"controller"`
	RecentState []*store.ComponentState `json:"recent_state"`
	Timeline    []timeline.Event        `json:"timeline"`
	QueueDepth  int                     `json:"queue_depth"`
	CapturedAt  time.Time               `json:"captured_at"`
}

// StoreReader is the slice of the persistence gateway capture needs.
type StoreReader interface {
	GetUser(ctx context.Context, userID int64) (*store.User, error)
	ControllerState(ctx context.Context, userID int64) (*store.ControllerState, error)
	ListComponentStates(ctx context.Context, userID int64, limit int) ([]*store.ComponentState, error)
}

// TimelineReader exposes the recorded scheduling stages.
type TimelineReader interface {
	Tail(userID int64, n int) []timeline.Event
}

// DepthReader reports the pending size of the task queue.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

const (
	stateRows    = 20
	timelineTail = 50
	logCapacity  = 100
)

// Capture gathers the user's row, controller state, recent component log and
// timeline into a report. A missing user yields (nil, nil).
func Capture(ctx context.Context, s StoreReader, tl TimelineReader, q DepthReader, userID int64, reason string) (*Report, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	ctrl, err := s.ControllerState(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := s.ListComponentStates(ctx, userID, stateRows)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:          uuid.NewString(),
		UserID:      userID,
		Reason:      reason,
		User:        user,
		Controller:  ctrl,
		RecentState: recent,
		CapturedAt:  time.Now(),
	}
	if tl != nil {
		report.Timeline = tl.Tail(userID, timelineTail)
	}
	if q != nil {
		if depth, err := q.Depth(ctx); err == nil {
			report.QueueDepth = depth
		}
	}
	return report, nil
}

// Log keeps the most recent reports in memory for the operator API.
type Log struct {
	mu      sync.RWMutex
	reports []*Report
}

func NewLog() *Log {
	return &Log{}
}

// Add appends a report, dropping the oldest past capacity.
func (l *Log) Add(report *Report) {
	if report == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reports = append(l.reports, report)
	if len(l.reports) > logCapacity {
		l.reports = l.reports[len(l.reports)-logCapacity:]
	}
}

// List returns the captured reports, newest first.
func (l *Log) List() []*Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Report, 0, len(l.reports))
	for i := len(l.reports) - 1; i >= 0; i-- {
		out = append(out, l.reports[i])
	}
	return out
}
