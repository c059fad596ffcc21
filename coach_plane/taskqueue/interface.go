package taskqueue

import (
	"context"
	"time"
)

// Queue is the delayed task queue. Tasks become visible at their ETA; Due
// claims them into an in-flight set with a visibility deadline, and unacked
// claims are returned to pending by RequeueExpired. Handles are task ids.
type Queue interface {
	// Schedule enqueues a task and returns its handle. Scheduling an id that
	// is already pending replaces it.
	Schedule(ctx context.Context, task *Task) (string, error)
	// Cancel removes a pending task. Best effort: returns false when the task
	// is gone or already claimed.
	Cancel(ctx context.Context, handle string) (bool, error)
	// Due claims up to limit tasks whose ETA has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// Ack removes a claimed task for good.
	Ack(ctx context.Context, handle string) error
	// Retry returns a claimed task to pending with a new ETA.
	Retry(ctx context.Context, task *Task, eta time.Time) error
	// RequeueExpired returns claims whose visibility deadline passed to
	// pending, and reports how many it moved.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	// EnsureNewDay schedules the singleton daily tick when none is pending or
	// in flight. Returns true when it scheduled one.
	EnsureNewDay(ctx context.Context, eta time.Time) (bool, error)
	// Depth reports the number of pending tasks.
	Depth(ctx context.Context) (int, error)
	Close() error
}
