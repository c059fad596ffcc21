package taskqueue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates queue tasks.
type Kind string

const (
	// KindDeliver posts a trigger intent to the front end at its ETA.
	KindDeliver Kind = "deliver"
	// KindNewDay broadcasts the daily tick to every registered user, then
	// re-schedules itself for the next day.
	KindNewDay Kind = "new_day"
)

// NewDayTaskID is the singleton id of the daily tick task. Using a fixed id
// lets EnsureNewDay guarantee at most one pending tick.
const NewDayTaskID = "new-day"

// Task is one unit of delayed work. The queue is at-least-once; duplicate
// deliveries of the same fingerprint are dropped at dispatch.
type Task struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      int64     `json:"user_id,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	ETA         time.Time `json:"eta"`
	Attempts    int       `json:"attempts"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Fingerprint identifies a delivery independent of its task id, so a
// re-enqueued duplicate of the same decision can be recognized.
func Fingerprint(userID int64, trigger string, eta time.Time) string {
	return fmt.Sprintf("%d|%s|%d", userID, trigger, eta.Unix())
}

// NewDeliverTask builds a delivery task for a scheduling decision.
func NewDeliverTask(userID int64, trigger string, eta time.Time) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        KindDeliver,
		UserID:      userID,
		Trigger:     trigger,
		ETA:         eta,
		Fingerprint: Fingerprint(userID, trigger, eta),
		EnqueuedAt:  time.Now(),
	}
}

// NewDayTask builds the singleton daily tick task.
func NewDayTask(eta time.Time) *Task {
	return &Task{
		ID:         NewDayTaskID,
		Kind:       KindNewDay,
		ETA:        eta,
		EnqueuedAt: time.Now(),
	}
}
