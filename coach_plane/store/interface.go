package store

import (
	"context"
	"time"
)

// Store is the persistence gateway. Lookups return (nil, nil) when the row
// does not exist; callers decide whether a miss is an error.
type Store interface {
	// Users and preferences
	CreateUser(ctx context.Context, user *User, prefs *Preferences) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	UpdateQuitDate(ctx context.Context, userID int64, quitDate time.Time) error
	GetPreferences(ctx context.Context, userID int64) (*Preferences, error)

	// Component catalog (immutable at runtime, seeded at boot)
	SeedComponents(ctx context.Context, components []*Component) error
	ComponentByName(ctx context.Context, name string) (*Component, error)
	ComponentByID(ctx context.Context, id int32) (*Component, error)
	ListComponents(ctx context.Context) ([]*Component, error)

	// Append-only component-state log. PlanComponent writes the log row and
	// its outbox entry atomically and fills in both ids. MarkDispatched flips
	// the outbox entry and copies the task handle onto the log row.
	PlanComponent(ctx context.Context, state *ComponentState, entry *OutboxEntry) error
	MarkDispatched(ctx context.Context, outboxID int64, taskHandle string) error
	RecordCompletion(ctx context.Context, userID int64, componentID int32, phase PhaseID, at time.Time) error
	LastComponentState(ctx context.Context, userID int64, componentID int32) (*ComponentState, error)
	IsCompleted(ctx context.Context, userID int64, componentID int32) (bool, error)
	ListComponentStates(ctx context.Context, userID int64, limit int) ([]*ComponentState, error)

	// Controller state
	ControllerState(ctx context.Context, userID int64) (*ControllerState, error)
	SetPhaseState(ctx context.Context, userID int64, tag PhaseTag) error
	SetExecutionWeek(ctx context.Context, userID int64, week int) error

	// Scheduling outbox
	PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*OutboxEntry, error)

	// Operator surfaces
	CountUsersByPhase(ctx context.Context) (map[PhaseTag]int, error)

	Close()
}
