package store

import (
	"time"
)

// PhaseTag identifies a controller phase state.
type PhaseTag string

const (
	TagOnboarding   PhaseTag = "onboarding"
	TagTracking     PhaseTag = "tracking"
	TagGoalsSetting PhaseTag = "goals_setting"
	TagBuffer       PhaseTag = "buffer"
	TagExecutionRun PhaseTag = "execution_run"
	TagRelapse      PhaseTag = "relapse"
	TagClosing      PhaseTag = "closing"
)

// PhaseID is the program phase recorded on component-state rows.
type PhaseID int16

const (
	PhasePreparation PhaseID = 1 // onboarding, tracking, goals-setting, buffer
	PhaseExecution   PhaseID = 2 // execution-run, closing
	PhaseLapse       PhaseID = 3 // relapse
)

// PhaseID maps a phase state to the program phase its rows are stamped with.
func (t PhaseTag) PhaseID() PhaseID {
	switch t {
	case TagExecutionRun, TagClosing:
		return PhaseExecution
	case TagRelapse:
		return PhaseLapse
	default:
		return PhasePreparation
	}
}

// Valid reports whether the tag names a known phase state.
func (t PhaseTag) Valid() bool {
	switch t {
	case TagOnboarding, TagTracking, TagGoalsSetting, TagBuffer,
		TagExecutionRun, TagRelapse, TagClosing:
		return true
	}
	return false
}

// User is an enrolled program participant.
type User struct {
	ID         int64     `json:"id" db:"user_id"`
	StartDate  time.Time `json:"start_date" db:"start_date"`
	QuitDate   time.Time `json:"quit_date" db:"quit_date"`
	PAGroup    int16     `json:"pa_group" db:"pa_group"` // 1 = low, 2 = high
	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`
}

// Preferences holds a user's delivery preferences. A nil Weekday means no
// weekday preference.
type Preferences struct {
	UserID  int64         `json:"user_id" db:"user_id"`
	Weekday *time.Weekday `json:"weekday,omitempty" db:"preferred_weekday"`
	Daypart string        `json:"daypart" db:"daypart"` // "morning", "afternoon", "evening"
}

// Component is a catalog entry: a dialog or notification the program can
// deliver. The catalog is immutable at runtime.
type Component struct {
	ID      int32  `json:"id" db:"component_id"`
	Name    string `json:"name" db:"name"`
	Trigger string `json:"trigger" db:"trigger"`
	Kind    string `json:"kind" db:"kind"` // "dialog", "notification"
}

// ComponentState is one row of the append-only per-user component log. The
// latest row per (user, component) wins; only its task handle is canonical.
type ComponentState struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	ComponentID int32      `json:"component_id" db:"component_id"`
	Phase       PhaseID    `json:"phase_id" db:"phase_id"`
	Completed   bool       `json:"completed" db:"completed"`
	LastTime    time.Time  `json:"last_time" db:"last_time"`
	LastPart    int16      `json:"last_part" db:"last_part"`
	NextPlanned *time.Time `json:"next_planned_date,omitempty" db:"next_planned_date"`
	TaskHandle  string     `json:"task_handle,omitempty" db:"task_handle"`
}

// ControllerState is the persisted position of a user's state machine.
type ControllerState struct {
	UserID        int64     `json:"user_id" db:"user_id"`
	State         PhaseTag  `json:"phase_state" db:"phase_state"`
	ExecutionWeek int       `json:"execution_week" db:"execution_week"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// OutboxEntry records a scheduling decision awaiting queue dispatch. Written
// atomically with its ComponentState row so a crash between persist and
// enqueue loses nothing.
type OutboxEntry struct {
	ID           int64      `json:"id" db:"id"`
	UserID       int64      `json:"user_id" db:"user_id"`
	StateID      int64      `json:"component_state_id" db:"component_state_id"`
	Trigger      string     `json:"trigger" db:"trigger"`
	ETA          time.Time  `json:"eta" db:"eta"`
	Dispatched   bool       `json:"dispatched" db:"dispatched"`
	TaskHandle   string     `json:"task_handle,omitempty" db:"task_handle"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
}
