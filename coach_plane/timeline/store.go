// Package timeline keeps a bounded in-memory record of scheduling decisions
// per user, for the operator API. It is diagnostic state, not the source of
// truth; the component log in the store is.
package timeline

import (
	"sync"
	"time"
)

// Scheduling decision stages.
const (
	StagePlanned        = "PLANNED"
	StageEnqueued       = "ENQUEUED"
	StageSuperseded     = "SUPERSEDED"
	StageCancelled      = "CANCELLED"
	StageDelivered      = "DELIVERED"
	StageDeliveryFailed = "DELIVERY_FAILED"
	StageCompleted      = "COMPLETED"
	StageTransition     = "TRANSITION"
)

// Event is one stage of one scheduling decision.
type Event struct {
	UserID    int64     `json:"user_id"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultCapacity = 200

// Store holds per-user event rings. Oldest events fall off once a user
// exceeds the per-user capacity.
type Store struct {
	mu     sync.RWMutex
	events map[int64][]Event
	cap    int
}

func NewStore() *Store {
	return &Store{
		events: make(map[int64][]Event),
		cap:    defaultCapacity,
	}
}

// Record appends one stage for the user.
func (s *Store) Record(userID int64, stage, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := append(s.events[userID], Event{
		UserID:    userID,
		Stage:     stage,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if len(evs) > s.cap {
		evs = evs[len(evs)-s.cap:]
	}
	s.events[userID] = evs
}

// EventsFor returns a copy of the user's recorded events, oldest first.
func (s *Store) EventsFor(userID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[userID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// Tail returns up to n most recent events for the user, oldest first.
func (s *Store) Tail(userID int64, n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[userID]
	if n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}
