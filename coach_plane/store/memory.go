package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used for single-node deployments and
// tests. All methods return copies so callers cannot mutate shared state.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[int64]*User
	prefs       map[int64]*Preferences
	components  map[int32]*Component
	byName      map[string]*Component
	states      map[int64][]*ComponentState // per user, append order
	controllers map[int64]*ControllerState
	outbox      map[int64]*OutboxEntry

	nextStateID  int64
	nextOutboxID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*User),
		prefs:       make(map[int64]*Preferences),
		components:  make(map[int32]*Component),
		byName:      make(map[string]*Component),
		states:      make(map[int64][]*ComponentState),
		controllers: make(map[int64]*ControllerState),
		outbox:      make(map[int64]*OutboxEntry),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *User, prefs *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %d already exists", user.ID)
	}
	u := *user
	if u.EnrolledAt.IsZero() {
		u.EnrolledAt = time.Now()
	}
	s.users[user.ID] = &u

	p := *prefs
	p.UserID = user.ID
	if p.Weekday != nil {
		wd := *prefs.Weekday
		p.Weekday = &wd
	}
	s.prefs[user.ID] = &p

	// Every user starts at onboarding with no execution week.
	s.controllers[user.ID] = &ControllerState{
		UserID:    user.ID,
		State:     TagOnboarding,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return nil, nil
	}
	u := *user
	return &u, nil
}

func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) UpdateQuitDate(ctx context.Context, userID int64, quitDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return fmt.Errorf("user %d not found", userID)
	}
	user.QuitDate = quitDate
	return nil
}

func (s *MemoryStore) GetPreferences(ctx context.Context, userID int64) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, exists := s.prefs[userID]
	if !exists {
		return nil, nil
	}
	p := *prefs
	if prefs.Weekday != nil {
		wd := *prefs.Weekday
		p.Weekday = &wd
	}
	return &p, nil
}

func (s *MemoryStore) SeedComponents(ctx context.Context, components []*Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, comp := range components {
		c := *comp
		s.components[c.ID] = &c
		s.byName[c.Name] = &c
	}
	return nil
}

func (s *MemoryStore) ComponentByName(ctx context.Context, name string) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comp, exists := s.byName[name]
	if !exists {
		return nil, nil
	}
	c := *comp
	return &c, nil
}

func (s *MemoryStore) ComponentByID(ctx context.Context, id int32) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comp, exists := s.components[id]
	if !exists {
		return nil, nil
	}
	c := *comp
	return &c, nil
}

func (s *MemoryStore) ListComponents(ctx context.Context) ([]*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Component, 0, len(s.components))
	for _, comp := range s.components {
		c := *comp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PlanComponent(ctx context.Context, state *ComponentState, entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[state.UserID]; !exists {
		return fmt.Errorf("user %d not found", state.UserID)
	}

	s.nextStateID++
	state.ID = s.nextStateID
	if state.LastTime.IsZero() {
		state.LastTime = time.Now()
	}
	row := *state
	if state.NextPlanned != nil {
		np := *state.NextPlanned
		row.NextPlanned = &np
	}
	s.states[state.UserID] = append(s.states[state.UserID], &row)

	s.nextOutboxID++
	entry.ID = s.nextOutboxID
	entry.StateID = state.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	e := *entry
	s.outbox[entry.ID] = &e
	return nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, outboxID int64, taskHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.outbox[outboxID]
	if !exists {
		return fmt.Errorf("outbox entry %d not found", outboxID)
	}
	now := time.Now()
	entry.Dispatched = true
	entry.TaskHandle = taskHandle
	entry.DispatchedAt = &now

	for _, row := range s.states[entry.UserID] {
		if row.ID == entry.StateID {
			row.TaskHandle = taskHandle
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordCompletion(ctx context.Context, userID int64, componentID int32, phase PhaseID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; !exists {
		return fmt.Errorf("user %d not found", userID)
	}

	// The completion row keeps the progress marker of the delivery it closes.
	var lastPart int16
	rows := s.states[userID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ComponentID == componentID {
			lastPart = rows[i].LastPart
			break
		}
	}

	s.nextStateID++
	s.states[userID] = append(s.states[userID], &ComponentState{
		ID:          s.nextStateID,
		UserID:      userID,
		ComponentID: componentID,
		Phase:       phase,
		Completed:   true,
		LastTime:    at,
		LastPart:    lastPart,
	})
	return nil
}

func (s *MemoryStore) LastComponentState(ctx context.Context, userID int64, componentID int32) (*ComponentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.states[userID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ComponentID == componentID {
			row := *rows[i]
			if rows[i].NextPlanned != nil {
				np := *rows[i].NextPlanned
				row.NextPlanned = &np
			}
			return &row, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) IsCompleted(ctx context.Context, userID int64, componentID int32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.states[userID] {
		if row.ComponentID == componentID && row.Completed {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListComponentStates(ctx context.Context, userID int64, limit int) ([]*ComponentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.states[userID]
	start := 0
	if limit > 0 && len(rows) > limit {
		start = len(rows) - limit
	}
	out := make([]*ComponentState, 0, len(rows)-start)
	for _, row := range rows[start:] {
		r := *row
		if row.NextPlanned != nil {
			np := *row.NextPlanned
			r.NextPlanned = &np
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) ControllerState(ctx context.Context, userID int64) (*ControllerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctrl, exists := s.controllers[userID]
	if !exists {
		return nil, nil
	}
	c := *ctrl
	return &c, nil
}

func (s *MemoryStore) SetPhaseState(ctx context.Context, userID int64, tag PhaseTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl, exists := s.controllers[userID]
	if !exists {
		return fmt.Errorf("controller state for user %d not found", userID)
	}
	ctrl.State = tag
	ctrl.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetExecutionWeek(ctx context.Context, userID int64, week int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl, exists := s.controllers[userID]
	if !exists {
		return fmt.Errorf("controller state for user %d not found", userID)
	}
	ctrl.ExecutionWeek = week
	ctrl.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboxEntry
	for _, entry := range s.outbox {
		if entry.Dispatched || entry.CreatedAt.After(olderThan) {
			continue
		}
		e := *entry
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountUsersByPhase(ctx context.Context) (map[PhaseTag]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[PhaseTag]int)
	for _, ctrl := range s.controllers {
		counts[ctrl.State]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() {}
