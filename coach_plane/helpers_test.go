package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/idempotency"
	"github.com/quitflow/coachplane/coach_plane/registry"
	"github.com/quitflow/coachplane/coach_plane/statemachine"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
	"github.com/quitflow/coachplane/coach_plane/trigger"
)

// stepClock is a settable test clock.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// captureSink records deliveries instead of posting them.
type captureSink struct {
	mu        sync.Mutex
	err       error
	delivered []string
}

func (s *captureSink) Deliver(ctx context.Context, userID int64, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, fmt.Sprintf("%d:%s", userID, trigger))
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *captureSink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// harness wires the memory backends into a registry the way the app does.
type harness struct {
	store    *store.MemoryStore
	queue    *taskqueue.MemoryQueue
	clock    *stepClock
	cal      *calendar.Calendar
	timeline *timeline.Store
	registry *registry.Registry
	sink     *captureSink
	loc      *time.Location
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	clock := &stepClock{t: now}
	cal := calendar.New(clock, loc, calendar.Hours{Morning: 10, Afternoon: 15, Evening: 20})

	st := store.NewMemoryStore()
	if err := st.SeedComponents(context.Background(), store.Catalog()); err != nil {
		t.Fatalf("seed components: %v", err)
	}
	q := taskqueue.NewMemoryQueue(0)
	tl := timeline.NewStore()

	deps := statemachine.Deps{Store: st, Queue: q, Calendar: cal, Log: zap.NewNop(), Timeline: tl}
	reg := registry.New(deps, nil, zap.NewNop())

	return &harness{
		store:    st,
		queue:    q,
		clock:    clock,
		cal:      cal,
		timeline: tl,
		registry: reg,
		sink:     &captureSink{},
		loc:      loc,
	}
}

func (h *harness) date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc)
}

func (h *harness) at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, h.loc)
}

// dispatcherDeps returns defaults the tests tweak before NewDispatcher.
func (h *harness) dispatcherDeps() DispatcherDeps {
	return DispatcherDeps{
		Registry: h.registry,
		Queue:    h.queue,
		Sink:     h.sink,
		Limiter:  trigger.NewUserLimiter(100, 100),
		Breaker:  trigger.NewCircuitBreaker(5, time.Minute),
		Seen:     idempotency.NewFingerprints(0),
		Calendar: h.cal,
		Timeline: h.timeline,
		Log:      zap.NewNop(),
	}
}

func (h *harness) enroll(t *testing.T, id int64, start, quit time.Time, daypart string, weekday *time.Weekday) {
	t.Helper()
	user := &store.User{ID: id, StartDate: start, QuitDate: quit, PAGroup: 1, EnrolledAt: h.clock.Now()}
	prefs := &store.Preferences{UserID: id, Weekday: weekday, Daypart: daypart}
	if err := h.registry.Enroll(context.Background(), user, prefs); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
}

func (h *harness) start(t *testing.T, id int64) store.PhaseTag {
	t.Helper()
	tag, err := h.registry.Start(context.Background(), id)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tag
}

func (h *harness) complete(t *testing.T, id int64, component string) store.PhaseTag {
	t.Helper()
	tag, err := h.registry.Dispatch(context.Background(), id, statemachine.Event{
		Kind:      statemachine.EventDialogCompleted,
		Component: component,
	})
	if err != nil {
		t.Fatalf("dialog_completed %s failed: %v", component, err)
	}
	return tag
}

func (h *harness) userTrigger(t *testing.T, id int64, component string) store.PhaseTag {
	t.Helper()
	tag, err := h.registry.Dispatch(context.Background(), id, statemachine.Event{
		Kind:      statemachine.EventUserTrigger,
		Component: component,
	})
	if err != nil {
		t.Fatalf("user_trigger %s failed: %v", component, err)
	}
	return tag
}

func (h *harness) newDay(t *testing.T, id int64) store.PhaseTag {
	t.Helper()
	tag, err := h.registry.Dispatch(context.Background(), id, statemachine.Event{
		Kind:  statemachine.EventNewDay,
		Today: h.cal.Today(),
	})
	if err != nil {
		t.Fatalf("new_day failed: %v", err)
	}
	return tag
}

func (h *harness) componentID(t *testing.T, name string) int32 {
	t.Helper()
	comp, err := h.store.ComponentByName(context.Background(), name)
	if err != nil || comp == nil {
		t.Fatalf("component %s not found: %v", name, err)
	}
	return comp.ID
}

func (h *harness) lastState(t *testing.T, id int64, component string) *store.ComponentState {
	t.Helper()
	row, err := h.store.LastComponentState(context.Background(), id, h.componentID(t, component))
	if err != nil {
		t.Fatalf("LastComponentState %s failed: %v", component, err)
	}
	return row
}

func (h *harness) storedPhase(t *testing.T, id int64) store.PhaseTag {
	t.Helper()
	ctrl, err := h.store.ControllerState(context.Background(), id)
	if err != nil || ctrl == nil {
		t.Fatalf("ControllerState failed: %v", err)
	}
	return ctrl.State
}

func (h *harness) executionWeek(t *testing.T, id int64) int {
	t.Helper()
	ctrl, err := h.store.ControllerState(context.Background(), id)
	if err != nil || ctrl == nil {
		t.Fatalf("ControllerState failed: %v", err)
	}
	return ctrl.ExecutionWeek
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
