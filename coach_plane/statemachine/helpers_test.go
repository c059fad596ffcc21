package statemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
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

type fixture struct {
	store    *store.MemoryStore
	queue    *taskqueue.MemoryQueue
	cal      *calendar.Calendar
	clock    *stepClock
	timeline *timeline.Store
	deps     Deps
	loc      *time.Location
}

func newFixture(t *testing.T, now time.Time) *fixture {
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

	return &fixture{
		store:    st,
		queue:    q,
		cal:      cal,
		clock:    clock,
		timeline: tl,
		loc:      loc,
		deps:     Deps{Store: st, Queue: q, Calendar: cal, Log: zap.NewNop(), Timeline: tl},
	}
}

func (f *fixture) date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, f.loc)
}

func (f *fixture) at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, f.loc)
}

func (f *fixture) enroll(t *testing.T, id int64, start, quit time.Time, weekday *time.Weekday, daypart string) {
	t.Helper()
	u := &store.User{ID: id, StartDate: start, QuitDate: quit, PAGroup: 1, EnrolledAt: f.clock.Now()}
	p := &store.Preferences{UserID: id, Weekday: weekday, Daypart: daypart}
	if err := f.store.CreateUser(context.Background(), u, p); err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (f *fixture) state(t *testing.T, tag store.PhaseTag, userID int64) PhaseState {
	t.Helper()
	s, err := New(tag, userID, f.deps)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

// rowsFor returns all log rows for one component, oldest first.
func (f *fixture) rowsFor(t *testing.T, userID int64, name string) []*store.ComponentState {
	t.Helper()
	comp, err := f.store.ComponentByName(context.Background(), name)
	if err != nil || comp == nil {
		t.Fatalf("component %q: %v", name, err)
	}
	all, err := f.store.ListComponentStates(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	var rows []*store.ComponentState
	for _, row := range all {
		if row.ComponentID == comp.ID {
			rows = append(rows, row)
		}
	}
	return rows
}

func (f *fixture) lastRow(t *testing.T, userID int64, name string) *store.ComponentState {
	t.Helper()
	comp, err := f.store.ComponentByName(context.Background(), name)
	if err != nil || comp == nil {
		t.Fatalf("component %q: %v", name, err)
	}
	row, err := f.store.LastComponentState(context.Background(), userID, comp.ID)
	if err != nil {
		t.Fatalf("last state: %v", err)
	}
	return row
}

// plannedFor asserts the latest row for a component is planned at want.
func (f *fixture) plannedFor(t *testing.T, userID int64, name string, want time.Time) {
	t.Helper()
	row := f.lastRow(t, userID, name)
	if row == nil {
		t.Fatalf("no row for %s", name)
	}
	if row.NextPlanned == nil {
		t.Fatalf("%s has no planned date", name)
	}
	if !row.NextPlanned.Equal(want) {
		t.Fatalf("%s planned at %s, want %s", name, row.NextPlanned, want)
	}
}

func (f *fixture) week(t *testing.T, userID int64) int {
	t.Helper()
	ctrl, err := f.store.ControllerState(context.Background(), userID)
	if err != nil || ctrl == nil {
		t.Fatalf("controller state: %v", err)
	}
	return ctrl.ExecutionWeek
}

func (f *fixture) setWeek(t *testing.T, userID int64, week int) {
	t.Helper()
	if err := f.store.SetExecutionWeek(context.Background(), userID, week); err != nil {
		t.Fatalf("set week: %v", err)
	}
}

func (f *fixture) complete(t *testing.T, s PhaseState, component string) Transition {
	t.Helper()
	tr, err := s.OnDialogCompleted(context.Background(), component)
	if err != nil {
		t.Fatalf("complete %s: %v", component, err)
	}
	return tr
}

func mustKeep(t *testing.T, tr Transition, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if tr.Moved() {
		t.Fatalf("unexpected transition to %s", tr.Target())
	}
}

func mustMove(t *testing.T, tr Transition, err error, want store.PhaseTag) {
	t.Helper()
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !tr.Moved() {
		t.Fatalf("expected transition to %s, kept", want)
	}
	if tr.Target() != want {
		t.Fatalf("transitioned to %s, want %s", tr.Target(), want)
	}
}

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }
