package main

import (
	"context"
	"testing"
	"time"

	"github.com/quitflow/coachplane/coach_plane/store"
)

func countRows(t *testing.T, h *harness, id int64, component string) int {
	t.Helper()
	rows, err := h.store.ListComponentStates(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("ListComponentStates failed: %v", err)
	}
	compID := h.componentID(t, component)
	n := 0
	for _, r := range rows {
		if r.ComponentID == compID {
			n++
		}
	}
	return n
}

// TestProgramJourney walks one user through the whole program: the
// onboarding chain, the tracking window, goal setting with the full calendar
// layout, the buffer, the quit date, the weekly execution cadence, a relapse
// with a moved quit date, and the return to execution.
func TestProgramJourney(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	const user = int64(1)

	h.enroll(t, user, h.date(2024, 5, 1), h.date(2024, 6, 5), "morning", nil)
	if tag := h.start(t, user); tag != store.TagOnboarding {
		t.Errorf("Expected onboarding after start, got %s", tag)
	}
	if row := h.lastState(t, user, store.PreparationIntroduction); row == nil {
		t.Fatal("Expected preparation_introduction to be planned on start")
	}

	// The preparation chain: each completion plans the next dialog.
	h.complete(t, user, store.PreparationIntroduction)
	h.complete(t, user, store.ProfileCreation)
	h.complete(t, user, store.MedicationTalk)

	if got := countRows(t, h, user, store.TrackNotification); got != 8 {
		t.Errorf("Expected 8 tracking notifications (May 2 through May 9), got %d", got)
	}
	first := h.lastState(t, user, store.TrackBehavior)
	if first == nil {
		t.Fatal("Expected track_behavior to be planned after medication_talk")
	}

	h.complete(t, user, store.TrackBehavior)
	tag := h.complete(t, user, store.FutureSelfLong)
	if tag != store.TagTracking {
		t.Errorf("Expected tracking after future_self_long, got %s", tag)
	}
	fss := h.lastState(t, user, store.FutureSelfShort)
	if fss == nil || fss.NextPlanned == nil {
		t.Fatal("Expected future_self_short to be planned")
	}
	if want := h.at(2024, 5, 9, 10); !fss.NextPlanned.Equal(want) {
		t.Errorf("Expected future_self_short at %v, got %v", want, fss.NextPlanned)
	}

	// Day 9: the user finishes the short future-self dialog.
	h.clock.Set(h.at(2024, 5, 9, 10).Add(30 * time.Minute))
	if tag := h.complete(t, user, store.FutureSelfShort); tag != store.TagTracking {
		t.Errorf("Expected to stay in tracking, got %s", tag)
	}

	// Day 10 tick: tracking hands over, goals-setting dispatches immediately.
	h.clock.Set(h.date(2024, 5, 10).Add(10 * time.Minute))
	if tag := h.newDay(t, user); tag != store.TagGoalsSetting {
		t.Errorf("Expected goals-setting on day 10, got %s", tag)
	}
	gs := h.lastState(t, user, store.GoalSetting)
	if gs == nil || gs.NextPlanned == nil {
		t.Fatal("Expected goal_setting to be planned")
	}
	if !gs.NextPlanned.Equal(h.clock.Now()) {
		t.Errorf("Expected goal_setting dispatched immediately at %v, got %v", h.clock.Now(), gs.NextPlanned)
	}

	// Goal set: the whole calendar goes out.
	h.clock.Set(h.at(2024, 5, 10, 10).Add(5 * time.Minute))
	h.complete(t, user, store.GoalSetting)

	ga := h.lastState(t, user, store.GeneralActivity)
	if ga == nil || ga.NextPlanned == nil {
		t.Fatal("Expected buffer general_activity to be planned")
	}
	if want := h.at(2024, 5, 15, 10); !ga.NextPlanned.Equal(want) {
		t.Errorf("Expected general_activity on day 15 at %v, got %v", want, ga.NextPlanned)
	}
	ei := h.lastState(t, user, store.ExecutionIntroduction)
	if ei == nil || ei.NextPlanned == nil {
		t.Fatal("Expected execution_introduction to be planned")
	}
	if want := h.at(2024, 6, 5, 10); !ei.NextPlanned.Equal(want) {
		t.Errorf("Expected execution_introduction on quit date at %v, got %v", want, ei.NextPlanned)
	}
	if got := countRows(t, h, user, store.PANotification); got != 110 {
		t.Errorf("Expected 110 pa notifications (May 11 through Aug 28), got %d", got)
	}

	if tag := h.complete(t, user, store.FirstAidKitVideo); tag != store.TagBuffer {
		t.Errorf("Expected buffer after first_aid_kit_video, got %s", tag)
	}
	if got := h.storedPhase(t, user); got != store.TagBuffer {
		t.Errorf("Expected persisted phase buffer, got %s", got)
	}

	// Quit date arrives.
	h.clock.Set(h.date(2024, 6, 5).Add(10 * time.Minute))
	if tag := h.newDay(t, user); tag != store.TagExecutionRun {
		t.Errorf("Expected execution-run on quit date, got %s", tag)
	}
	if week := h.executionWeek(t, user); week != 1 {
		t.Errorf("Expected execution week 1, got %d", week)
	}

	// One week after the quit date the counter bumps; the day after it holds.
	h.clock.Set(h.date(2024, 6, 12).Add(10 * time.Minute))
	h.newDay(t, user)
	if week := h.executionWeek(t, user); week != 2 {
		t.Errorf("Expected execution week 2 on the quit weekday, got %d", week)
	}
	h.clock.Set(h.date(2024, 6, 13).Add(10 * time.Minute))
	h.newDay(t, user)
	if week := h.executionWeek(t, user); week != 2 {
		t.Errorf("Expected execution week to hold at 2, got %d", week)
	}

	// Relapse: the user reaches for the relapse dialog and moves the quit
	// date during it.
	h.clock.Set(h.at(2024, 6, 13, 11))
	if tag := h.userTrigger(t, user, store.RelapseDialog); tag != store.TagRelapse {
		t.Errorf("Expected relapse after relapse trigger, got %s", tag)
	}
	if err := h.store.UpdateQuitDate(context.Background(), user, h.date(2024, 6, 20)); err != nil {
		t.Fatalf("UpdateQuitDate failed: %v", err)
	}
	if tag := h.complete(t, user, store.RelapseDialog); tag != store.TagBuffer {
		t.Errorf("Expected buffer after relapse with future quit date, got %s", tag)
	}

	bq := h.lastState(t, user, store.BeforeQuitNotification)
	if bq == nil || bq.NextPlanned == nil {
		t.Fatal("Expected before_quit_notification to be planned")
	}
	if want := h.at(2024, 6, 19, 10); !bq.NextPlanned.Equal(want) {
		t.Errorf("Expected before_quit_notification at %v, got %v", want, bq.NextPlanned)
	}
	qd := h.lastState(t, user, store.QuitDateNotification)
	if qd == nil || qd.NextPlanned == nil {
		t.Fatal("Expected quit_date_notification to be planned")
	}
	if want := h.at(2024, 6, 20, 10); !qd.NextPlanned.Equal(want) {
		t.Errorf("Expected quit_date_notification at %v, got %v", want, qd.NextPlanned)
	}

	// The new quit date arrives and execution resumes.
	h.clock.Set(h.date(2024, 6, 20).Add(10 * time.Minute))
	if tag := h.newDay(t, user); tag != store.TagExecutionRun {
		t.Errorf("Expected execution-run on the new quit date, got %s", tag)
	}
}

// TestWeeklyReflectionDecidesProgramEnd drives the reflection branch through
// a lazily restored controller, the way a failover node would see it.
func TestWeeklyReflectionDecidesProgramEnd(t *testing.T) {
	t.Run("week three plans future self", func(t *testing.T) {
		h := newHarness(t, time.Date(2024, 8, 28, 9, 0, 0, 0, mustLoc(t)))
		seedExecutionUser(t, h, 1, 3)

		if tag := h.complete(t, 1, store.WeeklyReflection); tag != store.TagExecutionRun {
			t.Errorf("Expected to stay in execution-run, got %s", tag)
		}
		fss := h.lastState(t, 1, store.FutureSelfShort)
		if fss == nil || fss.NextPlanned == nil {
			t.Fatal("Expected future_self_short to be planned in week 3")
		}
		if !fss.NextPlanned.Equal(h.clock.Now()) {
			t.Errorf("Expected immediate dispatch at %v, got %v", h.clock.Now(), fss.NextPlanned)
		}
	})

	t.Run("week twelve closes the program", func(t *testing.T) {
		h := newHarness(t, time.Date(2024, 8, 28, 9, 0, 0, 0, mustLoc(t)))
		seedExecutionUser(t, h, 1, 12)

		if tag := h.complete(t, 1, store.WeeklyReflection); tag != store.TagClosing {
			t.Errorf("Expected closing after week 12 reflection, got %s", tag)
		}
		cd := h.lastState(t, 1, store.ClosingDialog)
		if cd == nil || cd.NextPlanned == nil {
			t.Fatal("Expected closing_dialog to be planned")
		}
		if want := h.at(2024, 8, 29, 10); !cd.NextPlanned.Equal(want) {
			t.Errorf("Expected closing_dialog tomorrow at %v, got %v", want, cd.NextPlanned)
		}
		if got := h.storedPhase(t, 1); got != store.TagClosing {
			t.Errorf("Expected persisted phase closing, got %s", got)
		}
	})
}

// seedExecutionUser persists a user already in the execution weeks without
// going through the registry, so Dispatch restores the controller lazily.
func seedExecutionUser(t *testing.T, h *harness, id int64, week int) {
	t.Helper()
	ctx := context.Background()

	user := &store.User{
		ID:         id,
		StartDate:  h.date(2024, 5, 1),
		QuitDate:   h.date(2024, 6, 5),
		PAGroup:    1,
		EnrolledAt: h.clock.Now(),
	}
	prefs := &store.Preferences{UserID: id, Daypart: "morning"}
	if err := h.store.CreateUser(ctx, user, prefs); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := h.store.SetPhaseState(ctx, id, store.TagExecutionRun); err != nil {
		t.Fatalf("SetPhaseState failed: %v", err)
	}
	if err := h.store.SetExecutionWeek(ctx, id, week); err != nil {
		t.Fatalf("SetExecutionWeek failed: %v", err)
	}
}

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}
