package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/quitflow/coachplane/coach_plane/store"
)

// Full happy path: enrollment on 2024-05-01 with preferred hour 10, each
// completion planning the next step, ending with the short future-self dialog
// on day 9 and the handover to tracking.
func TestOnboardingChain(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	start := f.date(2024, time.May, 1)
	f.enroll(t, 1, start, f.date(2024, time.May, 15), nil, "morning")

	s := f.state(t, store.TagOnboarding, 1)
	tr, err := s.Run(context.Background())
	mustKeep(t, tr, err)
	if f.lastRow(t, 1, store.PreparationIntroduction) == nil {
		t.Fatal("entry must plan preparation_introduction")
	}

	mustKeep(t, f.complete(t, s, store.PreparationIntroduction), nil)
	if f.lastRow(t, 1, store.ProfileCreation) == nil {
		t.Fatal("preparation_introduction completion must plan profile_creation")
	}

	mustKeep(t, f.complete(t, s, store.ProfileCreation), nil)
	if f.lastRow(t, 1, store.MedicationTalk) == nil {
		t.Fatal("profile_creation completion must plan medication_talk")
	}

	mustKeep(t, f.complete(t, s, store.MedicationTalk), nil)
	if f.lastRow(t, 1, store.TrackBehavior) == nil {
		t.Fatal("medication_talk completion must plan track_behavior")
	}
	// Daily tracking reminders from tomorrow through start+8, inclusive:
	// 2024-05-02 .. 2024-05-09 at the preferred hour.
	notifs := f.rowsFor(t, 1, store.TrackNotification)
	if len(notifs) != 8 {
		t.Fatalf("expected 8 track notifications, got %d", len(notifs))
	}
	if !notifs[0].NextPlanned.Equal(f.at(2024, time.May, 2, 10)) {
		t.Errorf("first notification at %s", notifs[0].NextPlanned)
	}
	if !notifs[7].NextPlanned.Equal(f.at(2024, time.May, 9, 10)) {
		t.Errorf("last notification at %s", notifs[7].NextPlanned)
	}

	mustKeep(t, f.complete(t, s, store.TrackBehavior), nil)
	if f.lastRow(t, 1, store.FutureSelfLong) == nil {
		t.Fatal("track_behavior completion must plan future_self_long")
	}

	tr = f.complete(t, s, store.FutureSelfLong)
	mustMove(t, tr, nil, store.TagTracking)
	f.plannedFor(t, 1, store.FutureSelfShort, f.at(2024, time.May, 9, 10))
}

func TestOnboardingRecordsCompletionsWithPreparationPhase(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	f.enroll(t, 1, f.date(2024, time.May, 1), f.date(2024, time.May, 15), nil, "morning")

	s := f.state(t, store.TagOnboarding, 1)
	f.complete(t, s, store.PreparationIntroduction)

	rows := f.rowsFor(t, 1, store.PreparationIntroduction)
	var completed *store.ComponentState
	for _, r := range rows {
		if r.Completed {
			completed = r
		}
	}
	if completed == nil {
		t.Fatal("completion row missing")
	}
	if completed.Phase != store.PhasePreparation {
		t.Errorf("phase = %d, want %d", completed.Phase, store.PhasePreparation)
	}
}

// A completion with no branch in this phase is recorded and acknowledged
// without a transition.
func TestOnboardingIgnoresUnexpectedCompletion(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	f.enroll(t, 1, f.date(2024, time.May, 1), f.date(2024, time.May, 15), nil, "morning")

	s := f.state(t, store.TagOnboarding, 1)
	mustKeep(t, f.complete(t, s, store.WeeklyReflection), nil)

	rows := f.rowsFor(t, 1, store.WeeklyReflection)
	if len(rows) != 1 || !rows[0].Completed {
		t.Fatalf("expected one completed row, got %v", rows)
	}
	// No follow-up planned.
	if got := f.rowsFor(t, 1, store.GeneralActivity); len(got) != 0 {
		t.Errorf("unexpected follow-up rows: %v", got)
	}
}

// Late medication talk: no tracking notifications remain when tomorrow is
// already past start+8.
func TestOnboardingNotificationWindowCanBeEmpty(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC))
	f.enroll(t, 1, f.date(2024, time.May, 1), f.date(2024, time.May, 15), nil, "morning")

	s := f.state(t, store.TagOnboarding, 1)
	mustKeep(t, f.complete(t, s, store.MedicationTalk), nil)

	if got := f.rowsFor(t, 1, store.TrackNotification); len(got) != 0 {
		t.Fatalf("expected no notifications, got %d", len(got))
	}
	if f.lastRow(t, 1, store.TrackBehavior) == nil {
		t.Error("track_behavior still must be planned")
	}
}
