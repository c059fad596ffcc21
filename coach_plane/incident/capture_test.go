package incident

import (
	"context"
	"testing"
	"time"

	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

type fixedDepth struct{ depth int }

func (f *fixedDepth) Depth(ctx context.Context) (int, error) { return f.depth, nil }

func seedUser(t *testing.T, s *store.MemoryStore, userID int64) {
	t.Helper()
	user := &store.User{
		ID:        userID,
		StartDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
	}
	if err := s.CreateUser(context.Background(), user, &store.Preferences{UserID: userID}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func TestCaptureSnapshotsUser(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tl := timeline.NewStore()
	seedUser(t, s, 41)

	state := &store.ComponentState{UserID: 41, ComponentID: 3, Phase: store.PhasePreparation}
	entry := &store.OutboxEntry{UserID: 41, Trigger: "EXTERNAL_profile_creation", ETA: time.Now()}
	if err := s.PlanComponent(ctx, state, entry); err != nil {
		t.Fatalf("PlanComponent: %v", err)
	}
	tl.Record(41, timeline.StagePlanned, "profile_creation")
	tl.Record(41, timeline.StageDeliveryFailed, "sink timeout")

	report, err := Capture(ctx, s, tl, &fixedDepth{depth: 7}, 41, "delivery retries exhausted")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if report == nil {
		t.Fatal("Expected a report, got nil")
	}
	if report.UserID != 41 {
		t.Errorf("Expected user 41, got %d", report.UserID)
	}
	if report.User == nil || report.User.ID != 41 {
		t.Errorf("Expected user row in report, got %+v", report.User)
	}
	if report.Controller == nil || report.Controller.State != store.TagOnboarding {
		t.Errorf("Expected onboarding controller state, got %+v", report.Controller)
	}
	if len(report.RecentState) != 1 {
		t.Errorf("Expected 1 component row, got %d", len(report.RecentState))
	}
	if len(report.Timeline) != 2 {
		t.Errorf("Expected 2 timeline events, got %d", len(report.Timeline))
	}
	if report.QueueDepth != 7 {
		t.Errorf("Expected queue depth 7, got %d", report.QueueDepth)
	}
	if report.Reason != "delivery retries exhausted" {
		t.Errorf("Unexpected reason %q", report.Reason)
	}
	if report.ID == "" {
		t.Error("Expected a report ID")
	}
}

func TestCaptureUnknownUser(t *testing.T) {
	s := store.NewMemoryStore()
	report, err := Capture(context.Background(), s, timeline.NewStore(), nil, 99, "whatever")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if report != nil {
		t.Errorf("Expected nil report for unknown user, got %+v", report)
	}
}

func TestLogKeepsNewestFirst(t *testing.T) {
	log := NewLog()
	log.Add(&Report{ID: "a", UserID: 1})
	log.Add(&Report{ID: "b", UserID: 2})
	log.Add(nil)

	reports := log.List()
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	if reports[0].ID != "b" || reports[1].ID != "a" {
		t.Errorf("Expected newest first, got %s then %s", reports[0].ID, reports[1].ID)
	}
}

func TestLogBounded(t *testing.T) {
	log := NewLog()
	for i := 0; i < logCapacity+10; i++ {
		log.Add(&Report{UserID: int64(i)})
	}
	reports := log.List()
	if len(reports) != logCapacity {
		t.Fatalf("Expected %d reports after overflow, got %d", logCapacity, len(reports))
	}
	if reports[0].UserID != int64(logCapacity+9) {
		t.Errorf("Expected newest report user %d, got %d", logCapacity+9, reports[0].UserID)
	}
}
