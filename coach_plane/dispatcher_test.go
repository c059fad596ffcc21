package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
	"github.com/quitflow/coachplane/coach_plane/trigger"
)

func hasStage(events []timeline.Event, stage string) bool {
	for _, ev := range events {
		if ev.Stage == stage {
			return true
		}
	}
	return false
}

func TestDeliverPostsTrigger(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	task := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", h.clock.Now())
	if err := d.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask failed: %v", err)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("Expected 1 delivery, got %d", got)
	}
	if !hasStage(h.timeline.EventsFor(7), timeline.StageDelivered) {
		t.Error("Expected a DELIVERED timeline event")
	}
}

func TestDeliverAbsorbsDuplicate(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	eta := h.clock.Now()
	first := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", eta)
	if err := d.HandleTask(context.Background(), first); err != nil {
		t.Fatalf("first HandleTask failed: %v", err)
	}

	// Same scheduling decision redelivered, for example by an outbox replay.
	dup := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", eta)
	if err := d.HandleTask(context.Background(), dup); err != nil {
		t.Fatalf("duplicate HandleTask failed: %v", err)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("Expected duplicate to be absorbed, got %d deliveries", got)
	}
}

func TestDeliverBreakerOpenDefers(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	deps := h.dispatcherDeps()
	deps.Breaker = trigger.NewCircuitBreaker(1, time.Hour)
	deps.Breaker.RecordFailure()
	d := NewDispatcher(deps, 0, 5)

	task := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", h.clock.Now())
	err := d.HandleTask(context.Background(), task)
	if err == nil {
		t.Fatal("Expected an error while the circuit is open")
	}
	if !faults.Is(err, faults.DeliveryFailure) {
		t.Errorf("Expected a delivery failure, got %v", err)
	}
	if got := h.sink.count(); got != 0 {
		t.Errorf("Expected no delivery attempt, got %d", got)
	}
}

func TestDeliverRateLimited(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	deps := h.dispatcherDeps()
	deps.Limiter = trigger.NewUserLimiter(1.0/3600, 1)
	d := NewDispatcher(deps, 0, 5)

	first := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", h.clock.Now())
	if err := d.HandleTask(context.Background(), first); err != nil {
		t.Fatalf("first HandleTask failed: %v", err)
	}

	second := taskqueue.NewDeliverTask(7, "EXTERNAL_general_activity", h.clock.Now())
	err := d.HandleTask(context.Background(), second)
	if err == nil {
		t.Fatal("Expected the second delivery to be rate limited")
	}
	if !faults.Is(err, faults.DeliveryFailure) {
		t.Errorf("Expected a delivery failure, got %v", err)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("Expected 1 delivery, got %d", got)
	}
}

func TestDeliverSinkFailureReturnsError(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	h.sink.fail(errors.New("front end down"))
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	task := taskqueue.NewDeliverTask(7, "EXTERNAL_goal_setting", h.clock.Now())
	if err := d.HandleTask(context.Background(), task); err == nil {
		t.Fatal("Expected the sink error to propagate for retry")
	}
	if !hasStage(h.timeline.EventsFor(7), timeline.StageDeliveryFailed) {
		t.Error("Expected a DELIVERY_FAILED timeline event")
	}

	// The failed fingerprint was not marked; a retry still goes out.
	h.sink.fail(nil)
	if err := d.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("retry HandleTask failed: %v", err)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("Expected the retry to deliver, got %d", got)
	}
}

func TestNewDayBroadcastsAndRearms(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	h.enroll(t, 1, h.date(2024, 5, 1), h.date(2024, 6, 5), "morning", nil)
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	before := h.depth(t)
	tick := taskqueue.NewDayTask(h.clock.Now())
	if err := d.HandleTask(context.Background(), tick); err != nil {
		t.Fatalf("HandleTask failed: %v", err)
	}

	// The next tick is armed in the background after the handler returns.
	waitFor(t, func() bool { return h.depth(t) == before+1 }, "next daily tick was not scheduled")

	due, err := h.queue.Due(context.Background(), h.date(2024, 5, 2).Add(6*time.Minute), 100)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	var found *taskqueue.Task
	for _, task := range due {
		if task.Kind == taskqueue.KindNewDay {
			found = task
		}
	}
	if found == nil {
		t.Fatal("Expected a pending new-day task")
	}
	if want := h.date(2024, 5, 2).Add(5 * time.Minute); !found.ETA.Equal(want) {
		t.Errorf("Expected next tick at %v, got %v", want, found.ETA)
	}
}

func TestNextTick(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	cases := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{"before today's tick", h.date(2024, 5, 1).Add(4 * time.Minute), h.date(2024, 5, 1).Add(5 * time.Minute)},
		{"exactly at the tick", h.date(2024, 5, 1).Add(5 * time.Minute), h.date(2024, 5, 2).Add(5 * time.Minute)},
		{"after the tick", h.at(2024, 5, 1, 9), h.date(2024, 5, 2).Add(5 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.NextTick(tc.after); !got.Equal(tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestUnknownTaskKindAcked(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 1, 9, 0, 0, 0, mustLoc(t)))
	d := NewDispatcher(h.dispatcherDeps(), 0, 5)

	task := &taskqueue.Task{ID: "bogus-1", Kind: taskqueue.Kind("bogus")}
	if err := d.HandleTask(context.Background(), task); err != nil {
		t.Errorf("Expected unknown kinds to be dropped without error, got %v", err)
	}
}
