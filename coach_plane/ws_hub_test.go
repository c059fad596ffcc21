package main

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewEventHub(zap.NewNop())

	// No Run loop draining the buffer: once full, Publish must drop
	// instead of blocking the caller.
	for i := 0; i < hubBuffer+10; i++ {
		if err := hub.Publish(context.Background(), "coach.test", map[string]int{"i": i}); err != nil {
			t.Fatalf("Publish returned %v on event %d", err, i)
		}
	}
}

func TestHubPublishRejectsBadPayload(t *testing.T) {
	hub := NewEventHub(zap.NewNop())

	if err := hub.Publish(context.Background(), "coach.test", make(chan int)); err == nil {
		t.Error("Expected a marshal error for an unencodable payload")
	}
}
