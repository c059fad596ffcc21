// Package streaming publishes service events for downstream consumers: the
// research data pipeline subscribes over NATS, the operator dashboard over a
// websocket. Publishing is best effort and never blocks event handling.
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Subjects emitted by the service.
const (
	SubjectTransition = "coach.events.transition"
	SubjectDelivery   = "coach.events.delivery"
)

// Event is the envelope every publisher emits.
type Event struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
	Close() error
}
