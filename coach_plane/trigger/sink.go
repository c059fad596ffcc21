package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/observability"
)

// Sink delivers trigger intents to the conversational front end.
type Sink interface {
	Deliver(ctx context.Context, userID int64, trigger string) error
}

// HTTPSink posts trigger intents to the front end's conversation API.
// Any 2xx response counts as accepted; the front end starts the dialog or
// shows the notification asynchronously and reports completion later through
// the event ingress.
type HTTPSink struct {
	baseURL string
	channel string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPSink creates a sink for the given front-end base URL and output
// channel.
func NewHTTPSink(baseURL, channel string, timeout time.Duration, log *zap.Logger) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		channel: channel,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Deliver sends one trigger intent. Transport errors and non-2xx responses
// come back as DeliveryFailure so the queue retries them.
func (s *HTTPSink) Deliver(ctx context.Context, userID int64, trigger string) error {
	const op = "trigger.deliver"

	data, err := json.Marshal(map[string]string{"name": trigger})
	if err != nil {
		return faults.E(faults.DeliveryFailure, op, err)
	}

	url := fmt.Sprintf("%s/conversations/%d/trigger_intent?output_channel=%s", s.baseURL, userID, s.channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return faults.E(faults.DeliveryFailure, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	observability.DeliveryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return faults.Errorf(faults.DeliveryFailure, op, "front end unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.Errorf(faults.DeliveryFailure, op, "front end returned status %d for user %d trigger %s", resp.StatusCode, userID, trigger)
	}

	s.log.Debug("trigger delivered",
		zap.Int64("user_id", userID),
		zap.String("trigger", trigger))
	return nil
}
