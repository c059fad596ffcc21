package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

// NATSPublisher emits events onto a NATS broker. The connection reconnects
// forever; publishes during an outage buffer in the client up to its pending
// limit and fail beyond it.
type NATSPublisher struct {
	conn   *nats.Conn
	source string
	log    *zap.Logger
}

func NewNATSPublisher(url, source string, log *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, source: source, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	env, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    p.source,
	})
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, env); err != nil {
		observability.PublishFailures.WithLabelValues(subject).Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
