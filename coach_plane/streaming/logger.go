package streaming

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// LogPublisher writes events to the service log. Default when no broker is
// configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.log.Info("event published",
		zap.String("subject", subject),
		zap.ByteString("payload", data))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
