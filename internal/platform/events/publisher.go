// Package events publishes domain notifications (raised compliance alerts)
// to external subscribers: a Redis pub/sub channel for dashboards and signed
// webhook deliveries. Publishing is best effort and never blocks a decision.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher delivers a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// Envelope is the wire form shared by every publisher.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(topic string, payload interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Topic:      topic,
		OccurredAt: now.UTC(),
		Payload:    raw,
	}, nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes each publication to the log. Used when no broker is
// configured so alerts still leave a trace outside the database.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	p.logger.Info().Str("topic", topic).Interface("payload", payload).Msg("event published")
	return nil
}
