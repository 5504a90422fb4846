package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures BreakerSender.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
}

// BreakerSender fails fast with gobreaker.ErrOpenState while the wrapped
// sender keeps failing.
type BreakerSender struct {
	inner   EmailSender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSender(inner EmailSender, cfg BreakerConfig, logger zerolog.Logger) *BreakerSender {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "email",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &BreakerSender{inner: inner, breaker: cb}
}

func (b *BreakerSender) SendEmail(ctx context.Context, to, subject, body string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.SendEmail(ctx, to, subject, body)
	})
	return err
}

// State reports the breaker state ("closed", "open" or "half-open").
func (b *BreakerSender) State() string {
	return b.breaker.State().String()
}
