package adapter

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker around a broadcaster
type BreakerSettings struct {
	Name                string
	MaxRequests         uint32        // Trial calls allowed while half-open
	Interval            time.Duration // Closed-state count reset period
	Timeout             time.Duration // Open-state duration before probing
	ConsecutiveFailures uint32        // Failures that trip the breaker
}

// DefaultBreakerSettings returns the settings used by the server
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "staking-broadcaster",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerBroadcaster stops calling an unhealthy chain endpoint after
// repeated failures and fails fast until a trial call succeeds
type BreakerBroadcaster struct {
	next Broadcaster
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerBroadcaster wraps next with a circuit breaker
func NewBreakerBroadcaster(next Broadcaster, s BreakerSettings) *BreakerBroadcaster {
	logger := logging.WithField("component", "broadcaster_breaker")
	metrics.BreakerState.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))

	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// A missing signer is a caller problem, not an endpoint failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrSignerUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.WithFields(map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("broadcaster circuit breaker state changed")
		},
	}

	return &BreakerBroadcaster{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Broadcast implements Broadcaster
func (b *BreakerBroadcaster) Broadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Broadcast(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", NewAdapterError("CircuitBreaker", err, map[string]interface{}{"state": b.cb.State().String()})
		}
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state, for health output
func (b *BreakerBroadcaster) State() string {
	return b.cb.State().String()
}
