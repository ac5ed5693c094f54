package consumer

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// newCircuitBreaker builds the breaker guarding one consumer group. It
// opens on a failure-ratio breach over a sliding window and half-opens with
// a single probe delivery after the break elapses.
func newCircuitBreaker(name string, conf CircuitBreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    conf.SamplingDuration,
		Timeout:     conf.DurationOfBreak,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(conf.MinimumThroughput) {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= conf.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Skipped messages and shutdown interruptions say nothing about the
		// health of the dependency behind the handler.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrSkipMessage) ||
				errors.Is(err, context.Canceled)
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
