package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// PanicError is a handler panic converted into a permanent error.
type PanicError struct {
	Panic any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Panic)
}

// retryExecutor re-delivers a failing invocation in-process, up to the
// configured attempt count, before the caller routes the message to the
// dead-letter path.
type retryExecutor struct {
	conf RetryConfig
	log  *zap.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func newRetryExecutor(conf RetryConfig, log *zap.Logger) *retryExecutor {
	return &retryExecutor{
		conf:  conf,
		log:   log,
		sleep: sleep,
	}
}

// backoffDuration computes the delay before retrying after the given failed
// attempt (1-based): min(maxInterval, minInterval + intervalDelta×(attempt−1)).
func (r *retryExecutor) backoffDuration(attempt int) time.Duration {
	d := r.conf.MinInterval + r.conf.IntervalDelta*time.Duration(attempt-1)
	if d > r.conf.MaxInterval {
		return r.conf.MaxInterval
	}
	return d
}

// Execute runs fn for the initial delivery plus up to Count retries.
// Permanent and skip errors short-circuit; panics are treated as permanent
// (they indicate a bug, not a flaky dependency).
func (r *retryExecutor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.conf.Count + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.executeWithPanicRecovery(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSkipMessage) || errors.Is(err, ErrPermanent) {
			return err
		}

		lastErr = err
		r.logError(err, attempt)

		if attempt == attempts {
			break
		}
		r.sleep(ctx, r.backoffDuration(attempt))
	}
	return fmt.Errorf("max retry attempts reached: %w", lastErr)
}

func (r *retryExecutor) executeWithPanicRecovery(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPermanent, &PanicError{
				Panic: rec,
				Stack: debug.Stack(),
			})
		}
	}()
	return fn(ctx)
}

func (r *retryExecutor) logError(err error, attempt int) {
	fields := []zap.Field{
		zap.Int("attempt", attempt),
		zap.Int("retry_count", r.conf.Count),
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		fields = append(fields,
			zap.Any("panic", panicErr.Panic),
			zap.ByteString("stack", panicErr.Stack))
	} else {
		fields = append(fields, zap.Error(err))
	}
	r.log.Error("failed to process message", fields...)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
