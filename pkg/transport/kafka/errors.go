package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type readErrorKind int

const (
	readErrorTimeout readErrorKind = iota
	readErrorFatal
	readErrorTopicNotFound
	readErrorBrokerConnection
	readErrorLeaderElection
	readErrorRetriable
	readErrorUnknown
)

// readError classifies a consumer read failure so the reader loop knows
// whether to keep polling, wait, or give up on the consumer instance.
type readError struct {
	err  error
	kind readErrorKind
}

func (e *readError) Error() string {
	return e.err.Error()
}

func (e *readError) Unwrap() error {
	return e.err
}

func (e *readError) isTimeout() bool {
	return e.kind == readErrorTimeout
}

// isFatal reports whether the consumer instance is no longer operable.
func (e *readError) isFatal() bool {
	return e.kind == readErrorFatal
}

// retryAfter returns how long the reader should wait before polling again.
func (e *readError) retryAfter() time.Duration {
	switch e.kind {
	case readErrorTopicNotFound:
		return 10 * time.Second
	case readErrorBrokerConnection:
		return 5 * time.Second
	case readErrorLeaderElection:
		return 2 * time.Second
	case readErrorRetriable:
		return time.Second
	default:
		return 0
	}
}

func classifyReadError(err error) *readError {
	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		return &readError{err: err, kind: readErrorUnknown}
	}

	if kafkaErr.IsTimeout() {
		return &readError{err: err, kind: readErrorTimeout}
	}
	if kafkaErr.IsFatal() {
		return &readError{
			err:  fmt.Errorf("fatal kafka error, consumer instance is no longer operable: %w", err),
			kind: readErrorFatal,
		}
	}

	switch kafkaErr.Code() {
	case kafka.ErrUnknownTopicOrPart:
		return &readError{err: err, kind: readErrorTopicNotFound}
	case kafka.ErrTransport, kafka.ErrAllBrokersDown, kafka.ErrNetworkException:
		return &readError{err: err, kind: readErrorBrokerConnection}
	case kafka.ErrLeaderNotAvailable, kafka.ErrNotLeaderForPartition:
		return &readError{err: err, kind: readErrorLeaderElection}
	}

	if kafkaErr.IsRetriable() {
		return &readError{err: err, kind: readErrorRetriable}
	}
	return &readError{err: err, kind: readErrorUnknown}
}
