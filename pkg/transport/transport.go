// Package transport defines the broker boundary of the delivery core.
// Brokers are assumed to deliver at least once, possibly reordered and
// duplicated; everything above this boundary is built on that assumption.
package transport

import (
	"context"
	"errors"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
)

// ErrRequeue tells the transport to redeliver the message later instead of
// acknowledging it. Used when delivery is deferred (e.g. an open circuit),
// never for failures that already reached a terminal outcome.
var ErrRequeue = errors.New("requeue message")

// Publisher publishes envelopes to a topic. Publish returns only after the
// broker acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, e envelope.Envelope) error
}

// Handler processes one delivered envelope. A nil return acknowledges the
// message; ErrRequeue defers it; any other error is a handler bug, since
// retry, dedup and dead-lettering are resolved before the handler returns.
type Handler func(ctx context.Context, e envelope.Envelope) error

// SubscribeOptions bound the delivery pipeline of one subscription.
type SubscribeOptions struct {
	// Prefetch is the number of messages fetched ahead of processing.
	Prefetch int
	// ConcurrencyLimit is the maximum number of in-flight deliveries.
	ConcurrencyLimit int
}

// Normalized applies defaults and keeps the pipeline from starving: a
// prefetch below the concurrency limit is forced up to twice the limit.
func (o SubscribeOptions) Normalized() SubscribeOptions {
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 1
	}
	if o.Prefetch < o.ConcurrencyLimit {
		o.Prefetch = 2 * o.ConcurrencyLimit
	}
	return o
}

// Subscription is a handle to an active subscription.
type Subscription interface {
	// Close stops intake and waits for in-flight deliveries to drain until
	// ctx is cancelled.
	Close(ctx context.Context) error
}

// Subscriber attaches handlers to broker queues.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, h Handler, opts SubscribeOptions) (Subscription, error)
}
