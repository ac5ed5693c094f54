// Package inbox records which messages each consumer already processed,
// turning the broker's at-least-once delivery into at-most-once effects.
package inbox

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyProcessed is returned by MarkProcessed when the (message,
// consumer) pair exists. Under a race between two concurrent deliveries of
// the same message, exactly one insert wins; the loser gets this error and
// must skip its side effect's acknowledgement path as a duplicate.
var ErrAlreadyProcessed = errors.New("message already processed")

// Record is proof that a consumer processed a message. Its existence means
// the side effect ran; its absence does not prove it didn't (a crash between
// side-effect commit and inbox commit leaves a bounded duplicate window).
type Record struct {
	MessageID    string    `bson:"messageId"`
	ConsumerName string    `bson:"consumerName"`
	ProcessedAt  time.Time `bson:"processedAt"`
}

// Store is the durable idempotency table.
type Store interface {
	// HasProcessed reports whether the consumer already handled the message.
	HasProcessed(ctx context.Context, messageID, consumerName string) (bool, error)

	// MarkProcessed records the pair, returning ErrAlreadyProcessed if it
	// exists. Call it with the side effect's transaction context when the
	// storage technology allows committing both atomically.
	MarkProcessed(ctx context.Context, messageID, consumerName string, whenUTC time.Time) error
}
