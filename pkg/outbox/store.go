package outbox

import (
	"context"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
)

// Store is the durable outbox table.
type Store interface {
	// Append writes the envelope as a Pending record. Call it with the same
	// transaction context as the business mutation (see persistence.TxManager)
	// so the event is never silently lost: if the append fails, the whole
	// transaction fails.
	Append(ctx context.Context, e envelope.Envelope, topic string) error

	// FetchPending claims and returns up to batchSize Pending records,
	// oldest first. Claimed records are invisible to other relay replicas
	// until the claim expires, so replicas never double-publish the same
	// batch.
	FetchPending(ctx context.Context, batchSize int) ([]Record, error)

	// MarkSent transitions a record to Sent. Marking an already-Sent record
	// is a no-op.
	MarkSent(ctx context.Context, messageID string) error

	// PruneSent deletes Sent records older than the cutoff and returns how
	// many were removed.
	PruneSent(ctx context.Context, olderThan time.Time) (int64, error)
}
