package outbox

import (
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
)

// State is the lifecycle state of an outbox record.
type State string

const (
	// StatePending marks a record written inside the business transaction
	// and not yet acknowledged by the broker.
	StatePending State = "PENDING"
	// StateSent marks a record the broker acknowledged. Sent records are
	// kept for audit and replay until the pruner removes them.
	StateSent State = "SENT"
)

// Record owns one envelope plus the relay bookkeeping. Records are created
// in the same local transaction as the originating state mutation and are
// mutated only by the relay (Pending → Sent).
type Record struct {
	Envelope  envelope.Envelope `bson:"envelope"`
	Topic     string            `bson:"topic"`
	State     State             `bson:"state"`
	CreatedAt time.Time         `bson:"createdAt"`
	SentAt    *time.Time        `bson:"sentAt,omitempty"`

	// Attempts counts relay claims; useful when inspecting stuck rows.
	Attempts int32 `bson:"attempts"`
	// ClaimExpiresAt is the row-level claim that keeps multiple relay
	// replicas from publishing the same record concurrently. Stored as the
	// zero time on append so fresh records are immediately claimable.
	ClaimExpiresAt time.Time `bson:"claimExpiresAt"`
}
