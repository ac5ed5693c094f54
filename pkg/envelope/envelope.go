package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire representation of a domain event plus its delivery
// metadata. It is immutable after creation: MessageID is generated once and
// never reused, and it is the sole deduplication key downstream.
type Envelope struct {
	MessageID     string          `json:"message_id" bson:"messageId"`
	CorrelationID string          `json:"correlation_id" bson:"correlationId"`
	CausationID   string          `json:"causation_id,omitempty" bson:"causationId,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at" bson:"occurredAt"`
	PayloadType   string          `json:"payload_type" bson:"payloadType"`
	Payload       json.RawMessage `json:"payload" bson:"payload"`
}

// New creates an envelope for an event that starts a new logical flow.
// The payload is serialized with encoding/json.
func New(payloadType string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload of type %s: %w", payloadType, err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		PayloadType:   payloadType,
		Payload:       body,
	}, nil
}

// Follow creates an envelope caused by a previous event. It shares the
// parent's correlation id and records the parent's message id as causation,
// forming the causal chain of the flow.
func Follow(parent Envelope, payloadType string, payload any) (Envelope, error) {
	e, err := New(payloadType, payload)
	if err != nil {
		return Envelope{}, err
	}
	e.CorrelationID = parent.CorrelationID
	e.CausationID = parent.MessageID
	return e, nil
}

// Validate checks the invariants every envelope must satisfy before it is
// written to the outbox or published.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope message id is empty")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope correlation id is empty")
	}
	if e.PayloadType == "" {
		return fmt.Errorf("envelope payload type is empty")
	}
	return nil
}

// DedupKey returns the key consumers deduplicate on. Normally this is the
// message id; when a transport lost it, the correlation id is used, and as a
// last resort a deterministic digest of the payload identity.
func (e Envelope) DedupKey() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	sum := sha256.Sum256(append([]byte(e.PayloadType+":"), e.Payload...))
	return hex.EncodeToString(sum[:])
}

// DecodePayload unmarshals the event body into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.PayloadType, err)
	}
	return nil
}
