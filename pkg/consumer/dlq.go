package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"go.uber.org/zap"
)

// DeadLetterPayload wraps a poison message with its failure diagnostics so
// operators can inspect and replay it.
type DeadLetterPayload struct {
	Original     envelope.Envelope `json:"original"`
	ConsumerName string            `json:"consumer_name"`
	Queue        string            `json:"queue"`
	Error        string            `json:"error"`
	FailedAt     time.Time         `json:"failed_at"`
}

// PayloadTypeDeadLetter is the payload type of dead-letter envelopes.
const PayloadTypeDeadLetter = "messaging.deadletter"

type dlqHandler interface {
	SendToDLQ(ctx context.Context, e envelope.Envelope, processingErr error) error
}

type deadLetterer struct {
	publisher    transport.Publisher
	topic        string
	consumerName string
	queue        string
	log          *zap.Logger
}

func newDeadLetterer(publisher transport.Publisher, conf Config, log *zap.Logger) dlqHandler {
	if conf.DeadLetterTopic == "" || publisher == nil {
		return &noopDeadLetterer{log: log}
	}
	return &deadLetterer{
		publisher:    publisher,
		topic:        conf.DeadLetterTopic,
		consumerName: conf.Name,
		queue:        conf.Queue,
		log:          log,
	}
}

// SendToDLQ publishes the poison message wrapped with diagnostics. The
// dead-letter envelope follows the original, so the causal chain of the
// flow stays intact for whoever replays it. A failed publish is returned to
// the caller: the original message must not be acknowledged until its
// dead-letter record durably exists.
func (h *deadLetterer) SendToDLQ(ctx context.Context, e envelope.Envelope, processingErr error) error {
	dead, err := envelope.Follow(e, PayloadTypeDeadLetter, DeadLetterPayload{
		Original:     e,
		ConsumerName: h.consumerName,
		Queue:        h.queue,
		Error:        processingErr.Error(),
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to build dead-letter envelope for %s: %w", e.MessageID, err)
	}

	if err := h.publisher.Publish(ctx, h.topic, dead); err != nil {
		return fmt.Errorf("failed to publish to dead-letter topic %s: %w", h.topic, err)
	}

	h.log.Info("message sent to dead-letter topic",
		zap.String("dlq_topic", h.topic),
		zap.String("message_id", e.MessageID),
		zap.String("payload_type", e.PayloadType))
	return nil
}

type noopDeadLetterer struct {
	log *zap.Logger
}

func (h *noopDeadLetterer) SendToDLQ(ctx context.Context, e envelope.Envelope, processingErr error) error {
	h.log.Warn("dead-letter topic not configured, dropping poison message",
		zap.String("message_id", e.MessageID),
		zap.String("payload_type", e.PayloadType),
		zap.Error(processingErr))
	return nil
}
