package kafka

import (
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const (
	headerMessageID     = "message-id"
	headerCorrelationID = "correlation-id"
	headerCausationID   = "causation-id"
	headerPayloadType   = "payload-type"
	headerOccurredAt    = "occurred-at"
)

// messageHeaders mirrors the envelope metadata into Kafka headers so
// consumers that never parse the body (DLQ tooling, log taps) can still see
// what the message is.
func messageHeaders(e envelope.Envelope) []kafka.Header {
	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(e.MessageID)},
		{Key: headerCorrelationID, Value: []byte(e.CorrelationID)},
		{Key: headerPayloadType, Value: []byte(e.PayloadType)},
		{Key: headerOccurredAt, Value: []byte(e.OccurredAt.UTC().Format(time.RFC3339Nano))},
	}
	if e.CausationID != "" {
		headers = append(headers, kafka.Header{Key: headerCausationID, Value: []byte(e.CausationID)})
	}
	return headers
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
