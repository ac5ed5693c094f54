package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Publisher publishes envelopes to Kafka topics. Publish is synchronous: it
// returns only after the broker acknowledged the delivery, which is what the
// outbox relay relies on before marking a record sent.
type Publisher struct {
	producer *kafka.Producer
	log      *zap.Logger
}

func NewPublisher(conf Config, log *zap.Logger) (*Publisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  conf.Brokers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Publisher{producer: p, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid envelope: %w", err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope %s: %w", e.MessageID, err)
	}

	// Keyed by correlation id so one logical flow stays on one partition.
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.CorrelationID),
		Value:          body,
		Headers:        messageHeaders(e),
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, deliveryChan); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event for topic %s: %v", topic, ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver message to %s: %w", topic, m.TopicPartition.Error)
		}
		p.log.Debug("message delivered",
			zap.String("message_id", e.MessageID),
			zap.String("topic", topic),
			zap.Int32("partition", m.TopicPartition.Partition))
		return nil
	}
}

// Close flushes buffered messages and releases the producer.
func (p *Publisher) Close() {
	p.producer.Close()
}
