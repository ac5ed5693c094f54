package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Subscriber attaches handlers to Kafka topics. Each subscription owns one
// consumer-group member: a reader goroutine feeding a bounded channel (the
// prefetch buffer) and concurrencyLimit worker goroutines invoking the
// handler. Offsets are stored only after the handler reached a terminal
// outcome, so an unacknowledged message is redelivered after a restart.
type Subscriber struct {
	conf Config
	log  *zap.Logger
}

func NewSubscriber(conf Config, log *zap.Logger) *Subscriber {
	return &Subscriber{conf: conf, log: log}
}

func (s *Subscriber) Subscribe(ctx context.Context, queue string, h transport.Handler, opts transport.SubscribeOptions) (transport.Subscription, error) {
	opts = opts.Normalized()

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        s.conf.Brokers,
		"group.id":                 s.conf.GroupID,
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
		"auto.commit.interval.ms":  3000,
		"auto.offset.reset":        s.conf.AutoOffsetReset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer for %s: %w", queue, err)
	}

	log := s.log.With(zap.String("topic", queue))

	rebalanceCb := func(c *kafka.Consumer, event kafka.Event) error {
		switch ev := event.(type) {
		case kafka.AssignedPartitions:
			logPartitionEvent(log, "partitions assigned", ev.Partitions)
		case kafka.RevokedPartitions:
			logPartitionEvent(log, "partitions revoked", ev.Partitions)
		}
		return nil
	}

	if err := consumer.SubscribeTopics([]string{queue}, rebalanceCb); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", queue, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		consumer:     consumer,
		topic:        queue,
		messages:     make(chan *kafka.Message, opts.Prefetch),
		requeueDelay: s.conf.RequeueDelay,
		cancel:       cancel,
		log:          log,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.read(readCtx)
	}()

	for i := 0; i < opts.ConcurrencyLimit; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.work(readCtx, h)
		}()
	}

	return sub, nil
}

func logPartitionEvent(log *zap.Logger, event string, partitions []kafka.TopicPartition) {
	ids := make([]int32, len(partitions))
	for i, p := range partitions {
		ids[i] = p.Partition
	}
	log.Info(event, zap.Int32s("partitions", ids))
}

type subscription struct {
	consumer     *kafka.Consumer
	topic        string
	messages     chan *kafka.Message
	requeueDelay time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	log          *zap.Logger
}

// read polls the broker and feeds the prefetch buffer. Transient broker
// conditions (missing topic, rebalance, connection loss) back off and keep
// polling; only a fatal consumer error stops the reader.
func (s *subscription) read(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := s.consumer.ReadMessage(5 * time.Second)
		if err != nil {
			readErr := classifyReadError(err)
			if readErr.isTimeout() {
				continue
			}
			if readErr.isFatal() {
				s.log.Error("reader stopped", zap.Error(readErr))
				return
			}
			if wait := readErr.retryAfter(); wait > 0 {
				s.log.Warn("read failed, backing off",
					zap.Duration("backoff", wait),
					zap.Error(readErr))
				sleep(ctx, wait)
				continue
			}
			s.log.Error("failed to read message", zap.Error(err))
			continue
		}

		select {
		case <-ctx.Done():
			return
		case s.messages <- msg:
		}
	}
}

// work invokes the handler for each prefetched message. A requeue outcome is
// redelivered in-process after a delay; the offset stays unstored either
// way, so a crash also redelivers via the broker.
func (s *subscription) work(ctx context.Context, h transport.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.messages:
			e := decodeEnvelope(msg)

			for {
				err := h(ctx, e)
				if err == nil {
					s.storeOffset(msg)
					break
				}
				if errors.Is(err, transport.ErrRequeue) {
					sleep(ctx, s.requeueDelay)
					if ctx.Err() != nil {
						return
					}
					continue
				}
				// Retry, dedup and dead-lettering resolve before the handler
				// returns, so anything else is a handler bug. Do not store
				// the offset: the message is redelivered after restart.
				s.log.Error("handler returned unexpected error, offset not stored",
					zap.String("message_id", e.MessageID),
					zap.Error(err))
				break
			}
		}
	}
}

// storeOffset marks the message consumed for the next auto-commit. With
// concurrency above one, completion order and offset order can diverge: a
// crash redelivers a small window of messages, which the inbox absorbs, but
// a message still held in the requeue loop can also be skipped outright if a
// later offset on its partition was stored before the crash. Consumers that
// requeue heavily (long circuit-open periods) should run concurrencyLimit=1.
func (s *subscription) storeOffset(msg *kafka.Message) {
	if _, err := s.consumer.StoreMessage(msg); err != nil {
		s.log.Warn("failed to store offset",
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.Error(err))
	}
}

func (s *subscription) Close(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("subscription drain timed out: %w", ctx.Err())
	}

	if _, err := s.consumer.Commit(); err != nil {
		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) || kafkaErr.Code() != kafka.ErrNoOffset {
			s.log.Warn("failed to commit offsets on shutdown", zap.Error(err))
		}
	}
	return s.consumer.Close()
}

// decodeEnvelope reconstructs the envelope from the message body, falling
// back to headers for metadata a foreign producer put there instead. A
// message with no id anywhere still deduplicates via the envelope's digest
// fallback.
func decodeEnvelope(msg *kafka.Message) envelope.Envelope {
	var e envelope.Envelope
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.PayloadType == "" {
		e = envelope.Envelope{
			PayloadType: headerValue(msg.Headers, headerPayloadType),
			Payload:     msg.Value,
		}
	}
	if e.MessageID == "" {
		e.MessageID = headerValue(msg.Headers, headerMessageID)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = headerValue(msg.Headers, headerCorrelationID)
	}
	if e.CausationID == "" {
		e.CausationID = headerValue(msg.Headers, headerCausationID)
	}
	if e.OccurredAt.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, headerValue(msg.Headers, headerOccurredAt)); err == nil {
			e.OccurredAt = ts
		} else {
			e.OccurredAt = msg.Timestamp
		}
	}
	return e
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
