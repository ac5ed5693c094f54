package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/inbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic string
	e     envelope.Envelope
}

type fakePublisher struct {
	mu        sync.Mutex
	published []published
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, published{topic: topic, e: e})
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type failingInbox struct {
	inbox.Store
	checkErr error
}

func (s *failingInbox) HasProcessed(ctx context.Context, messageID, consumerName string) (bool, error) {
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.Store.HasProcessed(ctx, messageID, consumerName)
}

type fakeTxManager struct {
	calls int
}

func (m *fakeTxManager) WithTransaction(ctx context.Context, fn func(txCtx context.Context) (any, error)) (any, error) {
	m.calls++
	return fn(ctx)
}

func testConsumerConfig() Config {
	return Config{
		Name:            "inventory-consumer",
		Queue:           "orders",
		DeadLetterTopic: "orders.dlq",
		Retry: RetryConfig{
			Count:         2,
			MinInterval:   time.Millisecond,
			MaxInterval:   time.Millisecond,
			IntervalDelta: time.Millisecond,
		},
		CircuitBreaker: CircuitBreakerConfig{
			// High enough that pipeline tests never trip it.
			MinimumThroughput: 1000,
		},
	}
}

func newTestConsumer(t *testing.T, conf Config, store inbox.Store, h Handler, opts ...Option) (*Consumer, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	c, err := New(zap.NewNop(), conf, nil, pub, store, h, opts...)
	require.NoError(t, err)
	c.retry.sleep = func(ctx context.Context, d time.Duration) {}
	return c, pub
}

func mustEnvelope(t *testing.T, payloadType string) envelope.Envelope {
	t.Helper()
	e, err := envelope.New(payloadType, map[string]string{"orderId": "o-1"})
	require.NoError(t, err)
	return e
}

func TestConsumer_ProcessesAndRecordsInbox(t *testing.T) {
	store := inbox.NewMemoryStore()
	invocations := 0
	c, _ := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return nil
	}))

	e := mustEnvelope(t, "order.created")
	require.NoError(t, c.Handle(context.Background(), e))

	assert.Equal(t, 1, invocations)
	processed, err := store.HasProcessed(context.Background(), e.MessageID, "inventory-consumer")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestConsumer_AtMostOnceUnderRedelivery(t *testing.T) {
	store := inbox.NewMemoryStore()
	invocations := 0
	c, _ := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return nil
	}))

	e := mustEnvelope(t, "order.created")
	require.NoError(t, c.Handle(context.Background(), e))
	require.NoError(t, c.Handle(context.Background(), e), "redelivery must be acknowledged")

	assert.Equal(t, 1, invocations, "side effect must execute exactly once")
}

func TestConsumer_LostInsertRaceResolvesToSkip(t *testing.T) {
	store := inbox.NewMemoryStore()
	e := mustEnvelope(t, "order.created")

	invocations := 0
	c, _ := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		// A replica finished the same message between our pre-check and
		// our inbox write.
		return store.MarkProcessed(ctx, e.MessageID, "inventory-consumer", time.Now().UTC())
	}))

	require.NoError(t, c.Handle(context.Background(), e))
	assert.Equal(t, 1, invocations)
}

func TestConsumer_DeadLettersAfterRetriesExhausted(t *testing.T) {
	store := inbox.NewMemoryStore()
	invocations := 0
	c, pub := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return errors.New("inventory service unavailable")
	}))

	e := mustEnvelope(t, "order.created")
	require.NoError(t, c.Handle(context.Background(), e), "poison message must be acknowledged after dead-lettering")

	assert.Equal(t, 3, invocations, "initial delivery plus 2 retries")

	require.Len(t, pub.published, 1)
	dead := pub.published[0]
	assert.Equal(t, "orders.dlq", dead.topic)
	assert.Equal(t, PayloadTypeDeadLetter, dead.e.PayloadType)
	assert.Equal(t, e.CorrelationID, dead.e.CorrelationID)
	assert.Equal(t, e.MessageID, dead.e.CausationID)

	var payload DeadLetterPayload
	require.NoError(t, dead.e.DecodePayload(&payload))
	assert.Equal(t, e.MessageID, payload.Original.MessageID)
	assert.Equal(t, "inventory-consumer", payload.ConsumerName)
	assert.Contains(t, payload.Error, "inventory service unavailable")

	processed, err := store.HasProcessed(context.Background(), e.MessageID, "inventory-consumer")
	require.NoError(t, err)
	assert.False(t, processed, "dead-lettered message is not marked processed")
}

func TestConsumer_RequeuesWhenDeadLetterPublishFails(t *testing.T) {
	store := inbox.NewMemoryStore()
	c, pub := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		return errors.New("inventory service unavailable")
	}))
	pub.setErr(errors.New("broker unavailable"))

	e := mustEnvelope(t, "order.created")
	err := c.Handle(context.Background(), e)
	require.ErrorIs(t, err, transport.ErrRequeue,
		"a poison message without a dead-letter record must not be acknowledged")

	processed, err := store.HasProcessed(context.Background(), e.MessageID, "inventory-consumer")
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, pub.published)

	// Broker back: the redelivery dead-letters and acknowledges.
	pub.setErr(nil)
	require.NoError(t, c.Handle(context.Background(), e))
	assert.Len(t, pub.published, 1)
}

func TestConsumer_PermanentErrorDeadLettersWithoutRetry(t *testing.T) {
	store := inbox.NewMemoryStore()
	invocations := 0
	c, pub := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return fmt.Errorf("%w: malformed payload", ErrPermanent)
	}))

	require.NoError(t, c.Handle(context.Background(), mustEnvelope(t, "order.created")))

	assert.Equal(t, 1, invocations)
	assert.Len(t, pub.published, 1)
}

func TestConsumer_SkipErrorAcknowledgesWithoutDeadLetter(t *testing.T) {
	store := inbox.NewMemoryStore()
	c, pub := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		return fmt.Errorf("%w: not for this consumer", ErrSkipMessage)
	}))

	require.NoError(t, c.Handle(context.Background(), mustEnvelope(t, "order.created")))
	assert.Empty(t, pub.published)
}

func TestConsumer_RequeuesWhenCircuitOpen(t *testing.T) {
	conf := testConsumerConfig()
	conf.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold:  0.5,
		MinimumThroughput: 1,
	}

	store := inbox.NewMemoryStore()
	invocations := 0
	c, _ := newTestConsumer(t, conf, store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return errors.New("downstream down")
	}))

	// First delivery exhausts retries, dead-letters and trips the breaker.
	require.NoError(t, c.Handle(context.Background(), mustEnvelope(t, "order.created")))
	invocationsAfterFirst := invocations

	err := c.Handle(context.Background(), mustEnvelope(t, "order.created"))
	require.ErrorIs(t, err, transport.ErrRequeue, "open circuit defers delivery")
	assert.Equal(t, invocationsAfterFirst, invocations, "open circuit must not invoke the handler")
}

func TestConsumer_RequeuesOnInboxCheckFailure(t *testing.T) {
	store := &failingInbox{Store: inbox.NewMemoryStore(), checkErr: errors.New("store unavailable")}
	invocations := 0
	c, _ := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		invocations++
		return nil
	}))

	err := c.Handle(context.Background(), mustEnvelope(t, "order.created"))
	require.ErrorIs(t, err, transport.ErrRequeue)
	assert.Zero(t, invocations)
}

func TestConsumer_TxManagerJoinsSideEffectAndInboxWrite(t *testing.T) {
	store := inbox.NewMemoryStore()
	tm := &fakeTxManager{}
	c, _ := newTestConsumer(t, testConsumerConfig(), store, HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
		return nil
	}), WithTxManager(tm))

	e := mustEnvelope(t, "order.created")
	require.NoError(t, c.Handle(context.Background(), e))

	assert.Equal(t, 1, tm.calls)
	processed, err := store.HasProcessed(context.Background(), e.MessageID, "inventory-consumer")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestConsumer_RequiresNameAndQueue(t *testing.T) {
	_, err := New(zap.NewNop(), Config{Queue: "orders"}, nil, nil, inbox.NewMemoryStore(), nil)
	require.Error(t, err)

	_, err = New(zap.NewNop(), Config{Name: "c"}, nil, nil, inbox.NewMemoryStore(), nil)
	require.Error(t, err)
}

func TestDispatcher_RoutesByPayloadType(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var got []string
	record := func(name string) Handler {
		return HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
			got = append(got, name)
			return nil
		})
	}
	require.NoError(t, d.Register("order.created", record("created")))
	require.NoError(t, d.Register("order.cancelled", record("cancelled")))

	require.NoError(t, d.Process(context.Background(), mustEnvelope(t, "order.cancelled")))
	require.NoError(t, d.Process(context.Background(), mustEnvelope(t, "order.created")))

	assert.Equal(t, []string{"cancelled", "created"}, got)
}

func TestDispatcher_UnknownPayloadTypeSkips(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	err := d.Process(context.Background(), mustEnvelope(t, "order.unknown"))
	require.ErrorIs(t, err, ErrSkipMessage)
}

func TestDispatcher_RejectsDuplicateRegistration(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	h := HandlerFunc(func(ctx context.Context, e envelope.Envelope) error { return nil })

	require.NoError(t, d.Register("order.created", h))
	require.Error(t, d.Register("order.created", h))
}
