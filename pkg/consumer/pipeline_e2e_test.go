package consumer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/consumer"
	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/inbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/outbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memOutboxStore mirrors the claim discipline of the durable store so the
// relay can be exercised end to end without a database. markSentFails makes
// MarkSent fail, simulating a relay that crashes after publishing but before
// marking the record sent.
type memOutboxStore struct {
	mu            sync.Mutex
	records       []outbox.Record
	claimTTL      time.Duration
	markSentFails bool
}

func newMemOutboxStore(claimTTL time.Duration) *memOutboxStore {
	return &memOutboxStore{claimTTL: claimTTL}
}

func (s *memOutboxStore) Append(ctx context.Context, e envelope.Envelope, topic string) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, outbox.Record{
		Envelope:  e,
		Topic:     topic,
		State:     outbox.StatePending,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memOutboxStore) FetchPending(ctx context.Context, batchSize int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var batch []outbox.Record
	for i := range s.records {
		if len(batch) == batchSize {
			break
		}
		r := &s.records[i]
		if r.State != outbox.StatePending || r.ClaimExpiresAt.After(now) {
			continue
		}
		r.ClaimExpiresAt = now.Add(s.claimTTL)
		r.Attempts++
		batch = append(batch, *r)
	}
	return batch, nil
}

func (s *memOutboxStore) MarkSent(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSentFails {
		return errors.New("store connection lost")
	}
	for i := range s.records {
		r := &s.records[i]
		if r.Envelope.MessageID == messageID && r.State == outbox.StatePending {
			now := time.Now().UTC()
			r.State = outbox.StateSent
			r.SentAt = &now
			r.ClaimExpiresAt = time.Time{}
		}
	}
	return nil
}

func (s *memOutboxStore) PruneSent(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (s *memOutboxStore) setMarkSentFails(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSentFails = fail
}

func (s *memOutboxStore) expireClaims() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		s.records[i].ClaimExpiresAt = time.Time{}
	}
}

func (s *memOutboxStore) state(messageID string) outbox.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Envelope.MessageID == messageID {
			return r.State
		}
	}
	return ""
}

func relayConfig() outbox.Config {
	return outbox.Config{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		ClaimTTL:     time.Minute,
	}
}

func fastConsumerConfig(name, queue string) consumer.Config {
	return consumer.Config{
		Name:  name,
		Queue: queue,
		Retry: consumer.RetryConfig{
			Count:         2,
			MinInterval:   time.Millisecond,
			MaxInterval:   time.Millisecond,
			IntervalDelta: time.Millisecond,
		},
		CircuitBreaker: consumer.CircuitBreakerConfig{MinimumThroughput: 1000},
	}
}

// The full delivery path: a committed event crosses the outbox, survives a
// relay crash before MarkSent, is republished exactly once on resume, and
// the consumer's side effect still executes exactly once.
func TestPipeline_CrashResumeDeliversExactlyOnce(t *testing.T) {
	log := zap.NewNop()
	broker := memory.NewBroker()
	store := newMemOutboxStore(time.Minute)
	inboxStore := inbox.NewMemoryStore()

	var sideEffects atomic.Int32
	cons, err := consumer.New(log, fastConsumerConfig("InventoryConsumer", "orders"), broker, broker, inboxStore,
		consumer.HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
			sideEffects.Add(1)
			return nil
		}))
	require.NoError(t, err)

	consCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consDone := make(chan error, 1)
	go func() { consDone <- cons.Run(consCtx) }()

	m1, err := envelope.New("order.created", map[string]string{"orderId": "o-1"})
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), m1, "orders"))

	// First relay incarnation publishes M1 but dies before marking it sent.
	store.setMarkSentFails(true)
	relay1Ctx, crashRelay1 := context.WithCancel(context.Background())
	relay1Done := make(chan error, 1)
	go func() { relay1Done <- outbox.NewRelay(log, store, broker, relayConfig()).Run(relay1Ctx) }()

	assert.Eventually(t, func() bool {
		return sideEffects.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "first publish must reach the consumer")

	crashRelay1()
	require.NoError(t, <-relay1Done)
	assert.Equal(t, outbox.StatePending, store.state(m1.MessageID), "crash before MarkSent leaves the record pending")

	// Restart: the claim has lapsed, so the record is republished once.
	store.setMarkSentFails(false)
	store.expireClaims()
	relay2Ctx, stopRelay2 := context.WithCancel(context.Background())
	defer stopRelay2()
	relay2Done := make(chan error, 1)
	go func() { relay2Done <- outbox.NewRelay(log, store, broker, relayConfig()).Run(relay2Ctx) }()

	assert.Eventually(t, func() bool {
		return store.state(m1.MessageID) == outbox.StateSent
	}, 2*time.Second, 5*time.Millisecond, "restarted relay must republish and mark sent")

	// The duplicate delivery is acknowledged without re-executing the side
	// effect.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), sideEffects.Load(), "side effect must execute exactly once")

	processed, err := inboxStore.HasProcessed(context.Background(), m1.MessageID, "InventoryConsumer")
	require.NoError(t, err)
	assert.True(t, processed)

	stopRelay2()
	require.NoError(t, <-relay2Done)
	stopConsumer()
	require.NoError(t, <-consDone)
}

// With concurrencyLimit=1 a causal chain is processed in insertion order.
func TestPipeline_CausalChainOrderedAtConcurrencyOne(t *testing.T) {
	log := zap.NewNop()
	broker := memory.NewBroker()
	inboxStore := inbox.NewMemoryStore()

	var mu sync.Mutex
	var order []string
	conf := fastConsumerConfig("OrderFlowConsumer", "flow")
	conf.ConcurrencyLimit = 1

	cons, err := consumer.New(log, conf, broker, broker, inboxStore,
		consumer.HandlerFunc(func(ctx context.Context, e envelope.Envelope) error {
			mu.Lock()
			order = append(order, e.PayloadType)
			mu.Unlock()
			return nil
		}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cons.Run(ctx) }()

	a, err := envelope.New("order.created", map[string]string{"orderId": "o-1"})
	require.NoError(t, err)
	b, err := envelope.Follow(a, "payment.captured", map[string]string{"orderId": "o-1"})
	require.NoError(t, err)
	c, err := envelope.Follow(b, "order.shipped", map[string]string{"orderId": "o-1"})
	require.NoError(t, err)

	for _, e := range []envelope.Envelope{a, b, c} {
		require.NoError(t, broker.Publish(context.Background(), "flow", e))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"order.created", "payment.captured", "order.shipped"}, order)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}
