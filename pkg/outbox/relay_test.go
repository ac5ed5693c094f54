package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store with the same claim semantics as the
// Mongo implementation.
type fakeStore struct {
	mu       sync.Mutex
	records  []*Record
	fetchErr error
	markErr  error
}

func (s *fakeStore) Append(ctx context.Context, e envelope.Envelope, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, &Record{
		Envelope:  e,
		Topic:     topic,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *fakeStore) FetchPending(ctx context.Context, batchSize int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	now := time.Now()
	out := make([]Record, 0, batchSize)
	for _, r := range s.records {
		if len(out) == batchSize {
			break
		}
		if r.State == StatePending && r.ClaimExpiresAt.Before(now) {
			r.ClaimExpiresAt = now.Add(30 * time.Second)
			r.Attempts++
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for _, r := range s.records {
		if r.Envelope.MessageID == messageID && r.State == StatePending {
			now := time.Now().UTC()
			r.State = StateSent
			r.SentAt = &now
		}
	}
	return nil
}

func (s *fakeStore) PruneSent(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*Record
	var removed int64
	for _, r := range s.records {
		if r.State == StateSent && r.SentAt != nil && r.SentAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

func (s *fakeStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.State == StatePending {
			n++
		}
	}
	return n
}

func (s *fakeStore) expireClaims() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		r.ClaimExpiresAt = time.Time{}
	}
}

// fakePublisher records published envelopes and can fail on demand.
type fakePublisher struct {
	mu        sync.Mutex
	published []envelope.Envelope
	failUntil int
	calls     int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failUntil {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, e)
	return nil
}

func (p *fakePublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.published))
	for _, e := range p.published {
		ids = append(ids, e.MessageID)
	}
	return ids
}

func appendEvents(t *testing.T, store *fakeStore, n int) []envelope.Envelope {
	t.Helper()
	envelopes := make([]envelope.Envelope, 0, n)
	for i := 0; i < n; i++ {
		e, err := envelope.New("order.created", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), e, "orders"))
		envelopes = append(envelopes, e)
	}
	return envelopes
}

func testConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	}.withDefaults()
}

func runRelay(t *testing.T, relay *Relay) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRelay_DrainsPendingRecords(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	envelopes := appendEvents(t, store, 3)

	relay := NewRelay(zap.NewNop(), store, publisher, testConfig())
	runRelay(t, relay)

	assert.Eventually(t, func() bool {
		return store.pendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	ids := publisher.publishedIDs()
	require.Len(t, ids, 3)
	// Oldest first: publish order approximates insertion order.
	for i, e := range envelopes {
		assert.Equal(t, e.MessageID, ids[i])
	}
}

func TestRelay_RetriesAfterTransportFailure(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{failUntil: 2}
	appendEvents(t, store, 1)

	relay := NewRelay(zap.NewNop(), store, publisher, testConfig())
	runRelay(t, relay)

	// Claims block redelivery until they expire; force expiry so the next
	// ticks can retry without waiting 30s.
	assert.Eventually(t, func() bool {
		store.expireClaims()
		return store.pendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, publisher.publishedIDs(), 1)
}

func TestRelay_ResumesAfterCrashBeforeMarkSent(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	e := appendEvents(t, store, 1)[0]

	// Simulate a relay that claimed and published but crashed before
	// MarkSent: the record is still Pending with a live claim.
	_, err := store.FetchPending(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, store.pendingCount())
	store.expireClaims()

	relay := NewRelay(zap.NewNop(), store, publisher, testConfig())
	runRelay(t, relay)

	assert.Eventually(t, func() bool {
		return store.pendingCount() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{e.MessageID}, publisher.publishedIDs())
}

func TestRelay_BacksOffOnStoreErrors(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("store down")}
	publisher := &fakePublisher{}

	relay := NewRelay(zap.NewNop(), store, publisher, testConfig())
	cancel := runRelay(t, relay)

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Empty(t, publisher.publishedIDs())
}

func TestPruner_RemovesOnlyOldSentRecords(t *testing.T) {
	store := &fakeStore{}
	appendEvents(t, store, 2)

	// Mark the first one sent long ago.
	old := time.Now().Add(-48 * time.Hour)
	store.records[0].State = StateSent
	store.records[0].SentAt = &old

	removed, err := store.PruneSent(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.pendingCount())
}
