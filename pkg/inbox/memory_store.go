package inbox

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[key]Record
}

type key struct {
	messageID    string
	consumerName string
}

// NewMemoryStore creates an in-memory inbox used by tests and standalone
// mode. It enforces the same uniqueness semantics as the Mongo store.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[key]Record)}
}

func (s *memoryStore) HasProcessed(ctx context.Context, messageID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key{messageID, consumerName}]
	return ok, nil
}

func (s *memoryStore) MarkProcessed(ctx context.Context, messageID, consumerName string, whenUTC time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{messageID, consumerName}
	if _, ok := s.records[k]; ok {
		return ErrAlreadyProcessed
	}
	s.records[k] = Record{MessageID: messageID, ConsumerName: consumerName, ProcessedAt: whenUTC}
	return nil
}
