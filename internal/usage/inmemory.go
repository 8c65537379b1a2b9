package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps usage records for the process lifetime. Used when no
// DATABASE_URL is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) SessionTotals(_ context.Context, sessionID string) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := Totals{SessionID: sessionID}
	for _, rec := range s.records {
		if rec.SessionID != sessionID {
			continue
		}
		totals.Responses++
		totals.InputTokens += rec.InputTokens
		totals.OutputTokens += rec.OutputTokens
	}
	return totals, nil
}

func (s *InMemoryStore) Close() error { return nil }
