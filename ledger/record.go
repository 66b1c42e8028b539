package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidRecord = errors.New("ledger: invalid block record")
	ErrInvalidClient = errors.New("ledger: empty client id")
	ErrInvalidPeriod = errors.New("ledger: block duration must be positive")
)

// BlockRecord is one entry of the ledger.
type BlockRecord struct {
	ClientID     string    `json:"client_id"`
	Reason       string    `json:"reason"`
	BlockedAt    time.Time `json:"blocked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	OffenseCount int       `json:"offense_count"`
}

// Active reports whether the block still applies at now.
func (r BlockRecord) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Remaining is the time left until expiry, zero once expired.
func (r BlockRecord) Remaining(now time.Time) time.Duration {
	return max(r.ExpiresAt.Sub(now), 0)
}

// Validate checks the invariants a persisted record must satisfy.
func (r BlockRecord) Validate() error {
	if r.ClientID == "" {
		return ErrInvalidClient
	}
	if r.BlockedAt.IsZero() || !r.ExpiresAt.After(r.BlockedAt) {
		return ErrInvalidRecord
	}
	if r.OffenseCount < 1 {
		return ErrInvalidRecord
	}
	return nil
}

// Store persists the whole ledger. Save always receives the full set of
// records; implementations replace what they held before.
type Store interface {
	Load(ctx context.Context) (map[string]BlockRecord, error)
	Save(ctx context.Context, records map[string]BlockRecord) error
}

// MemoryStore keeps the snapshot in memory. Used for tests and the
// "memory" backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]BlockRecord
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]BlockRecord)}
}

func (m *MemoryStore) Load(ctx context.Context) (map[string]BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]BlockRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, records map[string]BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]BlockRecord, len(records))
	for k, v := range records {
		m.records[k] = v
	}
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
