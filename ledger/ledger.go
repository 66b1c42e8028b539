// Package ledger is the authoritative table of blocked clients. Every
// mutation is written through to a Store.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSaveTimeout = 5 * time.Second

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithSaveTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.saveTimeout = d }
}

// Ledger is safe for concurrent use.
//
// Two locks are involved: mu guards the in-memory maps and is held only for
// map operations and snapshot copies; persistMu serialises Store.Save so
// that a slow disk never holds up IsBlocked readers.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]BlockRecord
	// lapsed holds records evicted on read since the last sweep. They no
	// longer block but still count as prior offenses.
	lapsed map[string]BlockRecord

	persistMu sync.Mutex
	dirty     atomic.Bool

	store       Store
	now         func() time.Time
	saveTimeout time.Duration
	logger      *slog.Logger
}

func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	if store == nil {
		panic("ledger: nil store")
	}
	l := &Ledger{
		records:     make(map[string]BlockRecord),
		lapsed:      make(map[string]BlockRecord),
		store:       store,
		now:         time.Now,
		saveTimeout: defaultSaveTimeout,
		logger:      logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory table with the persisted snapshot, dropping
// expired and malformed records. On a store error the ledger stays empty
// and the error is returned for the caller to log.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	persisted, err := l.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: load snapshot: %w", err)
	}

	now := l.now()
	loaded := make(map[string]BlockRecord, len(persisted))
	skipped, expired := 0, 0
	for id, rec := range persisted {
		if rec.ClientID == "" {
			rec.ClientID = id
		}
		if err := rec.Validate(); err != nil {
			skipped++
			l.logger.Warn("skipping malformed block record", "client", id, "error", err)
			continue
		}
		if !rec.Active(now) {
			expired++
			continue
		}
		loaded[id] = rec
	}

	l.mu.Lock()
	l.records = loaded
	l.lapsed = make(map[string]BlockRecord)
	l.mu.Unlock()

	if skipped > 0 || expired > 0 {
		l.dirty.Store(true)
	}
	l.logger.Info("loaded block ledger", "active", len(loaded), "expired", expired, "skipped", skipped)
	return len(loaded), nil
}

// IsBlocked reports whether clientID is under an active block.
func (l *Ledger) IsBlocked(clientID string) bool {
	_, ok := l.Lookup(clientID)
	return ok
}

// Lookup returns the active record for clientID. An expired record found
// here is evicted from the active table; the disk copy is left for the
// next sweep.
func (l *Ledger) Lookup(clientID string) (BlockRecord, bool) {
	now := l.now()

	l.mu.RLock()
	rec, ok := l.records[clientID]
	l.mu.RUnlock()
	if !ok {
		return BlockRecord{}, false
	}
	if rec.Active(now) {
		return rec, true
	}

	l.mu.Lock()
	// re-check: a concurrent Block may have replaced it
	if cur, ok := l.records[clientID]; ok && !cur.Active(now) {
		delete(l.records, clientID)
		l.lapsed[clientID] = cur
		l.dirty.Store(true)
	}
	l.mu.Unlock()

	return l.activeAfterEviction(clientID, now)
}

func (l *Ledger) activeAfterEviction(clientID string, now time.Time) (BlockRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[clientID]
	if ok && rec.Active(now) {
		return rec, true
	}
	return BlockRecord{}, false
}

// Peek returns the latest record for clientID, expired or not, without
// evicting anything.
func (l *Ledger) Peek(clientID string) (BlockRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.records[clientID]; ok {
		return rec, true
	}
	rec, ok := l.lapsed[clientID]
	return rec, ok
}

// Block records a block of duration d and persists the ledger. A prior
// record for the same client raises OffenseCount and never moves
// ExpiresAt backwards.
func (l *Ledger) Block(clientID, reason string, d time.Duration) (BlockRecord, error) {
	if clientID == "" {
		return BlockRecord{}, ErrInvalidClient
	}
	if d <= 0 {
		return BlockRecord{}, ErrInvalidPeriod
	}

	now := l.now()
	rec := BlockRecord{
		ClientID:     clientID,
		Reason:       reason,
		BlockedAt:    now,
		ExpiresAt:    now.Add(d),
		OffenseCount: 1,
	}

	l.mu.Lock()
	prior, ok := l.records[clientID]
	if !ok {
		prior, ok = l.lapsed[clientID]
	}
	if ok {
		rec.OffenseCount = prior.OffenseCount + 1
		if prior.ExpiresAt.After(rec.ExpiresAt) {
			rec.ExpiresAt = prior.ExpiresAt
		}
	}
	l.records[clientID] = rec
	delete(l.lapsed, clientID)
	l.mu.Unlock()

	l.logger.Info("blocked client",
		"client", clientID,
		"reason", reason,
		"expires_at", rec.ExpiresAt,
		"offense_count", rec.OffenseCount)

	l.persist()
	return rec, nil
}

// Unblock removes clientID immediately. It returns false if the client had
// no record.
func (l *Ledger) Unblock(clientID string) bool {
	l.mu.Lock()
	_, ok := l.records[clientID]
	delete(l.records, clientID)
	delete(l.lapsed, clientID)
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.logger.Info("unblocked client", "client", clientID)
	l.persist()
	return true
}

// Snapshot returns the active table, most recent block first.
func (l *Ledger) Snapshot() []BlockRecord {
	l.mu.RLock()
	out := make([]BlockRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out
}

// Len returns the number of records in the table, including expired ones
// not yet swept.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// RemoveExpired deletes every record past its expiry and forgets lapsed
// records. The snapshot is rewritten only if something changed or a lazy
// eviction is pending.
func (l *Ledger) RemoveExpired() int {
	now := l.now()
	removed := 0

	l.mu.Lock()
	for id, rec := range l.records {
		if !rec.Active(now) {
			delete(l.records, id)
			removed++
		}
	}
	clear(l.lapsed)
	l.mu.Unlock()

	if removed > 0 || l.dirty.Load() {
		l.persist()
	}
	return removed
}

// Flush writes the snapshot if a lazy eviction left it stale.
func (l *Ledger) Flush() {
	if l.dirty.Load() {
		l.persist()
	}
}

// persist writes the current table. Failures are logged; memory stays
// authoritative.
func (l *Ledger) persist() {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	// cleared before the copy so an eviction racing with Save re-marks it
	l.dirty.Store(false)

	l.mu.RLock()
	snapshot := make(map[string]BlockRecord, len(l.records))
	for id, rec := range l.records {
		snapshot[id] = rec
	}
	l.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.saveTimeout)
	defer cancel()
	if err := l.store.Save(ctx, snapshot); err != nil {
		l.dirty.Store(true)
		l.logger.Error("failed to persist block ledger", "records", len(snapshot), "error", err)
	}
}
