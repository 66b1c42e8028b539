// Package jsonfile stores the block ledger as a single JSON document,
// rewritten atomically on every save.
package jsonfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/natefinch/atomic"

	"github.com/caasmo/threatguard/ledger"
)

var _ ledger.Store = (*Store)(nil)

// entry is the on-disk record. Timestamps are unix milliseconds.
type entry struct {
	Reason    string `json:"reason"`
	BlockedAt int64  `json:"blockedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Attempts  int    `json:"attempts"`
}

type Store struct {
	path   string
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger.With("component", "ledger_jsonfile")}
}

// Load reads the file. A missing file is an empty ledger. Entries that do
// not decode are skipped.
func (s *Store) Load(ctx context.Context) (map[string]ledger.BlockRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]ledger.BlockRecord{}, nil
		}
		return nil, fmt.Errorf("jsonfile: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]ledger.BlockRecord{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("jsonfile: decode %s: %w", s.path, err)
	}

	records := make(map[string]ledger.BlockRecord, len(raw))
	for id, msg := range raw {
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			s.logger.Warn("skipping undecodable entry", "client", id, "error", err)
			continue
		}
		if e.Attempts == 0 {
			e.Attempts = 1
		}
		records[id] = ledger.BlockRecord{
			ClientID:     id,
			Reason:       e.Reason,
			BlockedAt:    time.UnixMilli(e.BlockedAt),
			ExpiresAt:    time.UnixMilli(e.ExpiresAt),
			OffenseCount: e.Attempts,
		}
	}
	return records, nil
}

// Save writes all records to a temp file and renames it over the target.
func (s *Store) Save(ctx context.Context, records map[string]ledger.BlockRecord) error {
	out := make(map[string]entry, len(records))
	for id, rec := range records {
		out[id] = entry{
			Reason:    rec.Reason,
			BlockedAt: rec.BlockedAt.UnixMilli(),
			ExpiresAt: rec.ExpiresAt.UnixMilli(),
			Attempts:  rec.OffenseCount,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: encode: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("jsonfile: create dir %s: %w", dir, err)
		}
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("jsonfile: write %s: %w", s.path, err)
	}
	return nil
}
