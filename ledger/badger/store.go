// Package badger stores the block ledger in an embedded Badger database,
// one key per client under the "block:" prefix.
package badger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/caasmo/threatguard/ledger"
)

const blockKeyPrefix = "block:"

var _ ledger.Store = (*Store)(nil)

type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) a Badger database at dir.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}
	return db, nil
}

// New wraps db. The database lifecycle is managed by the caller.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if db == nil {
		panic("badger: nil db")
	}
	return &Store{db: db, logger: logger.With("component", "ledger_badger")}
}

func (s *Store) Load(ctx context.Context) (map[string]ledger.BlockRecord, error) {
	records := make(map[string]ledger.BlockRecord)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(blockKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var rec ledger.BlockRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					s.logger.Warn("skipping undecodable record", "client", id, "error", err)
					return nil
				}
				records[id] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: load blocks: %w", err)
	}
	return records, nil
}

// Save replaces every block key in a single transaction.
func (s *Store) Save(ctx context.Context, records map[string]ledger.BlockRecord) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		prefix := []byte(blockKeyPrefix)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := records[string(key[len(prefix):])]; !keep {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for id, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode %s: %w", id, err)
			}
			if err := txn.Set([]byte(blockKeyPrefix+id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: save blocks: %w", err)
	}
	return nil
}
