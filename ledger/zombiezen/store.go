// Package zombiezen stores the block ledger in SQLite.
package zombiezen

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/migrations"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps one row per client in the blocks table.
type Store struct {
	pool *sqlitex.Pool
}

// NewPool opens a WAL mode pool at dbPath.
func NewPool(dbPath string) (*sqlitex.Pool, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		dbPath, (5 * time.Second).Milliseconds())
	pool, err := sqlitex.NewPool(dsn, sqlitex.PoolOptions{
		PoolSize: runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create zombiezen pool at %s: %w", dbPath, err)
	}
	return pool, nil
}

// New applies the schema and returns a Store. The pool lifecycle is
// managed by the caller.
func New(ctx context.Context, pool *sqlitex.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("provided pool cannot be nil")
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get db connection: %w", err)
	}
	defer pool.Put(conn)

	if err := migrations.Apply(conn); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Load(ctx context.Context) (map[string]ledger.BlockRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get db connection: %w", err)
	}
	defer s.pool.Put(conn)

	records := make(map[string]ledger.BlockRecord)
	err = sqlitex.Execute(conn,
		`SELECT client_id, reason, blocked_at, expires_at, offense_count FROM blocks;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec := ledger.BlockRecord{
					ClientID:     stmt.ColumnText(0),
					Reason:       stmt.ColumnText(1),
					BlockedAt:    time.UnixMilli(stmt.ColumnInt64(2)),
					ExpiresAt:    time.UnixMilli(stmt.ColumnInt64(3)),
					OffenseCount: stmt.ColumnInt(4),
				}
				records[rec.ClientID] = rec
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	return records, nil
}

// Save replaces the table contents in one transaction.
func (s *Store) Save(ctx context.Context, records map[string]ledger.BlockRecord) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to get db connection: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer endFn(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM blocks;`, nil); err != nil {
		return fmt.Errorf("failed to clear blocks: %w", err)
	}

	stmt, err := conn.Prepare(`INSERT INTO blocks (client_id, reason, blocked_at, expires_at, offense_count)
		VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	for id, rec := range records {
		stmt.BindText(1, id)
		stmt.BindText(2, rec.Reason)
		stmt.BindInt64(3, rec.BlockedAt.UnixMilli())
		stmt.BindInt64(4, rec.ExpiresAt.UnixMilli())
		stmt.BindInt64(5, int64(rec.OffenseCount))
		if _, err = stmt.Step(); err != nil {
			return fmt.Errorf("failed to insert block for %s: %w", id, err)
		}
		if err = stmt.Reset(); err != nil {
			return fmt.Errorf("failed to reset insert: %w", err)
		}
	}
	return nil
}
