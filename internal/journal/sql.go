package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLStore is the SQLite journal backend, for deployments where several
// runner restarts must share one durable journal without JSONL replay cost.
type SQLStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLStore opens (or creates) a SQLite journal at path.
func NewSQLStore(path string, retention time.Duration) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	s, err := NewSQLStoreWithDB(db, retention)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an existing database handle. Tests inject a mock
// here.
func NewSQLStoreWithDB(db *sql.DB, retention time.Duration) (*SQLStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &SQLStore{db: db, retention: retention}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	_, err = s.db.Exec("CREATE INDEX IF NOT EXISTS idx_journal_recorded_at ON journal(recorded_at)")
	if err != nil {
		return fmt.Errorf("create journal index: %w", err)
	}
	return nil
}

// Seen reports whether key is journaled and fresh.
func (s *SQLStore) Seen(ctx context.Context, key string) (bool, error) {
	cutoff := time.Now().Add(-s.retention)
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM journal WHERE key = ? AND recorded_at >= ?", key, cutoff).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query journal: %w", err)
	}
	return true, nil
}

// Record journals an entry; an existing key is ignored.
func (s *SQLStore) Record(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("journal entry needs a key")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO journal (key, id, kind, recorded_at) VALUES (?, ?, ?, ?)",
		entry.Key, entry.ID, entry.Kind, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Sweep deletes entries past retention.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)
	res, err := s.db.ExecContext(ctx, "DELETE FROM journal WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep journal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
