package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"worklog/internal/hashroute"
	"worklog/internal/ledger"

	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	tx_id TEXT NOT NULL,
	value BLOB NOT NULL,
	committed_at_utc_ns INTEGER NOT NULL,
	UNIQUE(key, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_history_key_seq ON history(key, seq);

CREATE TRIGGER IF NOT EXISTS trg_history_no_update
BEFORE UPDATE ON history
BEGIN
	SELECT RAISE(ABORT, 'history is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_history_no_delete
BEFORE DELETE ON history
BEGIN
	SELECT RAISE(ABORT, 'history is append-only: DELETE forbidden');
END;
`

// Store is a durable ledger. Keys are spread over one SQLite file per hash
// partition; every write appends a row, so a key's history is its rows in
// seq order.
type Store struct {
	baseDir string
	now     func() time.Time

	mu         sync.Mutex
	partitions map[int]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, now: func() time.Time { return time.Now().UTC() }, partitions: make(map[int]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.partitions {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.partitions = make(map[int]*sql.DB)
	return errors.Join(errs...)
}

// PutState appends value under key. Re-applying the same transaction id for
// a key is a no-op, which makes replays after a restart harmless.
func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	if err := ledger.ValidateWrite(key, value); err != nil {
		return err
	}
	db, err := s.partitionDB(hashroute.PartitionForKey(key))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO history(key, tx_id, value, committed_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(key, tx_id) DO NOTHING`,
		key, ledger.TxIDFromContext(ctx), value, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("append history %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	db, err := s.partitionDB(hashroute.PartitionForKey(key))
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM history WHERE key=? ORDER BY seq DESC LIMIT 1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// GetHistoryForKey streams the key's rows oldest first. The returned
// iterator holds a database cursor until it is closed.
func (s *Store) GetHistoryForKey(ctx context.Context, key string) (ledger.HistoryIterator, error) {
	db, err := s.partitionDB(hashroute.PartitionForKey(key))
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT key, tx_id, value, committed_at_utc_ns
FROM history
WHERE key=?
ORDER BY seq ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query history %q: %w", key, err)
	}
	return &rowsIterator{rows: rows}, nil
}

type rowsIterator struct {
	rows   *sql.Rows
	closed bool
}

func (it *rowsIterator) Next() (ledger.KeyModification, error) {
	if it.closed {
		return ledger.KeyModification{}, io.EOF
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return ledger.KeyModification{}, err
		}
		return ledger.KeyModification{}, io.EOF
	}
	var (
		item ledger.KeyModification
		ns   int64
	)
	if err := it.rows.Scan(&item.Key, &item.TxID, &item.Value, &ns); err != nil {
		return ledger.KeyModification{}, err
	}
	item.CommittedAt = time.Unix(0, ns).UTC()
	return item, nil
}

func (it *rowsIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.rows.Close()
}

func (s *Store) partitionDB(partition int) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.partitions[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("ledger-p%02d.db", partition))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.partitions[partition] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
