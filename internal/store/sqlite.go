package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/wikifeed/internal/core"
)

// Table names come from trusted configuration, but they are still validated
// before interpolation into any statement.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTable rejects table names that are not plain SQL identifiers.
func ValidateTable(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("store: invalid table name %q", name)
	}
	return nil
}

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  raw_json TEXT NOT NULL DEFAULT '',
  event_timestamp TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  title_url TEXT NOT NULL DEFAULT '',
  bot INTEGER NOT NULL DEFAULT 0,
  username TEXT NOT NULL DEFAULT '',
  length_bytes_old INTEGER NOT NULL DEFAULT 0,
  length_bytes_new INTEGER NOT NULL DEFAULT 0,
  length_diff_bytes INTEGER NOT NULL DEFAULT 0
);`

// Store is the single writer. Inserts accumulate in one open transaction;
// Commit makes them visible to readers on independent connections.
type Store struct {
	db      *sql.DB
	table   string
	tx      *sql.Tx
	pending int
}

// Open creates or opens the backing file, switches it to WAL so independent
// readers never block the writer, and ensures the target table exists.
// Idempotent on an existing, populated store.
func Open(path, table string) (*Store, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	if _, err := db.Exec(fmt.Sprintf(schemaTemplate, table)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	tuneForThroughput(db)
	return &Store{db: db, table: table}, nil
}

// Insert buffers one record into the open transaction, beginning one if
// needed. A failed insert drops only that record.
func (s *Store) Insert(rec core.NormalizedRecord) error {
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin batch")
		}
		s.tx = tx
	}

	q := fmt.Sprintf(`INSERT INTO %s
(raw_json, event_timestamp, title, title_url, bot, username, length_bytes_old, length_bytes_new, length_diff_bytes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`, s.table)

	_, err := s.tx.Exec(q,
		rec.RawJSON, rec.EventTimestamp, rec.Title, rec.TitleURL, rec.Bot,
		rec.Username, rec.LengthBytesOld, rec.LengthBytesNew, rec.LengthDiffBytes)
	if err != nil {
		return errors.Wrap(err, "insert event")
	}
	s.pending++
	return nil
}

// Commit flushes the open transaction. No-op when nothing is pending. On
// failure the batch is rolled back so the writer can start a fresh one.
func (s *Store) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	s.pending = 0
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "commit batch")
	}
	return nil
}

// Pending reports how many rows the open transaction holds.
func (s *Store) Pending() int { return s.pending }

// EnforceRetention deletes the oldest rows once the committed row count
// exceeds max by a 10% buffer, keeping the max highest ids. Deletion is by
// identity order, never timestamp: ids are monotone, wall clocks are not.
// Any open batch is committed first so the bulk delete does not contend with
// the writer's own transaction.
func (s *Store) EnforceRetention(max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	if err := s.Commit(); err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, s.table)).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count rows")
	}
	if count < int64(max)+int64(max)/10 {
		return 0, nil
	}

	var maxID int64
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s;`, s.table)).Scan(&maxID); err != nil {
		return 0, errors.Wrap(err, "max id")
	}

	res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id <= ?;`, s.table), maxID-int64(max))
	if err != nil {
		return 0, errors.Wrap(err, "prune rows")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return removed, nil
}

// Close commits any pending batch and releases the handle. The commit error,
// if any, wins over the close error so a failed final flush is visible.
func (s *Store) Close() error {
	commitErr := s.Commit()
	closeErr := s.db.Close()
	if commitErr != nil {
		return commitErr
	}
	return errors.Wrap(closeErr, "close sqlite")
}

func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) String() string {
	return fmt.Sprintf("Store{table=%s}", s.table)
}
