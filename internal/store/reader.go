package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/wikifeed/internal/core"
)

// RateBucket is one per-minute slot of the trailing edit-rate aggregation.
type RateBucket struct {
	Bucket string `json:"bucket"` // "2006-01-02 15:04"
	Count  int64  `json:"count"`
}

// Reader is an independent read-only connection to the store. It sees only
// committed data; the writer's open batch is invisible to it. Safe to open
// from other processes while the writer runs, thanks to WAL.
type Reader struct {
	db    *sql.DB
	table string
	path  string
}

// OpenReader opens the store file read-only. The file must already exist.
func OpenReader(path, table string) (*Reader, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "stat store file")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite read-only")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	return &Reader{db: db, table: table, path: path}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// MaxID returns the highest assigned identity, 0 for an empty table.
func (r *Reader) MaxID() (int64, error) {
	var id int64
	err := r.db.QueryRow(fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s;`, r.table)).Scan(&id)
	return id, errors.Wrap(err, "max id")
}

func (r *Reader) Count() (int64, error) {
	var n int64
	err := r.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, r.table)).Scan(&n)
	return n, errors.Wrap(err, "count rows")
}

// Recent returns the newest records by identity order.
func (r *Reader) Recent(ctx context.Context, limit int) ([]core.NormalizedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, raw_json, event_timestamp, title, title_url, bot, username,
length_bytes_old, length_bytes_new, length_diff_bytes
FROM %s ORDER BY id DESC LIMIT ?;`, r.table)

	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent")
	}
	defer rows.Close()

	var out []core.NormalizedRecord
	for rows.Next() {
		var rec core.NormalizedRecord
		if err := rows.Scan(&rec.ID, &rec.RawJSON, &rec.EventTimestamp, &rec.Title,
			&rec.TitleURL, &rec.Bot, &rec.Username,
			&rec.LengthBytesOld, &rec.LengthBytesNew, &rec.LengthDiffBytes); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate records")
	}
	return out, nil
}

// EditRate aggregates per-minute event counts over a trailing window. The
// event_timestamp column is sortable text, so the window boundary is a plain
// string comparison.
func (r *Reader) EditRate(ctx context.Context, window time.Duration) ([]RateBucket, error) {
	if window <= 0 {
		window = 15 * time.Minute
	}
	since := time.Now().UTC().Add(-window).Format("2006-01-02 15:04:05")

	q := fmt.Sprintf(`SELECT substr(event_timestamp, 1, 16) AS bucket, COUNT(*)
FROM %s WHERE event_timestamp >= ? GROUP BY bucket ORDER BY bucket;`, r.table)

	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, errors.Wrap(err, "edit rate")
	}
	defer rows.Close()

	var out []RateBucket
	for rows.Next() {
		var b RateBucket
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, errors.Wrap(err, "scan bucket")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate buckets")
	}
	return out, nil
}

// FileSizeMiB reports the store file size in mebibytes for diagnostics.
func (r *Reader) FileSizeMiB() (float64, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return 0, errors.Wrap(err, "stat store file")
	}
	return float64(info.Size()) / (1024 * 1024), nil
}
