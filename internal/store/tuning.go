package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Opt-in write-side tuning, enabled with WIKIFEED_SQLITE_TUNING=1. WAL and
// busy_timeout are always set by Open; these trade durability margin for
// throughput, so they are never the default.
var tuningPragmas = []struct {
	name  string
	value string
}{
	{"synchronous", "NORMAL"},
	{"wal_autocheckpoint", "1000"},
	{"temp_store", "MEMORY"},
	{"mmap_size", "268435456"},
}

func tuneForThroughput(db *sql.DB) {
	if os.Getenv("WIKIFEED_SQLITE_TUNING") != "1" {
		return
	}

	for _, p := range tuningPragmas {
		stmt := fmt.Sprintf("PRAGMA %s=%s;", p.name, p.value)

		// Some pragmas report their new value, some return no rows.
		var got any
		err := db.QueryRow(stmt).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = db.Exec(stmt)
			got = p.value
		}
		if err != nil {
			slog.Warn("store: tuning pragma failed", "pragma", p.name, "err", err)
			continue
		}
		slog.Info("store: tuning pragma applied", "pragma", p.name, "value", got)
	}
}
