package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/wikifeed/internal/store"
)

// wikitop is a small terminal monitor over the ingested store. It polls on a
// ticker and additionally wakes early when the store file changes on disk, so
// the display tracks commits rather than wall clock.
func main() {
	var (
		dbPath   string
		table    string
		interval time.Duration
	)

	flag.StringVar(&dbPath, "sqlite", "data/wikipedia-events.db", "Path to SQLite database file")
	flag.StringVar(&table, "table", "wiki_events", "Database table name")
	flag.DurationVar(&interval, "interval", time.Second, "Refresh interval")
	flag.Parse()

	reader, err := store.OpenReader(dbPath, table)
	if err != nil {
		log.Fatalf("wikitop: open store: %v", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	baselineID, err := reader.MaxID()
	if err != nil {
		log.Fatalf("wikitop: read max id: %v", err)
	}
	startedAt := time.Now()

	wake := watchStoreFiles(ctx, dbPath)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		render(reader, baselineID, startedAt)

		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func render(reader *store.Reader, baselineID int64, startedAt time.Time) {
	maxID, err := reader.MaxID()
	if err != nil {
		log.Printf("wikitop: max id: %v", err)
		return
	}
	count, err := reader.Count()
	if err != nil {
		log.Printf("wikitop: count: %v", err)
		return
	}

	added := maxID - baselineID
	if added < 0 {
		added = 0
	}

	line := fmt.Sprintf("\rwikitop: %d new edits since %s | %d rows in store",
		added, startedAt.Format("15:04:05"), count)
	if size, err := reader.FileSizeMiB(); err == nil {
		line += fmt.Sprintf(" | %.1f MiB", size)
	}
	fmt.Print(line + "   ")
}

// watchStoreFiles returns a channel that fires (debounced) when the database
// or its WAL sidecar changes. Falls back to ticker-only refresh when the
// watcher cannot be created.
func watchStoreFiles(ctx context.Context, dbPath string) <-chan struct{} {
	wake := make(chan struct{}, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("wikitop: watcher unavailable", "err", err)
		return wake
	}

	added := false
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		if err := w.Add(p); err != nil {
			slog.Error("wikitop: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return wake
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("wikitop: watch error", "err", err)
			}
		}
	}()
	return wake
}
