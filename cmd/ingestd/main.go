package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/wikifeed/internal/config"
	"github.com/you/wikifeed/internal/httpapi"
	"github.com/you/wikifeed/internal/pipeline"
	"github.com/you/wikifeed/internal/sse"
	"github.com/you/wikifeed/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath  string
		streamURL   string
		userAgent   string
		dbPath      string
		tableName   string
		maxEvents   int
		commitMS    int
		backoffSecs int
		httpAddr    string
		httpRateRPS int
		httpBurst   int
		httpMetrics bool
		httpLog     bool
	)

	flag.StringVar(&configPath, "config", "", "Path to optional YAML config file")
	flag.StringVar(&streamURL, "url", "", "Event stream endpoint URL")
	flag.StringVar(&userAgent, "user-agent", "", "Client identity string sent with the stream request")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&tableName, "table", "", "Target database table name")
	flag.IntVar(&maxEvents, "max-events", 0, "Maximum retained row count (rolling)")
	flag.IntVar(&commitMS, "commit-ms", 0, "Commit interval in milliseconds")
	flag.IntVar(&backoffSecs, "backoff-secs", 0, "Reconnect delay after a transport failure")
	flag.StringVar(&httpAddr, "http-addr", "", "Read-only HTTP API address (e.g., :8790); empty disables")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpLog, "http-access-log", true, "Log HTTP access records")
	flag.Parse()

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("ingestd: %v", err)
	}

	if overrides["url"] {
		cfg.StreamURL = strings.TrimSpace(streamURL)
	}
	if overrides["user-agent"] {
		cfg.UserAgent = strings.TrimSpace(userAgent)
	}
	if overrides["sqlite"] {
		cfg.Sink.Path = strings.TrimSpace(dbPath)
	}
	if overrides["table"] {
		cfg.Sink.Table = strings.TrimSpace(tableName)
	}
	if overrides["max-events"] {
		cfg.Sink.MaxEvents = maxEvents
	}
	if overrides["commit-ms"] {
		cfg.Sink.CommitMS = commitMS
	}
	if overrides["backoff-secs"] {
		cfg.Pipeline.BackoffSecs = backoffSecs
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.EnableMetrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpLog
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("ingestd: %v", err)
	}

	if summary, err := json.Marshal(cfg.Summary()); err == nil {
		log.Printf("ingestd: config %s", summary)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("ingestd: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.Sink.Path, cfg.Sink.Table)
	if err != nil {
		log.Fatalf("ingestd: open store: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("ingestd: ping store: %v", err)
	}
	log.Printf("ingestd: store ready at %s (table=%s, max_events=%d)", cfg.Sink.Path, cfg.Sink.Table, cfg.Sink.MaxEvents)

	source := sse.New(sse.Config{
		URL:       cfg.StreamURL,
		UserAgent: cfg.UserAgent,
	})

	opts := pipeline.Options{
		CommitInterval: cfg.CommitInterval(),
		Backoff:        cfg.Backoff(),
		MaxEvents:      cfg.Sink.MaxEvents,
		ChannelSize:    cfg.Pipeline.ChannelSize,
	}

	var (
		api         *httpapi.Server
		coordinator *pipeline.Coordinator
	)

	if cfg.HTTP.Addr != "" {
		reader, err := store.OpenReader(cfg.Sink.Path, cfg.Sink.Table)
		if err != nil {
			log.Fatalf("ingestd: open read connection: %v", err)
		}
		defer reader.Close()

		api = httpapi.New(reader, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			RateLimitRPS:    cfg.HTTP.RateRPS,
			RateLimitBurst:  cfg.HTTP.RateBurst,
			EnableMetrics:   cfg.HTTP.EnableMetrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			ConfigSnapshot:  cfg.Summary(),
			IngestStats: func() any {
				if coordinator == nil {
					return nil
				}
				return coordinator.Snapshot()
			},
		})
		opts.Broadcast = api
		opts.OnWriteError = api.ReportDBWriteError
	}

	coordinator = pipeline.New(source, db, opts)

	if api != nil {
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("ingestd: http api: %v", err)
			}
		}()
	}

	runErr := coordinator.Run(ctx)

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("ingestd: http api shutdown: %v", err)
		}
		cancelShutdown()
	}

	if err := db.Close(); err != nil {
		log.Printf("ingestd: closing store: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("ingestd: pipeline: %v", runErr)
	}
	log.Printf("ingestd: shutdown complete")
}
