package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/you/wikifeed/internal/core"
	"github.com/you/wikifeed/internal/store"
)

// ReadStore is the read-only query surface the dashboard relies on. All
// methods observe only committed data.
type ReadStore interface {
	MaxID() (int64, error)
	Count() (int64, error)
	Recent(ctx context.Context, limit int) ([]core.NormalizedRecord, error)
	EditRate(ctx context.Context, window time.Duration) ([]store.RateBucket, error)
	FileSizeMiB() (float64, error)
}

type Options struct {
	Addr            string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	IngestStats     func() any // pipeline counter snapshot, shown under /stats
	ConfigSnapshot  any
}

type Server struct {
	httpServer *http.Server
	store      ReadStore
	opts       Options
	metrics    *Metrics
	limiter    *visitorLimiter
	mux        *http.ServeMux

	mu         sync.Mutex
	sseClients map[chan core.NormalizedRecord]struct{}
	wsClients  map[chan core.NormalizedRecord]struct{}
	closed     bool
}

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	maxRateWindow      = 24 * time.Hour
)

func New(store ReadStore, opts Options) *Server {
	srv := &Server{
		store:      store,
		opts:       opts,
		limiter:    newVisitorLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		sseClients: make(map[chan core.NormalizedRecord]struct{}),
		wsClients:  make(map[chan core.NormalizedRecord]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.HandleFunc("/count", srv.wrap("count", srv.handleCount))
	mux.HandleFunc("/stats", srv.wrap("stats", srv.handleStats))
	mux.HandleFunc("/recent", srv.wrap("recent", srv.handleRecent))
	mux.HandleFunc("/rate", srv.wrap("rate", srv.handleRate))
	mux.HandleFunc("/stream", srv.wrap("stream", srv.handleStream))
	mux.HandleFunc("/ws", srv.wrap("ws", srv.handleWS))
	if srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics.Handler())
	}
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the underlying mux so extra handlers can be registered before
// Start.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(remoteIP(r)) {
			if s.metrics != nil {
				s.metrics.IncRateLimited()
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		rec := &accessRecorder{ResponseWriter: w}
		start := time.Now()
		h(rec, r)
		dur := time.Since(start)

		if s.metrics != nil {
			s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
		}
		if s.opts.EnableAccessLog {
			log.Printf("httpapi: %s %s %d %dB %s ip=%s",
				r.Method, r.URL.Path, rec.Status(), rec.Bytes(), dur.Round(time.Millisecond), remoteIP(r))
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	count, err := s.store.Count()
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	maxID, err := s.store.MaxID()
	if err != nil {
		http.Error(w, "stats error", http.StatusInternalServerError)
		return
	}
	count, err := s.store.Count()
	if err != nil {
		http.Error(w, "stats error", http.StatusInternalServerError)
		return
	}

	payload := map[string]any{
		"max_id": maxID,
		"count":  count,
	}
	if size, err := s.store.FileSizeMiB(); err == nil {
		payload["db_size_mib"] = size
	}
	if s.opts.IngestStats != nil {
		payload["ingest"] = s.opts.IngestStats()
	}
	if s.opts.ConfigSnapshot != nil {
		payload["config"] = s.opts.ConfigSnapshot
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > maxRecentLimit {
			n = maxRecentLimit
		}
		limit = n
	}

	rows, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.NormalizedRecord{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	window := 15 * time.Minute
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration (e.g. 15m)", http.StatusBadRequest)
			return
		}
		if d > maxRateWindow {
			d = maxRateWindow
		}
		window = d
	}

	buckets, err := s.store.EditRate(r.Context(), window)
	if err != nil {
		http.Error(w, "rate error", http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []store.RateBucket{}
	}
	writeJSON(w, map[string]any{
		"window":  window.String(),
		"buckets": buckets,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := baseWriter(w).(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan core.NormalizedRecord, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sseClients[clientCh] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncSSEClients(1)
	}

	defer func() {
		s.mu.Lock()
		delete(s.sseClients, clientCh)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncSSEClients(-1)
		}
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case rec, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
			if s.metrics != nil {
				s.metrics.IncDelivered("sse")
			}
		}
	}
}

// Broadcast fans a freshly stored record out to all connected live clients.
// Slow clients drop rather than block the pipeline.
func (s *Server) Broadcast(rec core.NormalizedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Shutdown has closed the client channels; they stay in the maps
		// until each handler's deferred delete runs.
		return
	}

	for ch := range s.sseClients {
		select {
		case ch <- rec:
		default:
			if s.metrics != nil {
				s.metrics.IncBroadcastDrops("sse")
			}
		}
	}
	for ch := range s.wsClients {
		select {
		case ch <- rec:
		default:
			if s.metrics != nil {
				s.metrics.IncBroadcastDrops("ws")
			}
		}
	}
}

// ReportDBWriteError bumps the write-error counter shown at /metrics.
func (s *Server) ReportDBWriteError() {
	if s.metrics != nil {
		s.metrics.IncDBWriteErrors()
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.sseClients {
		close(ch)
	}
	for ch := range s.wsClients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}
