package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accessRecorder captures the status code and body size for the access log
// and metrics while delegating everything to the real writer.
type accessRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (a *accessRecorder) WriteHeader(code int) {
	a.code = code
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(b []byte) (int, error) {
	if a.code == 0 {
		a.code = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(b)
	a.written += int64(n)
	return n, err
}

func (a *accessRecorder) Status() int {
	if a.code == 0 {
		return http.StatusOK
	}
	return a.code
}

func (a *accessRecorder) Bytes() int64 { return a.written }

// Flush keeps streaming handlers working through the recorder.
func (a *accessRecorder) Flush() {
	if f, ok := a.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *accessRecorder) Unwrap() http.ResponseWriter { return a.ResponseWriter }

// baseWriter peels off any wrapping layers and returns the underlying writer.
// Handlers needing the concrete interfaces of the base ResponseWriter
// (WebSocket upgrades need http.Hijacker on HTTP/1.1) go through this.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return w
		}
		w = u.Unwrap()
	}
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// visitorLimiter applies a per-IP token bucket. Idle entries are swept on a
// time basis so the map does not grow with one-off clients.
type visitorLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

func newVisitorLimiter(rps, burst int) *visitorLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitorLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(rps),
		burst:     burst,
		ttl:       5 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (v *visitorLimiter) Allow(ip string) bool {
	if v == nil {
		return true
	}
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastSweep) > v.ttl {
		for key, vis := range v.visitors {
			if now.Sub(vis.seen) > v.ttl {
				delete(v.visitors, key)
			}
		}
		v.lastSweep = now
	}

	vis := v.visitors[ip]
	if vis == nil {
		vis = &visitor{lim: rate.NewLimiter(v.limit, v.burst)}
		v.visitors[ip] = vis
	}
	vis.seen = now
	return vis.lim.Allow()
}

// remoteIP prefers the first non-empty X-Forwarded-For entry, then falls back
// to the connection's address.
func remoteIP(r *http.Request) string {
	rest := r.Header.Get("X-Forwarded-For")
	for rest != "" {
		var first string
		first, rest, _ = strings.Cut(rest, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
