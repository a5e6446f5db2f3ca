package pipeline

import (
	"sync"
	"sync/atomic"
)

// ingestMetrics tracks basic counters for the ingest loop.
type ingestMetrics struct {
	seen           atomic.Int64
	kept           atomic.Int64
	skipped        atomic.Int64
	insertFailures atomic.Int64
	commits        atomic.Int64
	rowsPruned     atomic.Int64
	reconnects     atomic.Int64

	mu       sync.Mutex
	byReason map[string]int64
}

func (m *ingestMetrics) incSkip(reason string) {
	m.skipped.Add(1)
	m.mu.Lock()
	if m.byReason == nil {
		m.byReason = make(map[string]int64)
	}
	m.byReason[reason]++
	m.mu.Unlock()
}

func (m *ingestMetrics) skipReasons() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.byReason))
	for reason, n := range m.byReason {
		out[reason] = n
	}
	return out
}

// Snapshot is a point-in-time view of the coordinator's counters, exposed to
// the HTTP API's /stats route.
type Snapshot struct {
	State           string           `json:"state"`
	EventsSeen      int64            `json:"events_seen"`
	EventsKept      int64            `json:"events_kept"`
	EventsSkipped   int64            `json:"events_skipped"`
	SkippedByReason map[string]int64 `json:"skipped_by_reason,omitempty"`
	InsertFailures  int64            `json:"insert_failures"`
	Commits         int64            `json:"commits"`
	RowsPruned      int64            `json:"rows_pruned"`
	Reconnects      int64            `json:"reconnects"`
}

// Snapshot returns the current counter values.
func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{
		State:           c.State().String(),
		EventsSeen:      c.metrics.seen.Load(),
		EventsKept:      c.metrics.kept.Load(),
		EventsSkipped:   c.metrics.skipped.Load(),
		SkippedByReason: c.metrics.skipReasons(),
		InsertFailures:  c.metrics.insertFailures.Load(),
		Commits:         c.metrics.commits.Load(),
		RowsPruned:      c.metrics.rowsPruned.Load(),
		Reconnects:      c.metrics.reconnects.Load(),
	}
}
