package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/wikifeed/internal/core"
)

// fakeSource replays scripted frames, one batch per Stream call, then returns
// the scripted error for that connection attempt. A nil error entry blocks
// until ctx is cancelled, imitating a healthy long-lived stream.
type fakeSource struct {
	mu       sync.Mutex
	attempts int
	script   []fakeAttempt
}

type fakeAttempt struct {
	frames []core.RawEvent
	err    error
}

func (f *fakeSource) Stream(ctx context.Context, handle func(core.RawEvent)) error {
	f.mu.Lock()
	idx := f.attempts
	f.attempts++
	var attempt fakeAttempt
	if idx < len(f.script) {
		attempt = f.script[idx]
	}
	f.mu.Unlock()

	for _, ev := range attempt.frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handle(ev)
	}
	if attempt.err != nil {
		return attempt.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// fakeWriter records inserts and commits in memory.
type fakeWriter struct {
	mu        sync.Mutex
	inserted  []core.NormalizedRecord
	commits   int
	pruned    bool
	insertErr error
}

func (w *fakeWriter) Insert(rec core.NormalizedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.insertErr != nil {
		return w.insertErr
	}
	w.inserted = append(w.inserted, rec)
	return nil
}

func (w *fakeWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits++
	return nil
}

func (w *fakeWriter) EnforceRetention(max int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruned = true
	return 0, nil
}

func (w *fakeWriter) insertedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inserted)
}

func (w *fakeWriter) commitCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commits
}

func edit(title string) core.RawEvent {
	return core.RawEvent{
		Event: "message",
		Data:  `{"type":"edit","meta":{"dt":"2024-01-01T00:00:00Z"},"title":"` + title + `"}`,
	}
}

func runUntil(t *testing.T, c *Coordinator, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("coordinator did not stop")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestMalformedEventDoesNotStopPipeline(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{
			edit("First"),
			{Event: "message", Data: `{"type":"edit", corrupt`},
			edit("Second"),
		},
	}}}
	writer := &fakeWriter{}
	c := New(source, writer, Options{CommitInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return writer.insertedCount() == 2 })
		cancel()
	}()

	if err := runUntil(t, c, ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean cancellation, got %v", err)
	}

	snap := c.Snapshot()
	if snap.EventsSeen != 3 || snap.EventsKept != 2 {
		t.Fatalf("expected seen=3 kept=2, got %+v", snap)
	}
	if snap.EventsSkipped != 1 {
		t.Fatalf("expected 1 skip, got %+v", snap)
	}
}

func TestFilteredEventsNotInserted(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{
			edit("Kept"),
			{Event: "message", Data: `{"type":"log","meta":{"dt":"2024-01-01T00:00:00Z"}}`},
			{Event: "message", Data: `{"type":"categorize","meta":{"dt":"2024-01-01T00:00:00Z"}}`},
		},
	}}}
	writer := &fakeWriter{}
	c := New(source, writer, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return c.Snapshot().EventsSeen == 3 })
		cancel()
	}()
	runUntil(t, c, ctx)

	if got := writer.insertedCount(); got != 1 {
		t.Fatalf("expected 1 insert, got %d", got)
	}
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{
		{frames: []core.RawEvent{edit("Before")}, err: errors.New("connection reset")},
		{frames: []core.RawEvent{edit("After")}},
	}}
	writer := &fakeWriter{}
	c := New(source, writer, Options{Backoff: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return writer.insertedCount() == 2 })
		cancel()
	}()

	if err := runUntil(t, c, ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean cancellation, got %v", err)
	}
	if got := source.attemptCount(); got < 2 {
		t.Fatalf("expected reconnect, attempts=%d", got)
	}
	if snap := c.Snapshot(); snap.Reconnects != 1 {
		t.Fatalf("expected 1 reconnect counted, got %+v", snap)
	}
	if c.State() != StateShutdown {
		t.Fatalf("expected shutdown state, got %s", c.State())
	}
}

func TestPersistentFailureKeepsRetrying(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{
		{err: errors.New("dial refused")},
		{err: errors.New("dial refused")},
		{err: errors.New("dial refused")},
	}}
	writer := &fakeWriter{}
	c := New(source, writer, Options{Backoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return source.attemptCount() >= 3 })
		cancel()
	}()

	if err := runUntil(t, c, ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to end the retry loop, got %v", err)
	}
}

func TestInsertFailureIsCountedNotFatal(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{edit("A"), edit("B")},
	}}}
	writer := &fakeWriter{insertErr: errors.New("disk full")}
	var writeErrs int
	var mu sync.Mutex
	c := New(source, writer, Options{OnWriteError: func() {
		mu.Lock()
		writeErrs++
		mu.Unlock()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return c.Snapshot().InsertFailures == 2 })
		cancel()
	}()
	runUntil(t, c, ctx)

	mu.Lock()
	defer mu.Unlock()
	if writeErrs != 2 {
		t.Fatalf("expected write error callback twice, got %d", writeErrs)
	}
}

func TestShutdownCommitsFinalBatch(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{edit("Final")},
	}}}
	writer := &fakeWriter{}
	// long commit interval so only the shutdown path can flush
	c := New(source, writer, Options{CommitInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return writer.insertedCount() == 1 })
		cancel()
	}()
	runUntil(t, c, ctx)

	if writer.commitCount() == 0 {
		t.Fatalf("expected final commit during shutdown")
	}
}

func TestPeriodicCommitAndPrune(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{edit("A")},
	}}}
	writer := &fakeWriter{}
	c := New(source, writer, Options{CommitInterval: 5 * time.Millisecond, MaxEvents: 100})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return writer.commitCount() >= 2 })
		cancel()
	}()
	runUntil(t, c, ctx)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if !writer.pruned {
		t.Fatalf("expected retention to run after commits")
	}
}

func TestBroadcastReceivesInsertedRecords(t *testing.T) {
	source := &fakeSource{script: []fakeAttempt{{
		frames: []core.RawEvent{edit("Live")},
	}}}
	writer := &fakeWriter{}

	var mu sync.Mutex
	var got []core.NormalizedRecord
	c := New(source, writer, Options{Broadcast: broadcastFunc(func(rec core.NormalizedRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		})
		cancel()
	}()
	runUntil(t, c, ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Title != "Live" {
		t.Fatalf("broadcast did not see inserted record: %+v", got)
	}
}

type broadcastFunc func(core.NormalizedRecord)

func (f broadcastFunc) Broadcast(rec core.NormalizedRecord) { f(rec) }
