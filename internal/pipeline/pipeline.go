package pipeline

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/you/wikifeed/internal/core"
	"github.com/you/wikifeed/internal/normalize"
)

// Source produces one connection's worth of raw frames per Stream call and
// returns when the transport fails or ctx is cancelled.
type Source interface {
	Stream(ctx context.Context, handle func(core.RawEvent)) error
}

// Writer is the store surface the coordinator drives. It is the store's sole
// writer; all other connections are read-only.
type Writer interface {
	Insert(core.NormalizedRecord) error
	Commit() error
	EnforceRetention(max int) (int64, error)
}

// Broadcaster receives each successfully inserted record for live fan-out.
type Broadcaster interface {
	Broadcast(core.NormalizedRecord)
}

// State is the coordinator's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

type Options struct {
	CommitInterval time.Duration // default 2s
	Backoff        time.Duration // fixed reconnect delay, default 5s
	MaxEvents      int           // retention bound; 0 disables pruning
	ChannelSize    int           // frame channel buffer, default 1024

	Broadcast    Broadcaster // optional
	OnWriteError func()      // optional, called per failed insert
}

// Coordinator owns the connection lifecycle and all writes to the store. One
// sequential loop consumes frames, commits on a timer and prunes after
// commits; per-event failures never leave this package.
type Coordinator struct {
	source  Source
	store   Writer
	opts    Options
	state   atomic.Int32
	metrics ingestMetrics
}

func New(source Source, store Writer, opts Options) *Coordinator {
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = 2 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = 1024
	}
	return &Coordinator{source: source, store: store, opts: opts}
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the connect/stream/backoff loop until ctx is cancelled. It
// always exits through the shutdown path: the final partial batch is
// committed before returning. The caller closes the store.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.CommitInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return c.shutdown(ctx)
		}

		c.setState(StateConnecting)
		log.Printf("pipeline: connecting to stream")

		streamCtx, cancelStream := context.WithCancel(ctx)
		frames := make(chan core.RawEvent, c.opts.ChannelSize)
		errCh := make(chan error, 1)

		go func() {
			errCh <- c.source.Stream(streamCtx, func(ev core.RawEvent) {
				select {
				case frames <- ev:
				case <-streamCtx.Done():
				}
			})
		}()

		streamErr, streamDone := c.consume(ctx, frames, errCh, ticker.C)
		cancelStream()
		if !streamDone {
			// wait for the stream goroutine before flushing
			<-errCh
		}
		if streamErr == nil {
			return c.shutdown(ctx)
		}

		c.metrics.reconnects.Add(1)
		if err := c.commitAndPrune(); err != nil {
			log.Printf("pipeline: flush before backoff: %v", err)
		}

		c.setState(StateBackoff)
		log.Printf("pipeline: stream failed: %v; reconnecting in %s", streamErr, c.opts.Backoff)
		if !sleepContext(ctx, c.opts.Backoff) {
			return c.shutdown(ctx)
		}
	}
}

// consume runs one connection's read loop. A nil error means ctx was
// cancelled; otherwise it is the transport error that ended the stream.
// streamDone reports whether the stream goroutine has already returned.
func (c *Coordinator) consume(ctx context.Context, frames <-chan core.RawEvent, errCh <-chan error, ticks <-chan time.Time) (streamErr error, streamDone bool) {
	var (
		total    int
		window   int
		nextTick = time.Now().Add(10 * time.Second)
	)

	progress := func() {
		now := time.Now()
		if now.After(nextTick) || now.Equal(nextTick) {
			log.Printf("pipeline: recv %d events (total %d)", window, total)
			window = 0
			nextTick = now.Add(10 * time.Second)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case ev := <-frames:
			c.setState(StateStreaming)
			total++
			window++
			c.handleEvent(ev)
			progress()
		case <-ticks:
			if err := c.commitAndPrune(); err != nil {
				log.Printf("pipeline: commit: %v", err)
			}
		case err := <-errCh:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil, true
			}
			// drain frames the goroutine already queued before it failed
			for {
				select {
				case ev := <-frames:
					c.handleEvent(ev)
				default:
					if err == nil {
						err = errors.New("pipeline: stream ended without error")
					}
					return err, true
				}
			}
		}
	}
}

func (c *Coordinator) handleEvent(ev core.RawEvent) {
	c.metrics.seen.Add(1)

	rec, err := normalize.FromRaw(ev)
	if err != nil {
		var skip *normalize.SkipError
		if errors.As(err, &skip) {
			c.metrics.incSkip(skip.Reason)
			switch skip.Reason {
			case normalize.ReasonFrame, normalize.ReasonFiltered:
				// routine, stays quiet
			default:
				slog.Warn("pipeline: skipping event", "reason", skip.Reason, "err", skip.Err)
			}
			return
		}
		c.metrics.incSkip("unknown")
		slog.Warn("pipeline: skipping event", "err", err)
		return
	}

	if err := c.store.Insert(rec); err != nil {
		c.metrics.insertFailures.Add(1)
		log.Printf("pipeline: insert failed: %v", err)
		if c.opts.OnWriteError != nil {
			c.opts.OnWriteError()
		}
		return
	}
	c.metrics.kept.Add(1)

	if c.opts.Broadcast != nil {
		c.opts.Broadcast.Broadcast(rec)
	}
}

func (c *Coordinator) commitAndPrune() error {
	if err := c.store.Commit(); err != nil {
		return err
	}
	c.metrics.commits.Add(1)

	if c.opts.MaxEvents > 0 {
		removed, err := c.store.EnforceRetention(c.opts.MaxEvents)
		if err != nil {
			return err
		}
		if removed > 0 {
			c.metrics.rowsPruned.Add(removed)
			log.Printf("pipeline: retention pruned %d rows", removed)
		}
	}
	return nil
}

// shutdown commits the final partial batch. Stop is irreversible.
func (c *Coordinator) shutdown(ctx context.Context) error {
	c.setState(StateShutdown)
	if err := c.store.Commit(); err != nil {
		log.Printf("pipeline: final commit: %v", err)
	} else {
		c.metrics.commits.Add(1)
	}
	log.Printf("pipeline: shutdown complete (seen=%d kept=%d)", c.metrics.seen.Load(), c.metrics.kept.Load())
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
