package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/wikifeed/internal/core"
)

// Kind classifies a transport failure. All kinds are recoverable: the caller
// may call Stream again to obtain a fresh connection.
type Kind int

const (
	KindConnect Kind = iota
	KindStatus
	KindRead
	KindTruncated
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindStatus:
		return "status"
	case KindRead:
		return "read"
	case KindTruncated:
		return "truncated"
	}
	return "unknown"
}

// TransportError wraps a connection-level failure with its classification.
type TransportError struct {
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sse: transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	URL            string
	UserAgent      string
	ConnectTimeout time.Duration // dial + response header; default 10s
	MaxFrameBytes  int           // per-line scanner limit; default 1MiB
}

// Handler receives each decoded frame. The payload is passed through
// unmodified, including payloads that are not valid change events; rejecting
// those is the filter stage's job.
type Handler func(core.RawEvent)

// Client holds one endpoint's connection settings. Each Stream call is a
// single connection attempt producing an infinite frame sequence; it is not
// restartable, the caller reconnects by calling Stream again.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
	}
	// No overall client timeout: the response body is an endless stream.
	return &Client{cfg: cfg, http: &http.Client{Transport: transport}}
}

// Stream connects and delivers frames to handle until the transport fails or
// ctx is cancelled. The returned error is a *TransportError for connection
// failures, or the context error on cancellation.
func (c *Client) Stream(ctx context.Context, handle func(core.RawEvent)) error {
	streamURL := strings.TrimSpace(c.cfg.URL)
	if streamURL == "" {
		return errors.New("sse: URL is required")
	}
	if _, err := url.ParseRequestURI(streamURL); err != nil {
		return errors.Wrap(err, "sse: invalid URL")
	}
	if strings.TrimSpace(c.cfg.UserAgent) == "" {
		return errors.New("sse: UserAgent is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return errors.Wrap(err, "sse: build request")
	}
	// The remote rejects default client identities with a 403.
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Kind: KindConnect, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return &TransportError{
			Kind: KindStatus,
			Err:  fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	maxFrame := c.cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)

	var (
		event   string
		id      string
		data    strings.Builder
		pending bool
	)

	dispatch := func() {
		if data.Len() == 0 {
			event, id, pending = "", "", false
			return
		}
		handle(core.RawEvent{Event: event, ID: id, Data: data.String()})
		event, id = "", ""
		data.Reset()
		pending = false
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			// server keepalive comment
			continue
		}

		name, value := splitField(line)
		switch name {
		case "event":
			event = value
			pending = true
		case "id":
			id = value
			pending = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			pending = true
		default:
			// unknown fields are ignored per the protocol
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{Kind: KindRead, Err: err}
	}
	if pending || data.Len() > 0 {
		return &TransportError{Kind: KindTruncated, Err: errors.New("stream ended mid-frame")}
	}
	// A clean EOF on an infinite stream still means the remote went away.
	return &TransportError{Kind: KindRead, Err: errors.New("stream closed by remote")}
}

func splitField(line string) (name, value string) {
	idx := strings.Index(line, ":")
	if idx == -1 {
		return line, ""
	}
	name = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return name, value
}
