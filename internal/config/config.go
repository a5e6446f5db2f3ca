package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StreamURL string
	UserAgent string
	Sink      SinkConfig
	Pipeline  PipelineConfig
	HTTP      HTTPConfig
}

type SinkConfig struct {
	Path      string
	Table     string
	MaxEvents int
	CommitMS  int
}

type PipelineConfig struct {
	BackoffSecs int
	ChannelSize int
}

type HTTPConfig struct {
	Addr          string
	RateRPS       int
	RateBurst     int
	EnableMetrics bool
	AccessLog     bool
}

const (
	defaultStreamURL   = "https://stream.wikimedia.org/v2/stream/recentchange"
	defaultUserAgent   = "wikifeed-ingest/1.0"
	defaultSQLitePath  = "data/wikipedia-events.db"
	defaultTable       = "wiki_events"
	defaultMaxEvents   = 100000
	defaultCommitMS    = 2000
	defaultBackoffSecs = 5
	defaultChannelSize = 1024
	defaultRateRPS     = 20
	defaultRateBurst   = 40
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// fileConfig mirrors the optional YAML config file. Unset keys fall through
// to defaults; environment variables override the file.
type fileConfig struct {
	StreamURL   string `yaml:"stream-url"`
	UserAgent   string `yaml:"user-agent"`
	DBPath      string `yaml:"db-path"`
	DBTableName string `yaml:"db-table-name"`
	DBMaxEvents int    `yaml:"db-max-events"`
	CommitMS    int    `yaml:"commit-interval-ms"`
	BackoffSecs int    `yaml:"backoff-secs"`
	HTTPAddr    string `yaml:"http-addr"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// WIKIFEED_* environment, in that order of increasing precedence. An empty
// path skips the file step; a missing file at an explicit path is reported.
func Load(path string) (Config, error) {
	cfg := Config{
		StreamURL: defaultStreamURL,
		UserAgent: defaultUserAgent,
		Sink: SinkConfig{
			Path:      defaultSQLitePath,
			Table:     defaultTable,
			MaxEvents: defaultMaxEvents,
			CommitMS:  defaultCommitMS,
		},
		Pipeline: PipelineConfig{
			BackoffSecs: defaultBackoffSecs,
			ChannelSize: defaultChannelSize,
		},
		HTTP: HTTPConfig{
			RateRPS:       defaultRateRPS,
			RateBurst:     defaultRateBurst,
			EnableMetrics: true,
			AccessLog:     true,
		},
	}

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.applyFile(fc)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(fc fileConfig) {
	if s := strings.TrimSpace(fc.StreamURL); s != "" {
		c.StreamURL = s
	}
	if s := strings.TrimSpace(fc.UserAgent); s != "" {
		c.UserAgent = s
	}
	if s := strings.TrimSpace(fc.DBPath); s != "" {
		c.Sink.Path = s
	}
	if s := strings.TrimSpace(fc.DBTableName); s != "" {
		c.Sink.Table = s
	}
	if fc.DBMaxEvents > 0 {
		c.Sink.MaxEvents = fc.DBMaxEvents
	}
	if fc.CommitMS > 0 {
		c.Sink.CommitMS = fc.CommitMS
	}
	if fc.BackoffSecs > 0 {
		c.Pipeline.BackoffSecs = fc.BackoffSecs
	}
	if s := strings.TrimSpace(fc.HTTPAddr); s != "" {
		c.HTTP.Addr = s
	}
}

func (c *Config) applyEnv() {
	if s := strings.TrimSpace(os.Getenv("WIKIFEED_STREAM_URL")); s != "" {
		c.StreamURL = s
	}
	if s := strings.TrimSpace(os.Getenv("WIKIFEED_USER_AGENT")); s != "" {
		c.UserAgent = s
	}
	if s := strings.TrimSpace(os.Getenv("WIKIFEED_SQLITE_PATH")); s != "" {
		c.Sink.Path = s
	}
	if s := strings.TrimSpace(os.Getenv("WIKIFEED_TABLE")); s != "" {
		c.Sink.Table = s
	}
	c.Sink.MaxEvents = readInt("WIKIFEED_MAX_EVENTS", c.Sink.MaxEvents)
	c.Sink.CommitMS = readInt("WIKIFEED_COMMIT_MS", c.Sink.CommitMS)
	c.Pipeline.BackoffSecs = readInt("WIKIFEED_BACKOFF_SECS", c.Pipeline.BackoffSecs)
	c.Pipeline.ChannelSize = readInt("WIKIFEED_CHANNEL_SIZE", c.Pipeline.ChannelSize)
	if s := strings.TrimSpace(os.Getenv("WIKIFEED_HTTP_ADDR")); s != "" {
		c.HTTP.Addr = s
	}
	c.HTTP.RateRPS = readInt("WIKIFEED_HTTP_RATE_RPS", c.HTTP.RateRPS)
	c.HTTP.RateBurst = readInt("WIKIFEED_HTTP_RATE_BURST", c.HTTP.RateBurst)
	c.HTTP.EnableMetrics = readBool("WIKIFEED_HTTP_METRICS", c.HTTP.EnableMetrics)
	c.HTTP.AccessLog = readBool("WIKIFEED_HTTP_ACCESS_LOG", c.HTTP.AccessLog)
}

// Validate rejects configurations that would fail mid-stream. Called once at
// startup; any error here aborts the process.
func (c Config) Validate() error {
	u, err := url.Parse(c.StreamURL)
	if err != nil {
		return fmt.Errorf("config: stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: stream url %q: scheme must be http or https", c.StreamURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: stream url %q: missing host", c.StreamURL)
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("config: user agent must not be empty (the stream rejects unidentified clients)")
	}
	if strings.TrimSpace(c.Sink.Path) == "" {
		return fmt.Errorf("config: sqlite path must not be empty")
	}
	if !identPattern.MatchString(c.Sink.Table) {
		return fmt.Errorf("config: table name %q is not a valid identifier", c.Sink.Table)
	}
	if c.Sink.MaxEvents <= 0 {
		return fmt.Errorf("config: max events must be positive, got %d", c.Sink.MaxEvents)
	}
	if c.Sink.CommitMS <= 0 {
		return fmt.Errorf("config: commit interval must be positive, got %dms", c.Sink.CommitMS)
	}
	return nil
}

func (c Config) CommitInterval() time.Duration {
	return time.Duration(c.Sink.CommitMS) * time.Millisecond
}

func (c Config) Backoff() time.Duration {
	return time.Duration(c.Pipeline.BackoffSecs) * time.Second
}

// Summary is the startup log payload. Nothing here is secret (the feed is
// public), so no redaction is needed.
type Summary struct {
	StreamURL string `json:"stream_url"`
	UserAgent string `json:"user_agent"`
	DBPath    string `json:"db_path"`
	Table     string `json:"table"`
	MaxEvents int    `json:"max_events"`
	CommitMS  int    `json:"commit_ms"`
	Backoff   int    `json:"backoff_secs"`
	HTTPAddr  string `json:"http_addr,omitempty"`
}

func (c Config) Summary() Summary {
	return Summary{
		StreamURL: c.StreamURL,
		UserAgent: c.UserAgent,
		DBPath:    c.Sink.Path,
		Table:     c.Sink.Table,
		MaxEvents: c.Sink.MaxEvents,
		CommitMS:  c.Sink.CommitMS,
		Backoff:   c.Pipeline.BackoffSecs,
		HTTPAddr:  c.HTTP.Addr,
	}
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
