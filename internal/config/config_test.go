package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "WIKIFEED_") {
			t.Setenv(name, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamURL != "https://stream.wikimedia.org/v2/stream/recentchange" {
		t.Fatalf("unexpected default url: %q", cfg.StreamURL)
	}
	if cfg.UserAgent == "" {
		t.Fatalf("default user agent must not be empty")
	}
	if cfg.Sink.Table != "wiki_events" || cfg.Sink.MaxEvents != 100000 {
		t.Fatalf("unexpected sink defaults: %+v", cfg.Sink)
	}
	if cfg.CommitInterval() != 2*time.Second {
		t.Fatalf("unexpected commit interval: %s", cfg.CommitInterval())
	}
	if cfg.Backoff() != 5*time.Second {
		t.Fatalf("unexpected backoff: %s", cfg.Backoff())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIKIFEED_STREAM_URL", "https://example.org/stream")
	t.Setenv("WIKIFEED_USER_AGENT", "custom-agent/2.0")
	t.Setenv("WIKIFEED_SQLITE_PATH", "/tmp/custom.db")
	t.Setenv("WIKIFEED_TABLE", "custom_events")
	t.Setenv("WIKIFEED_MAX_EVENTS", "500")
	t.Setenv("WIKIFEED_COMMIT_MS", "250")
	t.Setenv("WIKIFEED_BACKOFF_SECS", "9")
	t.Setenv("WIKIFEED_HTTP_ADDR", ":9999")
	t.Setenv("WIKIFEED_HTTP_METRICS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamURL != "https://example.org/stream" || cfg.UserAgent != "custom-agent/2.0" {
		t.Fatalf("env identity overrides not applied: %+v", cfg)
	}
	if cfg.Sink.Path != "/tmp/custom.db" || cfg.Sink.Table != "custom_events" {
		t.Fatalf("env sink overrides not applied: %+v", cfg.Sink)
	}
	if cfg.Sink.MaxEvents != 500 || cfg.Sink.CommitMS != 250 {
		t.Fatalf("env numeric overrides not applied: %+v", cfg.Sink)
	}
	if cfg.Pipeline.BackoffSecs != 9 || cfg.HTTP.Addr != ":9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.HTTP.EnableMetrics {
		t.Fatalf("expected metrics disabled via env")
	}
}

func TestLoadMalformedEnvFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIKIFEED_MAX_EVENTS", "not-a-number")
	t.Setenv("WIKIFEED_COMMIT_MS", "-5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sink.MaxEvents != 100000 || cfg.Sink.CommitMS != 2000 {
		t.Fatalf("malformed env should keep defaults: %+v", cfg.Sink)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `stream-url: https://example.org/changes
user-agent: yaml-agent/1.0
db-path: /var/lib/wikifeed/events.db
db-table-name: yaml_events
db-max-events: 2000
commit-interval-ms: 500
backoff-secs: 3
http-addr: ":8791"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamURL != "https://example.org/changes" || cfg.UserAgent != "yaml-agent/1.0" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Sink.Path != "/var/lib/wikifeed/events.db" || cfg.Sink.Table != "yaml_events" {
		t.Fatalf("file sink values not applied: %+v", cfg.Sink)
	}
	if cfg.Sink.MaxEvents != 2000 || cfg.Sink.CommitMS != 500 || cfg.Pipeline.BackoffSecs != 3 {
		t.Fatalf("file numeric values not applied: %+v", cfg)
	}
	if cfg.HTTP.Addr != ":8791" {
		t.Fatalf("file http addr not applied: %q", cfg.HTTP.Addr)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIKIFEED_TABLE", "env_events")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("db-table-name: file_events\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sink.Table != "env_events" {
		t.Fatalf("expected env to win over file, got %q", cfg.Sink.Table)
	}
}

func TestLoadMissingFileReported(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidateRejections(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.StreamURL = "ftp://example.org/stream" }},
		{"no host", func(c *Config) { c.StreamURL = "https://" }},
		{"empty user agent", func(c *Config) { c.UserAgent = "  " }},
		{"empty db path", func(c *Config) { c.Sink.Path = "" }},
		{"bad table", func(c *Config) { c.Sink.Table = "wiki-events" }},
		{"zero max events", func(c *Config) { c.Sink.MaxEvents = 0 }},
		{"zero commit interval", func(c *Config) { c.Sink.CommitMS = 0 }},
	}

	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestSummaryCarriesEffectiveValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIKIFEED_TABLE", "summary_events")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Summary()
	if s.Table != "summary_events" || s.StreamURL != cfg.StreamURL || s.MaxEvents != cfg.Sink.MaxEvents {
		t.Fatalf("summary does not reflect config: %+v", s)
	}
}
