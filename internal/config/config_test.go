// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, .env files, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./ingest.db"
provider:
  access_token: "tok"
  verify_token: "verify-me"
engine:
  url: "http://localhost:9000/respond"
media:
  dir: "./media"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"buffer.debounce", cfg.Buffer.Debounce, 2 * time.Second},
		{"buffer.max_wait", cfg.Buffer.MaxWait, 20 * time.Second},
		{"buffer.safety_margin", cfg.Buffer.SafetyMargin, 5 * time.Second},
		{"buffer.recheck_interval", cfg.Buffer.RecheckInterval, time.Second},
		{"dedupe.window", cfg.Dedupe.Window, 2 * time.Minute},
		{"media.failed_ttl", cfg.Media.FailedTTL, time.Hour},
		{"media.freshness", cfg.Media.Freshness, 24 * time.Hour},
		{"media.retention", cfg.Media.Retention, 7 * 24 * time.Hour},
		{"provider.metadata_timeout", cfg.Provider.MetadataTimeout, 10 * time.Second},
		{"provider.download_timeout", cfg.Provider.DownloadTimeout, 30 * time.Second},
		{"engine.timeout", cfg.Engine.Timeout, 120 * time.Second},
		{"redis.ping_interval", cfg.Redis.PingInterval, 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if cfg.Media.MaxAttempts != 3 {
		t.Errorf("media.max_attempts = %d, want 3", cfg.Media.MaxAttempts)
	}
	if cfg.Media.BackoffBase != 2 {
		t.Errorf("media.backoff_base = %v, want 2", cfg.Media.BackoffBase)
	}
	if cfg.Media.SweepSchedule != "@daily" {
		t.Errorf("media.sweep_schedule = %q, want @daily", cfg.Media.SweepSchedule)
	}
	if cfg.Dedupe.LocalMaxSize != 10000 {
		t.Errorf("dedupe.local_max_size = %d, want 10000", cfg.Dedupe.LocalMaxSize)
	}
	if cfg.Provider.BaseURL != "https://graph.facebook.com/v21.0" {
		t.Errorf("provider.base_url = %q", cfg.Provider.BaseURL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("redis.url should default to empty, got %q", cfg.Redis.URL)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	content := `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./ingest.db"
provider:
  access_token: "tok"
  verify_token: "verify-me"
  max_download_bytes: 1048576
engine:
  url: "http://localhost:9000/respond"
redis:
  url: "redis://cache:6379/2"
  ping_interval: "3s"
buffer:
  debounce: "1500ms"
  max_wait: "10s"
dedupe:
  window: "5m"
  local_max_size: 50
media:
  dir: "./media"
  sweep_schedule: "0 3 * * *"
  max_attempts: 5
  backoff_base: 1.5
tasks:
  concurrency: 2
  task_timeout: "30s"
logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Redis.URL != "redis://cache:6379/2" {
		t.Errorf("redis.url = %q", cfg.Redis.URL)
	}
	if cfg.Provider.MaxDownloadBytes != 1<<20 {
		t.Errorf("provider.max_download_bytes = %d", cfg.Provider.MaxDownloadBytes)
	}
	if cfg.Redis.PingInterval != 3*time.Second {
		t.Errorf("redis.ping_interval = %v", cfg.Redis.PingInterval)
	}
	if cfg.Buffer.Debounce != 1500*time.Millisecond {
		t.Errorf("buffer.debounce = %v", cfg.Buffer.Debounce)
	}
	if cfg.Buffer.MaxWait != 10*time.Second {
		t.Errorf("buffer.max_wait = %v", cfg.Buffer.MaxWait)
	}
	if cfg.Dedupe.Window != 5*time.Minute || cfg.Dedupe.LocalMaxSize != 50 {
		t.Errorf("dedupe = %+v", cfg.Dedupe)
	}
	if cfg.Media.SweepSchedule != "0 3 * * *" || cfg.Media.MaxAttempts != 5 || cfg.Media.BackoffBase != 1.5 {
		t.Errorf("media = %+v", cfg.Media)
	}
	if cfg.Tasks.Concurrency != 2 || cfg.Tasks.TaskTimeout != 30*time.Second {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q", cfg.Logging.Format)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_INGEST_TOKEN", "from-env")
	content := strings.Replace(minimalConfig, `access_token: "tok"`, `access_token: "${TEST_INGEST_TOKEN}"`, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider.AccessToken != "from-env" {
		t.Errorf("provider.access_token = %q, want from-env", cfg.Provider.AccessToken)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"\nbuffer:\n  debounce: \"soon\"\n"))
	if err == nil || !strings.Contains(err.Error(), "buffer.debounce") {
		t.Fatalf("expected buffer.debounce error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "ingest"
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"missing verify token", func(c *Config) { c.Provider.VerifyToken = "" }, "verify_token"},
		{"missing access token", func(c *Config) { c.Provider.AccessToken = "" }, "access_token"},
		{"missing engine url", func(c *Config) { c.Engine.URL = "" }, "engine.url"},
		{"debounce not below max wait", func(c *Config) { c.Buffer.Debounce = c.Buffer.MaxWait }, "buffer.debounce"},
		{"missing media dir", func(c *Config) { c.Media.Dir = "" }, "media.dir"},
		{"bad cron", func(c *Config) { c.Media.SweepSchedule = "every day" }, "sweep_schedule"},
		{"zero attempts", func(c *Config) { c.Media.MaxAttempts = 0 }, "max_attempts"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalConfig))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.edit(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("TEST_DOTENV_VALUE=loaded\nTEST_DOTENV_KEEP=file\n"), 0644); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Setenv("TEST_DOTENV_KEEP", "env")
	t.Setenv("TEST_DOTENV_VALUE", "")
	os.Unsetenv("TEST_DOTENV_VALUE")

	loaded, err := LoadDotEnv(envPath, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != envPath {
		t.Errorf("loaded = %v, want [%s]", loaded, envPath)
	}
	if got := os.Getenv("TEST_DOTENV_VALUE"); got != "loaded" {
		t.Errorf("TEST_DOTENV_VALUE = %q, want loaded", got)
	}
	if got := os.Getenv("TEST_DOTENV_KEEP"); got != "env" {
		t.Errorf("existing env should win, got %q", got)
	}
}
