// ABOUTME: Configuration loading and parsing for coven-ingest
// ABOUTME: Supports YAML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-ingest configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Provider  ProviderConfig  `yaml:"provider"`
	Engine    EngineConfig    `yaml:"engine"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Media     MediaConfig     `yaml:"media"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Public HTTPS ingress so the provider can reach the webhook
}

// RedisConfig holds the shared store connection. An empty URL selects the
// in-process store, which is only correct for a single replica.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`

	DialTimeoutRaw  string `yaml:"dial_timeout"`
	PingIntervalRaw string `yaml:"ping_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret guards the ops endpoints. Empty leaves them open.
	JWTSecret string `yaml:"jwt_secret"`
	// AppSecret verifies webhook signatures. Empty skips verification.
	AppSecret string `yaml:"app_secret"`
}

// ProviderConfig holds the messaging provider API settings
type ProviderConfig struct {
	BaseURL         string        `yaml:"base_url"`
	AccessToken     string        `yaml:"access_token"`
	PhoneNumberID   string        `yaml:"phone_number_id"`
	VerifyToken     string        `yaml:"verify_token"`
	MetadataTimeout time.Duration `yaml:"-"`
	DownloadTimeout time.Duration `yaml:"-"`

	// MaxDownloadBytes caps one attachment; zero uses the client default.
	MaxDownloadBytes int64 `yaml:"max_download_bytes"`

	MetadataTimeoutRaw string `yaml:"metadata_timeout"`
	DownloadTimeoutRaw string `yaml:"download_timeout"`
}

// EngineConfig holds the decision engine endpoint
type EngineConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// BufferConfig holds debounce timings
type BufferConfig struct {
	Debounce        time.Duration `yaml:"-"`
	MaxWait         time.Duration `yaml:"-"`
	SafetyMargin    time.Duration `yaml:"-"`
	RecheckInterval time.Duration `yaml:"-"`

	DebounceRaw        string `yaml:"debounce"`
	MaxWaitRaw         string `yaml:"max_wait"`
	SafetyMarginRaw    string `yaml:"safety_margin"`
	RecheckIntervalRaw string `yaml:"recheck_interval"`
}

// DedupeConfig holds duplicate suppression settings
type DedupeConfig struct {
	Window       time.Duration `yaml:"-"`
	LocalMaxSize int           `yaml:"local_max_size"`

	WindowRaw string `yaml:"window"`
}

// MediaConfig holds attachment cache settings
type MediaConfig struct {
	Dir           string        `yaml:"dir"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   float64       `yaml:"backoff_base"`
	FailedTTL     time.Duration `yaml:"-"`
	Freshness     time.Duration `yaml:"-"`
	Retention     time.Duration `yaml:"-"`

	FailedTTLRaw string `yaml:"failed_ttl"`
	FreshnessRaw string `yaml:"freshness"`
	RetentionRaw string `yaml:"retention"`
}

// TasksConfig holds executor settings
type TasksConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"-"`

	TaskTimeoutRaw string `yaml:"task_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDotEnv loads environment variables from .env files that exist. Values
// already present in the environment win. It returns the files it loaded.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("loading %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"redis.dial_timeout", cfg.Redis.DialTimeoutRaw, &cfg.Redis.DialTimeout},
		{"redis.ping_interval", cfg.Redis.PingIntervalRaw, &cfg.Redis.PingInterval},
		{"provider.metadata_timeout", cfg.Provider.MetadataTimeoutRaw, &cfg.Provider.MetadataTimeout},
		{"provider.download_timeout", cfg.Provider.DownloadTimeoutRaw, &cfg.Provider.DownloadTimeout},
		{"engine.timeout", cfg.Engine.TimeoutRaw, &cfg.Engine.Timeout},
		{"buffer.debounce", cfg.Buffer.DebounceRaw, &cfg.Buffer.Debounce},
		{"buffer.max_wait", cfg.Buffer.MaxWaitRaw, &cfg.Buffer.MaxWait},
		{"buffer.safety_margin", cfg.Buffer.SafetyMarginRaw, &cfg.Buffer.SafetyMargin},
		{"buffer.recheck_interval", cfg.Buffer.RecheckIntervalRaw, &cfg.Buffer.RecheckInterval},
		{"dedupe.window", cfg.Dedupe.WindowRaw, &cfg.Dedupe.Window},
		{"media.failed_ttl", cfg.Media.FailedTTLRaw, &cfg.Media.FailedTTL},
		{"media.freshness", cfg.Media.FreshnessRaw, &cfg.Media.Freshness},
		{"media.retention", cfg.Media.RetentionRaw, &cfg.Media.Retention},
		{"tasks.task_timeout", cfg.Tasks.TaskTimeoutRaw, &cfg.Tasks.TaskTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// applyDefaults fills every unset value with the service default
func (c *Config) applyDefaults() {
	setDuration(&c.Redis.DialTimeout, 5*time.Second)
	setDuration(&c.Redis.PingInterval, 10*time.Second)

	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://graph.facebook.com/v21.0"
	}
	setDuration(&c.Provider.MetadataTimeout, 10*time.Second)
	setDuration(&c.Provider.DownloadTimeout, 30*time.Second)

	setDuration(&c.Engine.Timeout, 120*time.Second)

	setDuration(&c.Buffer.Debounce, 2*time.Second)
	setDuration(&c.Buffer.MaxWait, 20*time.Second)
	setDuration(&c.Buffer.SafetyMargin, 5*time.Second)
	setDuration(&c.Buffer.RecheckInterval, time.Second)

	setDuration(&c.Dedupe.Window, 2*time.Minute)
	if c.Dedupe.LocalMaxSize == 0 {
		c.Dedupe.LocalMaxSize = 10000
	}

	if c.Media.SweepSchedule == "" {
		c.Media.SweepSchedule = "@daily"
	}
	if c.Media.MaxAttempts == 0 {
		c.Media.MaxAttempts = 3
	}
	if c.Media.BackoffBase == 0 {
		c.Media.BackoffBase = 2
	}
	setDuration(&c.Media.FailedTTL, time.Hour)
	setDuration(&c.Media.Freshness, 24*time.Hour)
	setDuration(&c.Media.Retention, 7*24*time.Hour)

	if c.Tasks.Concurrency == 0 {
		c.Tasks.Concurrency = 8
	}
	setDuration(&c.Tasks.TaskTimeout, 5*time.Minute)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Provider.VerifyToken == "" {
		return fmt.Errorf("provider.verify_token is required")
	}
	if c.Provider.AccessToken == "" {
		return fmt.Errorf("provider.access_token is required")
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}

	if c.Buffer.Debounce >= c.Buffer.MaxWait {
		return fmt.Errorf("buffer.debounce (%s) must be shorter than buffer.max_wait (%s)", c.Buffer.Debounce, c.Buffer.MaxWait)
	}

	if c.Dedupe.LocalMaxSize < 0 {
		return fmt.Errorf("dedupe.local_max_size must not be negative")
	}

	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir is required")
	}
	if !gronx.New().IsValid(c.Media.SweepSchedule) {
		return fmt.Errorf("media.sweep_schedule %q is not a valid cron expression", c.Media.SweepSchedule)
	}
	if c.Media.MaxAttempts < 1 {
		return fmt.Errorf("media.max_attempts must be at least 1")
	}
	if c.Media.BackoffBase < 1 {
		return fmt.Errorf("media.backoff_base must be at least 1")
	}

	if c.Tasks.Concurrency < 1 {
		return fmt.Errorf("tasks.concurrency must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}
