// Package config provides YAML-based configuration loading for Memory Bridge.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is stripped from environment overrides, e.g.
// MB_DATABASE_PASSWORD overrides database.password.
const EnvPrefix = "MB_"

// Config is the top-level Memory Bridge configuration, loaded from memorybridge.yaml.
type Config struct {
	Database   DatabaseConfig        `yaml:"database"`
	Log        LogConfig             `yaml:"log"`
	Tiers      map[string]TierConfig `yaml:"tiers"`
	Retention  RetentionConfig       `yaml:"retention"`
	Session    SessionConfig         `yaml:"session"`
	Capture    CaptureConfig         `yaml:"capture"`
	Extraction ExtractionConfig      `yaml:"extraction"`
	Push       PushConfig            `yaml:"push"`
	Notify     NotifyConfig          `yaml:"notify"`
	Calendar   CalendarConfig        `yaml:"calendar"`
	API        APIConfig             `yaml:"api"`
}

// DatabaseConfig selects and addresses the backing SQL store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TierConfig is the usage policy for a subscription tier. Zero means
// unlimited for every field.
type TierConfig struct {
	MaxRecordings int           `yaml:"max_recordings"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	Retention     time.Duration `yaml:"retention"`
	QuotaLowWater int           `yaml:"quota_low_water"`
}

// RetentionConfig schedules the retention sweep.
type RetentionConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"` // 5-field cron expression
	LowWaterDays  int    `yaml:"low_water_days"`
}

// SessionConfig tunes the single-active-session lock.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// CaptureConfig addresses the token issuer and transcription provider.
type CaptureConfig struct {
	TokenURL      string        `yaml:"token_url"`
	APIKey        string        `yaml:"api_key"`
	StreamURL     string        `yaml:"stream_url"`
	SampleRate    int           `yaml:"sample_rate"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	MaxReconnects int           `yaml:"max_reconnects"`

	// TokenRateLimit caps token endpoint requests per second.
	TokenRateLimit float64 `yaml:"token_rate_limit"`
	TokenBurst     int     `yaml:"token_burst"`
}

// ExtractionConfig addresses the extraction service and sets the cycle cadence.
type ExtractionConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
	BatchSize   int           `yaml:"batch_size"`
	Quiet       time.Duration `yaml:"quiet"`
	MaxWait     time.Duration `yaml:"max_wait"`
	WindowChars int           `yaml:"window_chars"`
}

// PushConfig selects the realtime insert channel. An empty NatsURL uses the
// in-process bus.
type PushConfig struct {
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotifyConfig selects the watcher notification platform.
type NotifyConfig struct {
	Platform        string `yaml:"platform"` // slack, discord, or empty to disable
	SlackBotToken   string `yaml:"slack_bot_token"`
	DiscordBotToken string `yaml:"discord_bot_token"`
}

// CalendarConfig addresses the external calendar store.
type CalendarConfig struct {
	BaseURL         string        `yaml:"base_url"`
	CalendarID      string        `yaml:"calendar_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	TokenURL        string        `yaml:"token_url"`
	RefreshToken    string        `yaml:"refresh_token"`
	DefaultDuration time.Duration `yaml:"default_duration"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse loads YAML bytes, overlays MB_* environment variables and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MB_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultTiers returns the built-in tier policies.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free": {MaxRecordings: 3, MaxDuration: 30 * time.Minute, Retention: 7 * 24 * time.Hour, QuotaLowWater: 1},
		"plus": {MaxDuration: 2 * time.Hour},
		"pro":  {},
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "memorybridge.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "memorybridge"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Retention.SweepSchedule == "" {
		c.Retention.SweepSchedule = "0 * * * *"
	}
	if c.Retention.LowWaterDays == 0 {
		c.Retention.LowWaterDays = 2
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = 15 * time.Second
	}
	if c.Session.StaleAfter == 0 {
		c.Session.StaleAfter = 2 * time.Minute
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.ChunkInterval == 0 {
		c.Capture.ChunkInterval = 250 * time.Millisecond
	}
	if c.Capture.TokenTTL == 0 {
		c.Capture.TokenTTL = 10 * time.Minute
	}
	if c.Capture.RefreshMargin == 0 {
		c.Capture.RefreshMargin = 30 * time.Second
	}
	if c.Capture.AckTimeout == 0 {
		c.Capture.AckTimeout = 10 * time.Second
	}
	if c.Capture.MaxReconnects == 0 {
		c.Capture.MaxReconnects = 3
	}
	if c.Capture.TokenRateLimit == 0 {
		c.Capture.TokenRateLimit = 1
	}
	if c.Capture.TokenBurst == 0 {
		c.Capture.TokenBurst = 3
	}
	if c.Extraction.RateLimit == 0 {
		c.Extraction.RateLimit = 1
	}
	if c.Extraction.Burst == 0 {
		c.Extraction.Burst = 2
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = 30 * time.Second
	}
	if c.Extraction.BatchSize == 0 {
		c.Extraction.BatchSize = 3
	}
	if c.Extraction.Quiet == 0 {
		c.Extraction.Quiet = 4 * time.Second
	}
	if c.Extraction.MaxWait == 0 {
		c.Extraction.MaxWait = 20 * time.Second
	}
	if c.Extraction.WindowChars == 0 {
		c.Extraction.WindowChars = 12000
	}
	if c.Push.SubjectPrefix == "" {
		c.Push.SubjectPrefix = "memorybridge.actions"
	}
	if c.Calendar.DefaultDuration == 0 {
		c.Calendar.DefaultDuration = 30 * time.Minute
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if _, ok := c.Tiers["free"]; !ok {
		errs = append(errs, "tiers.free is required")
	}
	for name, t := range c.Tiers {
		if t.MaxRecordings < 0 || t.MaxDuration < 0 || t.Retention < 0 || t.QuotaLowWater < 0 {
			errs = append(errs, fmt.Sprintf("tiers.%s: limits must not be negative", name))
		}
	}
	if _, err := cron.ParseStandard(c.Retention.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("retention.sweep_schedule: %v", err))
	}
	if c.Capture.TokenTTL > 10*time.Minute {
		errs = append(errs, "capture.token_ttl must be at most 10m")
	}
	if c.Capture.RefreshMargin >= c.Capture.TokenTTL {
		errs = append(errs, "capture.refresh_margin must be shorter than capture.token_ttl")
	}
	if c.Capture.TokenRateLimit < 0 {
		errs = append(errs, "capture.token_rate_limit must not be negative")
	}
	if c.Extraction.RateLimit < 0 {
		errs = append(errs, "extraction.rate_limit must not be negative")
	}
	switch c.Notify.Platform {
	case "":
	case "slack":
		if c.Notify.SlackBotToken == "" {
			errs = append(errs, "notify.slack_bot_token is required for slack")
		}
	case "discord":
		if c.Notify.DiscordBotToken == "" {
			errs = append(errs, "notify.discord_bot_token is required for discord")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.platform %q must be slack or discord", c.Notify.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
