package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: bridge
  password: secret
  name: mb_prod

log:
  level: debug
  format: console

tiers:
  free:
    max_recordings: 3
    max_duration: 30m
    retention: 168h
    quota_low_water: 1
  pro:
    max_recordings: 0

retention:
  sweep_schedule: "*/15 * * * *"
  low_water_days: 3

capture:
  stream_url: wss://stt.example.com/v2/realtime
  token_url: https://stt.example.com/v2/token
  chunk_interval: 250ms
  token_ttl: 5m
  refresh_margin: 20s

extraction:
  url: https://extract.example.com/v1/actions
  batch_size: 5
  quiet: 2s

notify:
  platform: slack
  slack_bot_token: xoxb-test
`

const minimalYAML = `
log:
  level: info
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %s:%d, want 10.0.0.5:3307", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "mb_prod" {
		t.Errorf("Database.Name = %q, want mb_prod", cfg.Database.Name)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log.Format = %q, want console", cfg.Log.Format)
	}
	free := cfg.Tiers["free"]
	if free.MaxRecordings != 3 {
		t.Errorf("free.MaxRecordings = %d, want 3", free.MaxRecordings)
	}
	if free.MaxDuration != 30*time.Minute {
		t.Errorf("free.MaxDuration = %v, want 30m", free.MaxDuration)
	}
	if free.Retention != 168*time.Hour {
		t.Errorf("free.Retention = %v, want 168h", free.Retention)
	}
	if _, ok := cfg.Tiers["pro"]; !ok {
		t.Error("tiers.pro missing")
	}
	if cfg.Retention.SweepSchedule != "*/15 * * * *" {
		t.Errorf("SweepSchedule = %q", cfg.Retention.SweepSchedule)
	}
	if cfg.Capture.ChunkInterval != 250*time.Millisecond {
		t.Errorf("ChunkInterval = %v, want 250ms", cfg.Capture.ChunkInterval)
	}
	if cfg.Capture.TokenTTL != 5*time.Minute {
		t.Errorf("TokenTTL = %v, want 5m", cfg.Capture.TokenTTL)
	}
	if cfg.Extraction.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.Extraction.BatchSize)
	}
	if cfg.Extraction.Quiet != 2*time.Second {
		t.Errorf("Quiet = %v, want 2s", cfg.Extraction.Quiet)
	}
	if cfg.Notify.Platform != "slack" {
		t.Errorf("Notify.Platform = %q, want slack", cfg.Notify.Platform)
	}
}

func TestParse_MinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != "memorybridge.db" {
		t.Errorf("Database.Path = %q, want memorybridge.db", cfg.Database.Path)
	}
	if got := cfg.Tiers["free"].MaxRecordings; got != 3 {
		t.Errorf("free.MaxRecordings = %d, want 3", got)
	}
	if got := cfg.Tiers["free"].Retention; got != 7*24*time.Hour {
		t.Errorf("free.Retention = %v, want 168h", got)
	}
	if cfg.Capture.ChunkInterval != 250*time.Millisecond {
		t.Errorf("ChunkInterval = %v, want 250ms", cfg.Capture.ChunkInterval)
	}
	if cfg.Capture.TokenTTL != 10*time.Minute {
		t.Errorf("TokenTTL = %v, want 10m", cfg.Capture.TokenTTL)
	}
	if cfg.Capture.TokenRateLimit != 1 || cfg.Capture.TokenBurst != 3 {
		t.Errorf("token rate = %v/%d, want 1/3", cfg.Capture.TokenRateLimit, cfg.Capture.TokenBurst)
	}
	if cfg.Push.SubjectPrefix != "memorybridge.actions" {
		t.Errorf("SubjectPrefix = %q", cfg.Push.SubjectPrefix)
	}
	if cfg.API.Listen != ":8080" {
		t.Errorf("API.Listen = %q, want :8080", cfg.API.Listen)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database = %s:%d, want 127.0.0.1:3306", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.User != "root" || cfg.Database.Name != "memorybridge" {
		t.Errorf("Database user/name = %q/%q", cfg.Database.User, cfg.Database.Name)
	}
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv("MB_DATABASE_PASSWORD", "from-env")
	t.Setenv("MB_CAPTURE_API_KEY", "key-123")

	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Password != "from-env" {
		t.Errorf("Database.Password = %q, want from-env", cfg.Database.Password)
	}
	if cfg.Capture.APIKey != "key-123" {
		t.Errorf("Capture.APIKey = %q, want key-123", cfg.Capture.APIKey)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"MB_DATABASE_PASSWORD", "database.password"},
		{"MB_CAPTURE_API_KEY", "capture.api_key"},
		{"MB_API_LISTEN", "api.listen"},
		{"MB_LOG", "log"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad driver",
			yaml:    "database:\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "missing free tier",
			yaml:    "tiers:\n  pro:\n    max_recordings: 0\n",
			wantErr: "tiers.free is required",
		},
		{
			name:    "negative limit",
			yaml:    "tiers:\n  free:\n    max_recordings: -1\n",
			wantErr: "must not be negative",
		},
		{
			name:    "bad cron",
			yaml:    "retention:\n  sweep_schedule: \"not a cron\"\n",
			wantErr: "retention.sweep_schedule",
		},
		{
			name:    "token ttl too long",
			yaml:    "capture:\n  token_ttl: 20m\n",
			wantErr: "capture.token_ttl",
		},
		{
			name:    "negative token rate",
			yaml:    "capture:\n  token_rate_limit: -2\n",
			wantErr: "capture.token_rate_limit",
		},
		{
			name:    "slack without token",
			yaml:    "notify:\n  platform: slack\n",
			wantErr: "notify.slack_bot_token",
		},
		{
			name:    "unknown platform",
			yaml:    "notify:\n  platform: teams\n",
			wantErr: "notify.platform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation failure", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unterminated"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memorybridge.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Name != "mb_prod" {
		t.Errorf("Database.Name = %q, want mb_prod", cfg.Database.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want config: read prefix", err)
	}
}

func TestDefaultYAML_RoundTrip(t *testing.T) {
	data, err := DefaultYAML()
	if err != nil {
		t.Fatalf("DefaultYAML: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Memory Bridge configuration.") {
		t.Errorf("DefaultYAML missing header:\n%s", data)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(DefaultYAML): %v", err)
	}
	want := Default()
	if cfg.Capture.ChunkInterval != want.Capture.ChunkInterval {
		t.Errorf("ChunkInterval = %v, want %v", cfg.Capture.ChunkInterval, want.Capture.ChunkInterval)
	}
	if cfg.Tiers["free"] != want.Tiers["free"] {
		t.Errorf("free tier = %+v, want %+v", cfg.Tiers["free"], want.Tiers["free"])
	}
}
