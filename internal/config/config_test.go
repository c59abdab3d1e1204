package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	// Create temp config file
	content := `
edgar:
  identity: "Jane Analyst jane@example.com"

sync:
  issuers:
    - 320193
    - 789019
  page_size: 40
  safety_buffer: 12h
  catchup_cooldown: 2h

lock:
  path: "./data/test.lock"
  timeout: 5s

detect:
  baseline_months: 6
  min_baseline_months: 3

scoring:
  rescore_policy: supersede
  anomaly_weights:
    NT_FILING: 0.5
    FRIDAY_BURYING: 0.2
    8K_SPIKE: 0.3

storage:
  db_path: "./data/test.db"

logging:
  level: "debug"
  format: "json"
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Remove(tmpfile.Name()) }()

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Sync.Issuers) != 2 || cfg.Sync.Issuers[0] != 320193 {
		t.Errorf("Unexpected issuers: %v", cfg.Sync.Issuers)
	}
	if cfg.Sync.PageSize != 40 {
		t.Errorf("Unexpected page size: %d", cfg.Sync.PageSize)
	}
	if cfg.Sync.SafetyBuffer != 12*time.Hour {
		t.Errorf("Unexpected safety buffer: %v", cfg.Sync.SafetyBuffer)
	}
	if cfg.Sync.CatchupCooldown != 2*time.Hour {
		t.Errorf("Unexpected catch-up cooldown: %v", cfg.Sync.CatchupCooldown)
	}
	if cfg.Lock.Timeout != 5*time.Second {
		t.Errorf("Unexpected lock timeout: %v", cfg.Lock.Timeout)
	}
	if cfg.Scoring.RescorePolicy != "supersede" {
		t.Errorf("Unexpected rescore policy: %s", cfg.Scoring.RescorePolicy)
	}
	if len(cfg.Scoring.AnomalyWeights) != 3 {
		t.Errorf("Expected 3 anomaly weights, got %d", len(cfg.Scoring.AnomalyWeights))
	}

	// Defaults survive a partial file
	if !cfg.Sync.CatchupEnabled {
		t.Error("Expected catch-up enabled by default")
	}
	if cfg.Detect.Timezone != "America/New_York" {
		t.Errorf("Unexpected timezone default: %s", cfg.Detect.Timezone)
	}
	if len(cfg.Sync.AllowedForms) != len(DefaultAllowedForms) {
		t.Errorf("Expected default allowed forms, got %v", cfg.Sync.AllowedForms)
	}
	allowed := make(map[string]bool, len(cfg.Sync.AllowedForms))
	for _, f := range cfg.Sync.AllowedForms {
		allowed[f] = true
	}
	for _, f := range []string{"NT NCSR", "NT-NCSR", "NT 10-D", "NT 15D2"} {
		if !allowed[f] {
			t.Errorf("Expected %q among the default allowed forms", f)
		}
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("FILINGWATCH_DRY_RUN", "true")
	t.Setenv("FILINGWATCH_SYNC_PAGE_SIZE", "25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DryRun {
		t.Error("Expected dry_run from environment")
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("Expected page size 25 from environment, got %d", cfg.Sync.PageSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed for dry-run defaults: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/filingwatch.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Edgar.Identity = "Jane Analyst jane@example.com"
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing identity outside dry run",
			mutate:  func(c *Config) { c.Edgar.Identity = "" },
			wantErr: true,
		},
		{
			name: "missing identity in dry run",
			mutate: func(c *Config) {
				c.Edgar.Identity = ""
				c.DryRun = true
			},
			wantErr: false,
		},
		{
			name:    "page size above feed maximum",
			mutate:  func(c *Config) { c.Sync.PageSize = 500 },
			wantErr: true,
		},
		{
			name:    "rate limit above fair access",
			mutate:  func(c *Config) { c.Edgar.RequestsPerSecond = 20 },
			wantErr: true,
		},
		{
			name:    "negative lock timeout",
			mutate:  func(c *Config) { c.Lock.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "unknown rescore policy",
			mutate:  func(c *Config) { c.Scoring.RescorePolicy = "overwrite" },
			wantErr: true,
		},
		{
			name:    "min baseline above window",
			mutate:  func(c *Config) { c.Detect.MinBaselineMonths = 12 },
			wantErr: true,
		},
		{
			name:    "invalid issuer cik",
			mutate:  func(c *Config) { c.Sync.Issuers = []int64{0} },
			wantErr: true,
		},
		{
			name: "missing telegram token when enabled",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.ChatID = "123"
			},
			wantErr: true,
		},
		{
			name:    "telemetry without endpoint",
			mutate:  func(c *Config) { c.Telemetry.Enabled = true },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Timezone(t *testing.T) {
	cfg := validConfig(t)
	cfg.Detect.Timezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown timezone")
	}
	cfg.Detect.Timezone = "America/Chicago"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid timezone rejected: %v", err)
	}
}
