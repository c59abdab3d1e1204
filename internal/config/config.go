package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Edgar     EdgarConfig     `mapstructure:"edgar"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Lock      LockConfig      `mapstructure:"lock"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Run       RunConfig       `mapstructure:"run"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EdgarConfig holds upstream filing feed configuration
type EdgarConfig struct {
	// Identity is sent as the User-Agent, e.g. "Jane Doe jane@example.com".
	Identity          string        `mapstructure:"identity"`
	CurrentFeedURL    string        `mapstructure:"current_feed_url"`
	SubmissionsURL    string        `mapstructure:"submissions_url"`
	TickersURL        string        `mapstructure:"tickers_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
	RetryDelayMax     time.Duration `mapstructure:"retry_delay_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// SyncConfig holds ingestion behavior configuration
type SyncConfig struct {
	Issuers          []int64       `mapstructure:"issuers"`
	IssuersFile      string        `mapstructure:"issuers_file"`
	AllowedForms     []string      `mapstructure:"allowed_forms"`
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	SafetyBuffer     time.Duration `mapstructure:"safety_buffer"`
	CatchupEnabled   bool          `mapstructure:"catchup_enabled"`
	CatchupStaleness time.Duration `mapstructure:"catchup_staleness"`
	CatchupCooldown  time.Duration `mapstructure:"catchup_cooldown"`
	FallbackLookback time.Duration `mapstructure:"fallback_lookback"`
}

// LockConfig holds the run lock configuration
type LockConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AnalysisConfig controls the detection + scoring cycle
type AnalysisConfig struct {
	RunAfterSync       bool `mapstructure:"run_after_sync"`
	RiskScoringEnabled bool `mapstructure:"risk_scoring_enabled"`
}

// DetectConfig holds detector parameters
type DetectConfig struct {
	Timezone          string  `mapstructure:"timezone"`
	AfterHoursHour    int     `mapstructure:"after_hours_hour"`
	AfterHoursMinute  int     `mapstructure:"after_hours_minute"`
	BaselineMonths    int     `mapstructure:"baseline_months"`
	MinBaselineMonths int     `mapstructure:"min_baseline_months"`
	HorizonMonths     int     `mapstructure:"spike_horizon_months"`
	SigmaMultiplier   float64 `mapstructure:"sigma_multiplier"`
	FallbackFraction  float64 `mapstructure:"fallback_fraction"`
	MinSigma          float64 `mapstructure:"min_sigma"`
}

// ScoringConfig holds risk scoring parameters
type ScoringConfig struct {
	ModelVersion    string             `mapstructure:"model_version"`
	RescorePolicy   string             `mapstructure:"rescore_policy"`
	HalfLifeDays    float64            `mapstructure:"half_life_days"`
	WindowWeights   map[string]float64 `mapstructure:"window_weights"`
	AnomalyWeights  map[string]float64 `mapstructure:"anomaly_weights"`
	ComponentScales map[string]float64 `mapstructure:"component_scales"`
}

// RunConfig holds daemon loop intervals
type RunConfig struct {
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	AnalysisInterval time.Duration `mapstructure:"analysis_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	TopK           int           `mapstructure:"top_k"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// FILINGWATCH_SYNC_PAGE_SIZE overrides sync.page_size
	v.SetEnvPrefix("FILINGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultAllowedForms are the form types ingested when sync.allowed_forms is unset.
var DefaultAllowedForms = []string{
	"8-K", "8-K/A",
	"10-K", "10-K/A",
	"10-Q", "10-Q/A",
	"NT 10-K", "NT 10-K/A",
	"NT 10-Q", "NT 10-Q/A",
	"NT 20-F", "NT 11-K",
	"NT NCSR", "NT-NCSR",
	"NT 10-D", "NT 15D2",
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	// EDGAR defaults
	v.SetDefault("edgar.identity", "")
	v.SetDefault("edgar.current_feed_url", "https://www.sec.gov/cgi-bin/browse-edgar")
	v.SetDefault("edgar.submissions_url", "https://data.sec.gov/submissions")
	v.SetDefault("edgar.tickers_url", "https://www.sec.gov/files/company_tickers.json")
	v.SetDefault("edgar.timeout", "30s")
	v.SetDefault("edgar.max_retries", 3)
	v.SetDefault("edgar.retry_delay_base", "1s")
	v.SetDefault("edgar.retry_delay_max", "4s")
	v.SetDefault("edgar.requests_per_second", 8.0) // EDGAR fair access allows 10

	// Sync defaults
	v.SetDefault("sync.issuers", []int64{})
	v.SetDefault("sync.issuers_file", "")
	v.SetDefault("sync.allowed_forms", DefaultAllowedForms)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.max_pages", 20)
	v.SetDefault("sync.safety_buffer", "24h")
	v.SetDefault("sync.catchup_enabled", true)
	v.SetDefault("sync.catchup_staleness", "72h")
	v.SetDefault("sync.catchup_cooldown", "6h")
	v.SetDefault("sync.fallback_lookback", "4320h") // 180 days

	// Lock defaults
	v.SetDefault("lock.path", "./data/filingwatch.lock")
	v.SetDefault("lock.timeout", "0s") // non-blocking

	// Analysis defaults
	v.SetDefault("analysis.run_after_sync", false)
	v.SetDefault("analysis.risk_scoring_enabled", true)

	// Detector defaults
	v.SetDefault("detect.timezone", "America/New_York")
	v.SetDefault("detect.after_hours_hour", 16)
	v.SetDefault("detect.after_hours_minute", 0)
	v.SetDefault("detect.baseline_months", 6)
	v.SetDefault("detect.min_baseline_months", 3)
	v.SetDefault("detect.spike_horizon_months", 6)
	v.SetDefault("detect.sigma_multiplier", 2.0)
	v.SetDefault("detect.fallback_fraction", 0.1)
	v.SetDefault("detect.min_sigma", 0.5)

	// Scoring defaults
	v.SetDefault("scoring.model_version", "v1_alert_composite")
	v.SetDefault("scoring.rescore_policy", "skip")
	v.SetDefault("scoring.half_life_days", 30.0)
	v.SetDefault("scoring.window_weights", map[string]float64{"30": 0.65, "90": 0.35})
	v.SetDefault("scoring.anomaly_weights", map[string]float64{
		"NT_FILING": 0.45, "FRIDAY_BURYING": 0.20, "8K_SPIKE": 0.35,
	})
	v.SetDefault("scoring.component_scales", map[string]float64{
		"NT_FILING": 1.5, "FRIDAY_BURYING": 2.5, "8K_SPIKE": 1.2,
	})

	// Daemon defaults
	v.SetDefault("run.sync_interval", "10m")
	v.SetDefault("run.analysis_interval", "1h")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.top_k", 10)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "filingwatch")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/filingwatch.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid. It runs before
// any store mutation so a bad config never leaves partial state behind.
func (c *Config) Validate() error {
	// Validate EDGAR config
	if !c.DryRun && strings.TrimSpace(c.Edgar.Identity) == "" {
		return fmt.Errorf("edgar.identity is required unless dry_run is set")
	}
	if c.Edgar.CurrentFeedURL == "" {
		return fmt.Errorf("edgar.current_feed_url is required")
	}
	if c.Edgar.SubmissionsURL == "" {
		return fmt.Errorf("edgar.submissions_url is required")
	}
	if c.Edgar.Timeout <= 0 {
		return fmt.Errorf("edgar.timeout must be positive")
	}
	if c.Edgar.MaxRetries < 1 {
		return fmt.Errorf("edgar.max_retries must be at least 1")
	}
	if c.Edgar.RequestsPerSecond <= 0 || c.Edgar.RequestsPerSecond > 10 {
		return fmt.Errorf("edgar.requests_per_second must be in (0, 10]")
	}

	// Validate Sync config
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be between 1 and 100")
	}
	if c.Sync.MaxPages < 1 {
		return fmt.Errorf("sync.max_pages must be at least 1")
	}
	if c.Sync.SafetyBuffer <= 0 {
		return fmt.Errorf("sync.safety_buffer must be positive")
	}
	if len(c.Sync.AllowedForms) == 0 {
		return fmt.Errorf("sync.allowed_forms must contain at least one form type")
	}
	if c.Sync.CatchupEnabled {
		if c.Sync.CatchupStaleness <= 0 {
			return fmt.Errorf("sync.catchup_staleness must be positive")
		}
		if c.Sync.CatchupCooldown < 0 {
			return fmt.Errorf("sync.catchup_cooldown must not be negative")
		}
		if c.Sync.FallbackLookback <= 0 {
			return fmt.Errorf("sync.fallback_lookback must be positive")
		}
	}
	for _, cik := range c.Sync.Issuers {
		if cik <= 0 {
			return fmt.Errorf("sync.issuers contains invalid CIK %d", cik)
		}
	}

	// Validate Lock config
	if c.Lock.Path == "" {
		return fmt.Errorf("lock.path is required")
	}
	if c.Lock.Timeout < 0 {
		return fmt.Errorf("lock.timeout must not be negative")
	}

	// Validate Detect config
	if c.Detect.AfterHoursHour < 0 || c.Detect.AfterHoursHour > 23 {
		return fmt.Errorf("detect.after_hours_hour must be between 0 and 23")
	}
	if c.Detect.AfterHoursMinute < 0 || c.Detect.AfterHoursMinute > 59 {
		return fmt.Errorf("detect.after_hours_minute must be between 0 and 59")
	}
	if c.Detect.BaselineMonths < 2 {
		return fmt.Errorf("detect.baseline_months must be at least 2")
	}
	if c.Detect.MinBaselineMonths < 2 || c.Detect.MinBaselineMonths > c.Detect.BaselineMonths {
		return fmt.Errorf("detect.min_baseline_months must be between 2 and detect.baseline_months")
	}
	if c.Detect.HorizonMonths < 1 {
		return fmt.Errorf("detect.spike_horizon_months must be at least 1")
	}
	if _, err := time.LoadLocation(c.Detect.Timezone); err != nil {
		return fmt.Errorf("detect.timezone is invalid: %w", err)
	}
	if c.Detect.SigmaMultiplier <= 0 {
		return fmt.Errorf("detect.sigma_multiplier must be positive")
	}
	if c.Detect.FallbackFraction <= 0 || c.Detect.FallbackFraction > 1 {
		return fmt.Errorf("detect.fallback_fraction must be in (0, 1]")
	}

	// Validate Scoring config
	validPolicies := map[string]bool{"skip": true, "supersede": true}
	if !validPolicies[c.Scoring.RescorePolicy] {
		return fmt.Errorf("scoring.rescore_policy must be one of: skip, supersede")
	}
	if c.Scoring.ModelVersion == "" {
		return fmt.Errorf("scoring.model_version is required")
	}
	if c.Scoring.HalfLifeDays <= 0 {
		return fmt.Errorf("scoring.half_life_days must be positive")
	}
	if len(c.Scoring.WindowWeights) == 0 {
		return fmt.Errorf("scoring.window_weights must contain at least one window")
	}

	// Validate Run config
	if c.Run.SyncInterval < time.Minute {
		return fmt.Errorf("run.sync_interval must be at least 1 minute")
	}
	if c.Run.AnalysisInterval < time.Minute {
		return fmt.Errorf("run.analysis_interval must be at least 1 minute")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Telemetry config
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
