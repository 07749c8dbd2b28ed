// Package config loads layered application configuration: defaults, then an
// optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Venue     VenueConfig     `mapstructure:"venue"`
	Gate      GateConfig      `mapstructure:"gate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// VenueConfig holds upstream client configuration: base URLs, rate limiting,
// retry, and catalog pagination/circuit-breaker parameters.
type VenueConfig struct {
	ListURL             string        `mapstructure:"list_url"`
	DetailURL           string        `mapstructure:"detail_url"`
	MultiURL            string        `mapstructure:"multi_url"`
	OrderbookURL        string        `mapstructure:"orderbook_url"`
	PrivateMarketURL    string        `mapstructure:"private_market_url"`
	ServerTimeURL       string        `mapstructure:"server_time_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	RateLimitPerSecond  float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
	PageSize            int           `mapstructure:"page_size"`
	PageWorkers         int           `mapstructure:"page_workers"`
	DetailNotFoundStop  int           `mapstructure:"detail_not_found_stop"`
	MultiNotFoundStop   int           `mapstructure:"multi_not_found_stop"`
	// ServerTimeCacheTTL is not read by the catalog walker, which fetches
	// server time once at the start of each walk and uses it for the whole walk.
	ServerTimeCacheTTL  time.Duration `mapstructure:"server_time_cache_ttl"`
	CollectorBatchSize  int           `mapstructure:"collector_batch_size"`
}

// GateConfig holds acceptance-gate, EWMA, and trigger-decision parameters.
type GateConfig struct {
	MinTotalVolume          float64       `mapstructure:"min_total_volume"`
	MinDeltaVolume          float64       `mapstructure:"min_delta_volume"`
	ZThreshold              float64       `mapstructure:"z_threshold"`
	UseAdaptiveThresholds   bool          `mapstructure:"use_adaptive_thresholds"`
	DeepExtremeMinChange    float64       `mapstructure:"deep_extreme_min_change"`
	NearExtremeMinChange    float64       `mapstructure:"near_extreme_min_change"`
	MiddleMinChange         float64       `mapstructure:"middle_min_change"`
	MinAbsPriceChange       float64       `mapstructure:"min_abs_price_change"`
	VolumeBoostFactor       float64       `mapstructure:"volume_boost_factor"`
	EWMASpan                int           `mapstructure:"ewma_span"`
	MinTicksForDetection    int           `mapstructure:"min_ticks_for_detection"`
	MinStdPrice             float64       `mapstructure:"min_std_price"`
	MinStdVolume            float64       `mapstructure:"min_std_volume"`
	AlertCooldown           time.Duration `mapstructure:"alert_cooldown"`
	DuplicateAlertWindow    time.Duration `mapstructure:"duplicate_alert_window"`
	RawRetention            int           `mapstructure:"raw_retention"`
	FilteredRetention       int           `mapstructure:"filtered_retention"`
	AlertTitleBlocklist     []string      `mapstructure:"alert_title_blocklist"`
	AlertTitleBlocklistRegex string       `mapstructure:"alert_title_blocklist_regex"`
}

// BlackoutWindow is a minute-of-hour range during which tick polling is
// suppressed. Start may be greater than End to express a window that wraps
// across the hour boundary (e.g. 56..2 covers minutes 56-59 and 0-1).
type BlackoutWindow struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// SchedulerConfig holds the three periodic cadences and blackout windows.
type SchedulerConfig struct {
	CatalogRefreshInterval time.Duration    `mapstructure:"catalog_refresh_interval"`
	TickPollInterval       time.Duration    `mapstructure:"tick_poll_interval"`
	HeartbeatInterval      time.Duration    `mapstructure:"heartbeat_interval"`
	BlackoutWindows        []BlackoutWindow `mapstructure:"blackout_windows"`
}

// StorageConfig holds SQLite storage configuration.
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxMarkets int    `mapstructure:"max_markets"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from an optional file, applying defaults first
// and environment variable overrides last.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POLYORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.list_url", "https://venue.example.com/topics")
	v.SetDefault("venue.detail_url", "https://venue.example.com/topics/detail")
	v.SetDefault("venue.multi_url", "https://venue.example.com/topics/multi")
	v.SetDefault("venue.orderbook_url", "https://venue.example.com/orderbook")
	v.SetDefault("venue.private_market_url", "https://venue.example.com/market")
	v.SetDefault("venue.server_time_url", "https://venue.example.com/time")
	v.SetDefault("venue.timeout", "10s")
	v.SetDefault("venue.retry_backoff", "300ms")
	v.SetDefault("venue.rate_limit_per_second", 12.0)
	v.SetDefault("venue.rate_limit_burst", 6)
	v.SetDefault("venue.page_size", 100)
	v.SetDefault("venue.page_workers", 16)
	v.SetDefault("venue.detail_not_found_stop", 5)
	v.SetDefault("venue.multi_not_found_stop", 5)
	v.SetDefault("venue.server_time_cache_ttl", "30s")
	v.SetDefault("venue.collector_batch_size", 60)

	v.SetDefault("gate.min_total_volume", 3000.0)
	v.SetDefault("gate.min_delta_volume", 80.0)
	v.SetDefault("gate.z_threshold", 2.5)
	v.SetDefault("gate.use_adaptive_thresholds", true)
	v.SetDefault("gate.deep_extreme_min_change", 0.07)
	v.SetDefault("gate.near_extreme_min_change", 0.10)
	v.SetDefault("gate.middle_min_change", 0.15)
	v.SetDefault("gate.min_abs_price_change", 0.03)
	v.SetDefault("gate.volume_boost_factor", 0.25)
	v.SetDefault("gate.ewma_span", 20)
	v.SetDefault("gate.min_ticks_for_detection", 20)
	v.SetDefault("gate.min_std_price", 0.005)
	v.SetDefault("gate.min_std_volume", 20.0)
	v.SetDefault("gate.alert_cooldown", "6h")
	v.SetDefault("gate.duplicate_alert_window", "6h")
	v.SetDefault("gate.raw_retention", 400)
	v.SetDefault("gate.filtered_retention", 120)
	v.SetDefault("gate.alert_title_blocklist", []string{})
	v.SetDefault("gate.alert_title_blocklist_regex", "")

	v.SetDefault("scheduler.catalog_refresh_interval", "1h")
	v.SetDefault("scheduler.tick_poll_interval", "1m")
	v.SetDefault("scheduler.heartbeat_interval", "5m")
	v.SetDefault("scheduler.blackout_windows", []map[string]int{
		{"start": 56, "end": 2},
		{"start": 26, "end": 32},
	})

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_markets", 5000)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// Validate checks that all configuration values are sane.
func (c *Config) Validate() error {
	if c.Venue.ListURL == "" {
		return fmt.Errorf("venue.list_url is required")
	}
	if c.Venue.PageSize < 1 || c.Venue.PageSize > 1000 {
		return fmt.Errorf("venue.page_size must be between 1 and 1000")
	}
	if c.Venue.PageWorkers < 1 {
		return fmt.Errorf("venue.page_workers must be at least 1")
	}
	if c.Venue.DetailNotFoundStop < 1 {
		return fmt.Errorf("venue.detail_not_found_stop must be at least 1")
	}
	if c.Venue.MultiNotFoundStop < 1 {
		return fmt.Errorf("venue.multi_not_found_stop must be at least 1")
	}
	if c.Venue.RateLimitPerSecond <= 0 {
		return fmt.Errorf("venue.rate_limit_per_second must be positive")
	}
	if c.Venue.CollectorBatchSize < 1 {
		return fmt.Errorf("venue.collector_batch_size must be at least 1")
	}

	if c.Gate.ZThreshold <= 0 {
		return fmt.Errorf("gate.z_threshold must be positive")
	}
	if c.Gate.EWMASpan < 2 {
		return fmt.Errorf("gate.ewma_span must be at least 2")
	}
	if c.Gate.MinTicksForDetection < 1 {
		return fmt.Errorf("gate.min_ticks_for_detection must be at least 1")
	}
	if c.Gate.RawRetention < c.Gate.FilteredRetention {
		return fmt.Errorf("gate.raw_retention must be >= gate.filtered_retention")
	}
	if c.Gate.AlertTitleBlocklistRegex != "" {
		if _, err := regexp.Compile(c.Gate.AlertTitleBlocklistRegex); err != nil {
			return fmt.Errorf("gate.alert_title_blocklist_regex is invalid: %w", err)
		}
	}

	if c.Scheduler.CatalogRefreshInterval < time.Minute {
		return fmt.Errorf("scheduler.catalog_refresh_interval must be at least 1 minute")
	}
	if c.Scheduler.TickPollInterval < time.Second {
		return fmt.Errorf("scheduler.tick_poll_interval must be at least 1 second")
	}
	if c.Scheduler.HeartbeatInterval < time.Second {
		return fmt.Errorf("scheduler.heartbeat_interval must be at least 1 second")
	}
	for _, w := range c.Scheduler.BlackoutWindows {
		if w.Start < 0 || w.Start > 59 || w.End < 0 || w.End > 59 {
			return fmt.Errorf("scheduler blackout window minutes must be within [0,59]")
		}
	}

	if c.Storage.MaxMarkets < 1 {
		return fmt.Errorf("storage.max_markets must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

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
