// Package config loads the analytics service configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/profile"
)

// Config holds all application configuration.
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		LogLevel    string `yaml:"log_level"`
		LogPretty   bool   `yaml:"log_pretty"`
		HTTPAddr    string `yaml:"http_addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"service"`

	Redis struct {
		Addr            string `yaml:"addr"`
		Password        string `yaml:"password"`
		DB              int    `yaml:"db"`
		TradePattern    string `yaml:"trade_pattern"`
		CandlePattern   string `yaml:"candle_pattern"`
		SnapshotPrefix  string `yaml:"snapshot_prefix"`
		CheckpointKey   string `yaml:"checkpoint_key"`
		BreakerFailures uint32 `yaml:"breaker_failures"`
		BreakerReset    int    `yaml:"breaker_reset_seconds"`
	} `yaml:"redis"`

	SQLite struct {
		Path        string `yaml:"path"`
		KeepCandles int    `yaml:"keep_candles"`
	} `yaml:"sqlite"`

	// Symbols processed by the service. Events for other symbols are dropped.
	Symbols []string `yaml:"symbols"`
	// Timeframes in seconds built from the trade stream.
	Timeframes []int `yaml:"timeframes"`

	Indicators struct {
		Specs     []string         `yaml:"specs"`  // applied to every timeframe
		PerTF     map[int][]string `yaml:"per_tf"` // overrides Specs for one timeframe
		MaxPoints int              `yaml:"max_points"`
		TailSize  int              `yaml:"tail_size"`
	} `yaml:"indicators"`

	Profile struct {
		BucketCount     int     `yaml:"bucket_count"`
		TickSize        float64 `yaml:"tick_size"`
		ValueAreaTarget float64 `yaml:"value_area_target"`
		TPOBlockMinutes int     `yaml:"tpo_block_minutes"`
		SessionCron     string  `yaml:"session_cron"`
		MaxPoints       int     `yaml:"max_points"` // distinct price points kept per session
		MaxLevels       int     `yaml:"max_levels"`
	} `yaml:"profile"`

	CVD struct {
		Interval        string   `yaml:"interval"`   // tracker point interval, "0s" = per trade
		Timeframes      []string `yaml:"timeframes"` // aggregator timeframes, e.g. "1m"
		MaxPeriods      int      `yaml:"max_periods"`
		MaxPoints       int      `yaml:"max_points"`
		AlertBufferSize int      `yaml:"alert_buffer_size"`
	} `yaml:"cvd"`

	Correlation struct {
		TF         int `yaml:"tf"` // closes of this timeframe feed the sampler
		Window     int `yaml:"window"`
		MinSamples int `yaml:"min_samples"`
	} `yaml:"correlation"`

	Snapshot struct {
		IntervalMillis    int `yaml:"interval_ms"`
		CheckpointSeconds int `yaml:"checkpoint_seconds"`
	} `yaml:"snapshot"`

	Gateway struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"gateway"`

	// Alerts configures delivery of CVD alerts. Alerts are always logged;
	// the webhook and Telegram targets are used when set.
	Alerts struct {
		MinSeverity    string  `yaml:"min_severity"` // low, medium or high
		PerMinute      float64 `yaml:"per_minute"`
		WebhookURL     string  `yaml:"webhook_url"`
		TelegramToken  string  `yaml:"telegram_token"`
		TelegramChatID string  `yaml:"telegram_chat_id"`
	} `yaml:"alerts"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	c.Service.HTTPAddr = getEnv("HTTP_ADDR", c.Service.HTTPAddr)
	c.Service.MetricsAddr = getEnv("METRICS_ADDR", c.Service.MetricsAddr)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)
	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	c.Alerts.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Alerts.TelegramToken)
	c.Alerts.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Alerts.TelegramChatID)

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = splitList(v)
	}
	if v := os.Getenv("TIMEFRAMES"); v != "" {
		tfs, err := ParseTFs(v)
		if err != nil {
			return fmt.Errorf("TIMEFRAMES: %w", err)
		}
		c.Timeframes = tfs
	}
	if v := os.Getenv("INDICATORS"); v != "" {
		c.Indicators.Specs = splitList(v)
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Service.Name, "analyticsd")
	setDefault(&c.Service.LogLevel, "info")
	setDefault(&c.Service.HTTPAddr, ":8080")
	setDefault(&c.Service.MetricsAddr, ":9090")
	setDefault(&c.Redis.Addr, "localhost:6379")
	setDefault(&c.Redis.TradePattern, "trades:*")
	setDefault(&c.Redis.CandlePattern, "candles:*")
	setDefault(&c.Redis.SnapshotPrefix, "analytics")
	setDefault(&c.Redis.CheckpointKey, "analytics:checkpoint")
	if c.Redis.BreakerFailures == 0 {
		c.Redis.BreakerFailures = 5
	}
	if c.Redis.BreakerReset == 0 {
		c.Redis.BreakerReset = 10
	}
	setDefault(&c.SQLite.Path, "data/analytics.db")

	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []int{60, 300, 900}
	}
	if len(c.Indicators.Specs) == 0 && len(c.Indicators.PerTF) == 0 {
		c.Indicators.Specs = []string{"SMA:20", "EMA:20", "RSI:14", "MACD:12:26:9", "BOLLINGER:20:2"}
	}
	if c.Indicators.MaxPoints == 0 {
		c.Indicators.MaxPoints = 500
	}
	if c.Indicators.TailSize == 0 {
		c.Indicators.TailSize = 200
	}

	if c.Profile.BucketCount == 0 && c.Profile.TickSize == 0 {
		c.Profile.BucketCount = 50
	}
	if c.Profile.ValueAreaTarget == 0 {
		c.Profile.ValueAreaTarget = profile.DefaultValueAreaTarget
	}
	if c.Profile.TPOBlockMinutes == 0 {
		c.Profile.TPOBlockMinutes = int(profile.DefaultTPOBlock / time.Minute)
	}
	setDefault(&c.Profile.SessionCron, "0 0 * * *") // UTC midnight
	if c.Profile.MaxPoints == 0 {
		c.Profile.MaxPoints = profile.DefaultMaxPoints
	}
	if c.Profile.MaxLevels == 0 {
		c.Profile.MaxLevels = profile.DefaultMaxLevels
	}

	setDefault(&c.CVD.Interval, "1s")
	if len(c.CVD.Timeframes) == 0 {
		c.CVD.Timeframes = []string{"1m", "5m", "15m", "1h"}
	}
	if c.CVD.MaxPeriods == 0 {
		c.CVD.MaxPeriods = 500
	}
	if c.CVD.MaxPoints == 0 {
		c.CVD.MaxPoints = 1000
	}
	if c.CVD.AlertBufferSize == 0 {
		c.CVD.AlertBufferSize = 100
	}

	if c.Correlation.TF == 0 {
		c.Correlation.TF = c.Timeframes[0]
	}
	if c.Correlation.Window == 0 {
		c.Correlation.Window = 50
	}
	if c.Correlation.MinSamples == 0 {
		c.Correlation.MinSamples = 5
	}

	if c.Snapshot.IntervalMillis == 0 {
		c.Snapshot.IntervalMillis = 1000
	}
	if c.Snapshot.CheckpointSeconds == 0 {
		c.Snapshot.CheckpointSeconds = 60
	}
	if c.Gateway.RatePerSecond == 0 {
		c.Gateway.RatePerSecond = 20
	}
	if c.Gateway.Burst == 0 {
		c.Gateway.Burst = 40
	}
	setDefault(&c.Alerts.MinSeverity, "medium")
	if c.Alerts.PerMinute == 0 {
		c.Alerts.PerMinute = 30
	}
}

// Validate returns the first configuration error.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols: at least one symbol is required")
	}
	seen := make(map[int]bool)
	for _, tf := range c.Timeframes {
		if tf <= 0 {
			return fmt.Errorf("timeframes: %d is not positive", tf)
		}
		if seen[tf] {
			return fmt.Errorf("timeframes: duplicate %d", tf)
		}
		seen[tf] = true
	}
	if !seen[c.Correlation.TF] {
		return fmt.Errorf("correlation.tf: %d is not a configured timeframe", c.Correlation.TF)
	}
	if c.Correlation.Window < 2 {
		return fmt.Errorf("correlation.window must be at least 2")
	}
	if c.Correlation.MinSamples < 1 {
		return fmt.Errorf("correlation.min_samples must be positive")
	}
	if _, err := c.IndicatorConfigs(); err != nil {
		return err
	}
	if err := c.ProfileParams().Validate(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if t := c.Profile.ValueAreaTarget; t <= 0 || t > 1 {
		return fmt.Errorf("profile.value_area_target must be in (0, 1], got %g", t)
	}
	if _, err := cron.ParseStandard(c.Profile.SessionCron); err != nil {
		return fmt.Errorf("profile.session_cron: %w", err)
	}
	if _, err := c.CVDInterval(); err != nil {
		return err
	}
	if _, err := c.CVDTimeframes(); err != nil {
		return err
	}
	if c.Snapshot.IntervalMillis <= 0 || c.Snapshot.CheckpointSeconds <= 0 {
		return fmt.Errorf("snapshot intervals must be positive")
	}
	if c.Gateway.RatePerSecond <= 0 || c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway rate and burst must be positive")
	}
	switch c.Alerts.MinSeverity {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("alerts.min_severity: %q is not low, medium or high", c.Alerts.MinSeverity)
	}
	if c.Alerts.PerMinute <= 0 {
		return fmt.Errorf("alerts.per_minute must be positive")
	}
	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		return fmt.Errorf("alerts: telegram token and chat id must be set together")
	}
	return nil
}

// IndicatorConfigs expands the indicator specs into per-timeframe defaults.
func (c *Config) IndicatorConfigs() ([]indicator.TFIndicatorConfig, error) {
	out := make([]indicator.TFIndicatorConfig, 0, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		specs := c.Indicators.Specs
		if per, ok := c.Indicators.PerTF[tf]; ok {
			specs = per
		}
		cfgs := make([]indicator.Config, 0, len(specs))
		for _, s := range specs {
			ic, err := indicator.ParseSpec(s)
			if err != nil {
				return nil, fmt.Errorf("indicators (tf %d): %w", tf, err)
			}
			cfgs = append(cfgs, ic)
		}
		out = append(out, indicator.TFIndicatorConfig{TF: tf, Indicators: cfgs})
	}
	if err := indicator.ValidateConfigs(out); err != nil {
		return nil, fmt.Errorf("indicators: %w", err)
	}
	return out, nil
}

// ProfileParams returns the volume profile parameters.
func (c *Config) ProfileParams() profile.Params {
	return profile.Params{
		BucketCount:     c.Profile.BucketCount,
		TickSize:        c.Profile.TickSize,
		ValueAreaTarget: c.Profile.ValueAreaTarget,
		MaxLevels:       c.Profile.MaxLevels,
	}
}

// TPOBlock returns the Market Profile time block.
func (c *Config) TPOBlock() time.Duration {
	return time.Duration(c.Profile.TPOBlockMinutes) * time.Minute
}

// CVDInterval returns the tracker point interval.
func (c *Config) CVDInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.CVD.Interval)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("cvd.interval: invalid duration %q", c.CVD.Interval)
	}
	return d, nil
}

// CVDTimeframes parses the aggregator timeframes.
func (c *Config) CVDTimeframes() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.CVD.Timeframes))
	for _, s := range c.CVD.Timeframes {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("cvd.timeframes: invalid duration %q", s)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseTFs parses a comma-separated list of timeframe seconds, e.g. "60,300,900".
func ParseTFs(s string) ([]int, error) {
	parts := splitList(s)
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid timeframe %q", p)
		}
		tfs = append(tfs, n)
	}
	return tfs, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
