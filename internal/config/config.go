// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Analyzer  AnalyzerConfig   `mapstructure:"analyzer"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Databases []DatabaseConfig `mapstructure:"databases"`
}

// ServerConfig controls the monitoring HTTP server.
type ServerConfig struct {
	BindAddr string `mapstructure:"bind_addr"`
}

// CrawlerConfig governs scheduler and fetch pipeline behavior. Batch size and
// concurrency are independent knobs; neither is derived from the other.
type CrawlerConfig struct {
	UserAgent          string   `mapstructure:"user_agent"`
	UserAgentRotation  []string `mapstructure:"user_agent_rotation"`
	MaxConcurrency     int      `mapstructure:"max_concurrency"`
	PerHostConcurrency int      `mapstructure:"per_host_concurrency"`
	DelayMs            int      `mapstructure:"delay_ms"`
	BatchSize          int      `mapstructure:"batch_size"`
	RecrawlWindowDays  int      `mapstructure:"recrawl_window_days"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
	RetryAttempts      int      `mapstructure:"retry_attempts"`
	GlobalTimeoutMs    int      `mapstructure:"global_timeout_ms"`
	RequestTimeoutMs   int      `mapstructure:"request_timeout_ms"`
}

// ProgressConfig locates the durable scheduler checkpoint.
type ProgressConfig struct {
	File string `mapstructure:"file"`
}

// AnalyzerConfig tunes the periodic link-graph pass.
type AnalyzerConfig struct {
	IntervalHours int      `mapstructure:"interval_hours"`
	SpamThreshold float64  `mapstructure:"spam_threshold"`
	SpamKeywords  []string `mapstructure:"spam_keywords"`
}

// LoggingConfig toggles zap development features and log retention.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	RingSize    int  `mapstructure:"ring_size"`
}

// DatabaseConfig describes one rotation target.
type DatabaseConfig struct {
	Name              string `mapstructure:"name"`
	DSN               string `mapstructure:"dsn"`
	AuthToken         string `mapstructure:"auth_token"`
	StorageQuotaBytes int64  `mapstructure:"storage_quota_bytes"`
	MonthlyWriteLimit int64  `mapstructure:"monthly_write_limit"`
}

// Load builds a Config from disk/environment. Unknown keys in the config
// file are rejected so typos fail at startup instead of silently defaulting.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATCROWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &crawler.ConfigError{Err: fmt.Errorf("read config: %w", err)}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, &crawler.ConfigError{Err: fmt.Errorf("unmarshal config: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", "127.0.0.1:8089")
	v.SetDefault("crawler.user_agent", "ratcrowler/1.0 (+https://github.com/TheBoringRats/ratcrowler)")
	v.SetDefault("crawler.max_concurrency", 5)
	v.SetDefault("crawler.per_host_concurrency", 2)
	v.SetDefault("crawler.delay_ms", 1500)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("crawler.recrawl_window_days", 7)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.retry_attempts", 3)
	v.SetDefault("crawler.global_timeout_ms", 90_000)
	v.SetDefault("crawler.request_timeout_ms", 30_000)
	v.SetDefault("progress.file", "crawl_progress.json")
	v.SetDefault("analyzer.interval_hours", 24)
	v.SetDefault("analyzer.spam_threshold", 0.8)
	v.SetDefault("analyzer.spam_keywords", []string{"buy", "cheap", "discount", "sale"})
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.ring_size", 1000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.BindAddr == "" {
		return configErr("server.bind_addr", errors.New("must not be empty"))
	}
	if c.Crawler.MaxConcurrency <= 0 || c.Crawler.MaxConcurrency > 20 {
		return configErr("crawler.max_concurrency", errors.New("must be in [1, 20]"))
	}
	if c.Crawler.PerHostConcurrency <= 0 {
		return configErr("crawler.per_host_concurrency", errors.New("must be > 0"))
	}
	if c.Crawler.BatchSize <= 0 {
		return configErr("crawler.batch_size", errors.New("must be > 0"))
	}
	if c.Crawler.DelayMs < 0 {
		return configErr("crawler.delay_ms", errors.New("must be >= 0"))
	}
	if c.Crawler.RecrawlWindowDays <= 0 {
		return configErr("crawler.recrawl_window_days", errors.New("must be > 0"))
	}
	if c.Crawler.RetryAttempts < 0 {
		return configErr("crawler.retry_attempts", errors.New("must be >= 0"))
	}
	if c.Crawler.GlobalTimeoutMs <= 0 {
		return configErr("crawler.global_timeout_ms", errors.New("must be > 0"))
	}
	if c.Crawler.RequestTimeoutMs <= 0 {
		return configErr("crawler.request_timeout_ms", errors.New("must be > 0"))
	}
	if c.Crawler.UserAgent == "" {
		return configErr("crawler.user_agent", errors.New("must not be empty"))
	}
	if c.Analyzer.SpamThreshold <= 0 || c.Analyzer.SpamThreshold > 1 {
		return configErr("analyzer.spam_threshold", errors.New("must be in (0, 1]"))
	}
	if len(c.Databases) == 0 {
		return configErr("databases", errors.New("at least one target database is required"))
	}
	seen := make(map[string]struct{}, len(c.Databases))
	for _, db := range c.Databases {
		if db.Name == "" {
			return configErr("databases.name", errors.New("must not be empty"))
		}
		if db.DSN == "" {
			return configErr("databases.dsn", fmt.Errorf("missing for database %q", db.Name))
		}
		if _, dup := seen[db.Name]; dup {
			return configErr("databases.name", fmt.Errorf("duplicate database %q", db.Name))
		}
		seen[db.Name] = struct{}{}
	}
	return nil
}

func configErr(field string, err error) error {
	return &crawler.ConfigError{Field: field, Err: err}
}

// RequestTimeout converts the per-request knob into a duration.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// GlobalTimeout is the full retry budget for one URL.
func (c CrawlerConfig) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutMs) * time.Millisecond
}

// Delay is the minimum pause between requests to the same host.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// RecrawlWindow is how long a crawled page stays fresh.
func (c CrawlerConfig) RecrawlWindow() time.Duration {
	return time.Duration(c.RecrawlWindowDays) * 24 * time.Hour
}

// UserAgents returns the rotation set, always containing the primary agent.
func (c CrawlerConfig) UserAgents() []string {
	agents := make([]string, 0, len(c.UserAgentRotation)+1)
	agents = append(agents, c.UserAgent)
	for _, ua := range c.UserAgentRotation {
		if ua != "" && ua != c.UserAgent {
			agents = append(agents, ua)
		}
	}
	return agents
}
