package config

import (
	"time"

	"github.com/cockroachdb/errors"
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/tideline/pkg/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logger     logger.Config    `yaml:"logger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Content    ContentConfig    `yaml:"content"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// Path is the SQLite file (or ":memory:") when Type is sqlite.
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type DispatcherConfig struct {
	Enabled          *bool   `yaml:"enabled"`
	PollInterval     string  `yaml:"poll_interval"`
	BatchLimit       int     `yaml:"batch_limit"`
	MaxAttempts      int     `yaml:"max_attempts"`
	LeaseDuration    string  `yaml:"lease_duration"`
	ExecutionTimeout string  `yaml:"execution_timeout"`
	Concurrency      int     `yaml:"concurrency"`
	RatePerSecond    float64 `yaml:"rate_per_second"`
	RateBurst        int     `yaml:"rate_burst"`
}

type ContentConfig struct {
	Type    string `yaml:"type"` // http or log
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

type MonitoringConfig struct {
	RetentionDays   int    `yaml:"retention_days"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", configPath)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field. The dispatcher runs unless
// dispatcher.enabled is explicitly false.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5334
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.TimeZone == "" {
		c.Database.TimeZone = "UTC"
	}
	if c.Database.Path == "" {
		c.Database.Path = "tideline.db"
	}
	if c.Dispatcher.PollInterval == "" {
		c.Dispatcher.PollInterval = "30s"
	}
	if c.Dispatcher.Enabled == nil {
		enabled := true
		c.Dispatcher.Enabled = &enabled
	}
	if c.Dispatcher.BatchLimit <= 0 {
		c.Dispatcher.BatchLimit = 50
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.LeaseDuration == "" {
		c.Dispatcher.LeaseDuration = "10m"
	}
	if c.Dispatcher.ExecutionTimeout == "" {
		c.Dispatcher.ExecutionTimeout = "30s"
	}
	if c.Dispatcher.Concurrency <= 0 {
		c.Dispatcher.Concurrency = 4
	}
	if c.Dispatcher.RatePerSecond <= 0 {
		c.Dispatcher.RatePerSecond = 10
	}
	if c.Dispatcher.RateBurst <= 0 {
		c.Dispatcher.RateBurst = c.Dispatcher.Concurrency
	}
	if c.Content.Type == "" {
		c.Content.Type = "log"
	}
	if c.Content.Timeout == "" {
		c.Content.Timeout = "20s"
	}
	if c.Monitoring.RetentionDays <= 0 {
		c.Monitoring.RetentionDays = 30
	}
	if c.Monitoring.CleanupInterval == "" {
		c.Monitoring.CleanupInterval = "1h"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return errors.Newf("unsupported database type %q", c.Database.Type)
	}
	switch c.Content.Type {
	case "log":
	case "http":
		if c.Content.BaseURL == "" {
			return errors.New("content.base_url is required for the http content repository")
		}
	default:
		return errors.Newf("unsupported content type %q", c.Content.Type)
	}

	for name, value := range map[string]string{
		"dispatcher.poll_interval":     c.Dispatcher.PollInterval,
		"dispatcher.lease_duration":    c.Dispatcher.LeaseDuration,
		"dispatcher.execution_timeout": c.Dispatcher.ExecutionTimeout,
		"content.timeout":              c.Content.Timeout,
		"monitoring.cleanup_interval":  c.Monitoring.CleanupInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		if d <= 0 {
			return errors.Newf("%s must be positive, got %s", name, value)
		}
	}

	if c.Dispatcher.BatchLimit <= 0 || c.Dispatcher.Concurrency <= 0 {
		return errors.New("dispatcher.batch_limit and dispatcher.concurrency must be positive")
	}
	_, lease, _ := c.Dispatcher.Durations()
	if minLease := c.Dispatcher.MinLease(); lease < minLease {
		return errors.Newf("dispatcher.lease_duration %s is shorter than a full batch may take; need at least %s for batch_limit %d, concurrency %d and execution_timeout %s",
			lease, minLease, c.Dispatcher.BatchLimit, c.Dispatcher.Concurrency, c.Dispatcher.ExecutionTimeout)
	}

	return nil
}

func (d DispatcherConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Durations returns the parsed dispatcher durations. Call after Validate.
func (d DispatcherConfig) Durations() (poll, lease, timeout time.Duration) {
	poll, _ = time.ParseDuration(d.PollInterval)
	lease, _ = time.ParseDuration(d.LeaseDuration)
	timeout, _ = time.ParseDuration(d.ExecutionTimeout)
	return poll, lease, timeout
}

// MinLease is the longest a claimed batch can take to drain: one execution
// timeout per round of concurrent executions, plus one more as margin.
func (d DispatcherConfig) MinLease() time.Duration {
	_, _, timeout := d.Durations()
	rounds := (d.BatchLimit + d.Concurrency - 1) / max(d.Concurrency, 1)
	return time.Duration(rounds+1) * timeout
}

func (c ContentConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// Durations returns the cleanup interval and retention window. Call after Validate.
func (m MonitoringConfig) Durations() (interval, retention time.Duration) {
	interval, _ = time.ParseDuration(m.CleanupInterval)
	return interval, time.Duration(m.RetentionDays) * 24 * time.Hour
}
