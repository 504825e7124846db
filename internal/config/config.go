package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ogulcanaydogan/budgetgate/pkg/deployment"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all budgetgate configuration.
type Config struct {
	Budgets    map[string]BudgetConfig `mapstructure:"budgets"`
	Ledger     LedgerConfig            `mapstructure:"ledger"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Server     ServerConfig            `mapstructure:"server"`
	Classifier ClassifierConfig        `mapstructure:"classifier"`
	Alerts     AlertsConfig            `mapstructure:"alerts"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Logging    LoggingConfig           `mapstructure:"logging"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// BudgetConfig is one provider's spend limit.
type BudgetConfig struct {
	Limit  float64 `mapstructure:"limit"`
	Period string  `mapstructure:"period"`
}

// LedgerConfig selects and tunes the spend ledger.
type LedgerConfig struct {
	Backend           string        `mapstructure:"backend"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadFailurePolicy string        `mapstructure:"read_failure_policy"`
	LocalCacheTTL     time.Duration `mapstructure:"local_cache_ttl"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
}

// RedisConfig defines the shared ledger connection. Setting ClusterAddrs
// connects to a Redis Cluster instead of the single server at Addr.
type RedisConfig struct {
	Addr         string   `mapstructure:"addr"`
	ClusterAddrs []string `mapstructure:"cluster_addrs"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig defines HTTP API settings.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ClassifierConfig holds provider classification rules. Empty rules fall
// back to deployment.DefaultRules.
type ClassifierConfig struct {
	Rules []deployment.Rule `mapstructure:"rules"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	ThresholdPct float64       `mapstructure:"threshold_pct"`
	Slack        SlackConfig   `mapstructure:"slack"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".bgate"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.read_timeout", "250ms")
	v.SetDefault("ledger.read_failure_policy", "open")
	v.SetDefault("ledger.local_cache_ttl", "1s")
	v.SetDefault("ledger.sweep_schedule", "@every 5m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.path", filepath.Join(home, ".bgate", "ledger.db"))
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("alerts.threshold_pct", 80.0)
	v.SetDefault("alerts.slack.channel", "#llm-costs")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment variables
	v.SetEnvPrefix("BGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that Load cannot express as types. Budget
// definitions are validated when the registry is built.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid config: ledger.backend %q (want %s, %s or %s)",
			c.Ledger.Backend, BackendMemory, BackendSQLite, BackendRedis)
	}
	if c.Ledger.ReadTimeout < 0 {
		return fmt.Errorf("invalid config: ledger.read_timeout must not be negative")
	}
	if c.Ledger.LocalCacheTTL < 0 {
		return fmt.Errorf("invalid config: ledger.local_cache_ttl must not be negative")
	}
	if c.Alerts.ThresholdPct < 0 || c.Alerts.ThresholdPct > 100 {
		return fmt.Errorf("invalid config: alerts.threshold_pct %.1f out of range [0, 100]", c.Alerts.ThresholdPct)
	}
	return nil
}

// BudgetDefinitions converts the budgets section to definitions sorted by
// provider.
func (c *Config) BudgetDefinitions() []model.BudgetDefinition {
	defs := make([]model.BudgetDefinition, 0, len(c.Budgets))
	for provider, b := range c.Budgets {
		defs = append(defs, model.BudgetDefinition{
			Provider: provider,
			LimitUSD: b.Limit,
			Period:   b.Period,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Provider < defs[j].Provider })
	return defs
}

// ClassifierRules returns the configured rules or the defaults.
func (c *Config) ClassifierRules() []deployment.Rule {
	if len(c.Classifier.Rules) == 0 {
		return deployment.DefaultRules()
	}
	return c.Classifier.Rules
}
