// Package config provides YAML-based configuration loading for the job coordinator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultRetrySchedule is the delay before each re-dispatch, indexed by the
// attempt number that just failed.
var DefaultRetrySchedule = []time.Duration{0, 30 * time.Second, 120 * time.Second}

// Config is the top-level coordinator configuration, loaded from yard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queues    QueueConfig     `yaml:"queues"`
	Retry     RetryConfig     `yaml:"retry"`
	Costs     CostConfig      `yaml:"costs"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	Password      string        `yaml:"password"`
	ConsumerGroup string        `yaml:"consumer_group"`
	BlockMs       int           `yaml:"block_ms"`
	PoolSize      int           `yaml:"pool_size"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	MaxDeliveries int64         `yaml:"max_deliveries"`
}

// QueueConfig names the stream used for each job kind.
type QueueConfig struct {
	Training   string `yaml:"training"`
	Generation string `yaml:"generation"`
}

// RetryConfig is the retry policy owned by the supervisor.
type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Schedule    []time.Duration `yaml:"schedule"`
}

// CostConfig holds token prices used when a request does not name a cost.
type CostConfig struct {
	Training int64 `yaml:"training"`
}

// WebhookConfig configures the HTTP surface workers report to.
type WebhookConfig struct {
	Port           int      `yaml:"port"`
	Token          string   `yaml:"token"`
	TokenEnv       string   `yaml:"token_env"`
	AllowedSources []string `yaml:"allowed_sources"`
}

// ReconcileConfig configures the periodic recovery sweep.
type ReconcileConfig struct {
	Schedule           string        `yaml:"schedule"`
	OrphanGrace        time.Duration `yaml:"orphan_grace"`
	PublishGrace       time.Duration `yaml:"publish_grace"`
	RepublishPerSecond float64       `yaml:"republish_per_second"`
	StallAfter         time.Duration `yaml:"stall_after"` // negative disables stall alerts
}

// AlertsConfig holds optional operator alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig enables Slack alerts when both fields are set.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig enables Discord alerts when both fields are set.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
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
			c.Database.Name = "stylelicense"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "yard.db"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.Redis.ConsumerGroup == "" {
		c.Redis.ConsumerGroup = "style-workers"
	}
	if c.Redis.BlockMs == 0 {
		c.Redis.BlockMs = 5000
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.ClaimMinIdle == 0 {
		c.Redis.ClaimMinIdle = 5 * time.Minute
	}
	if c.Redis.MaxDeliveries == 0 {
		c.Redis.MaxDeliveries = 5
	}

	if c.Queues.Training == "" {
		c.Queues.Training = "model_training"
	}
	if c.Queues.Generation == "" {
		c.Queues.Generation = "image_generation"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if len(c.Retry.Schedule) == 0 {
		c.Retry.Schedule = append([]time.Duration(nil), DefaultRetrySchedule...)
	}

	if c.Costs.Training == 0 {
		c.Costs.Training = 100
	}

	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8080
	}
	if c.Webhook.TokenEnv == "" {
		c.Webhook.TokenEnv = "YARD_INTERNAL_API_TOKEN"
	}
	if len(c.Webhook.AllowedSources) == 0 {
		c.Webhook.AllowedSources = []string{"training-server", "inference-server"}
	}

	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 1m"
	}
	if c.Reconcile.OrphanGrace == 0 {
		c.Reconcile.OrphanGrace = 10 * time.Minute
	}
	if c.Reconcile.PublishGrace == 0 {
		c.Reconcile.PublishGrace = 5 * time.Minute
	}
	if c.Reconcile.RepublishPerSecond == 0 {
		c.Reconcile.RepublishPerSecond = 20
	}
	if c.Reconcile.StallAfter == 0 {
		c.Reconcile.StallAfter = 30 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(c.Webhook.TokenEnv); ok && v != "" {
		c.Webhook.Token = v
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Redis.ClaimMinIdle < 0 {
		errs = append(errs, "redis.claim_min_idle must not be negative")
	}
	if c.Redis.MaxDeliveries < 0 {
		errs = append(errs, "redis.max_deliveries must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	for i, d := range c.Retry.Schedule {
		if d < 0 {
			errs = append(errs, fmt.Sprintf("retry.schedule[%d] must not be negative", i))
		}
	}
	if c.Costs.Training < 0 {
		errs = append(errs, "costs.training must not be negative")
	}
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		errs = append(errs, fmt.Sprintf("webhook.port %d out of range", c.Webhook.Port))
	}
	if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile.schedule %q: %v", c.Reconcile.Schedule, err))
	}
	if c.Reconcile.RepublishPerSecond < 0 {
		errs = append(errs, "reconcile.republish_per_second must not be negative")
	}
	if (c.Alerts.Slack.BotToken == "") != (c.Alerts.Slack.ChannelID == "") {
		errs = append(errs, "alerts.slack needs both bot_token and channel_id")
	}
	if (c.Alerts.Discord.BotToken == "") != (c.Alerts.Discord.ChannelID == "") {
		errs = append(errs, "alerts.discord needs both bot_token and channel_id")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// QueueFor returns the stream name for a job kind.
func (q QueueConfig) QueueFor(kind string) (string, error) {
	switch kind {
	case "training":
		return q.Training, nil
	case "generation":
		return q.Generation, nil
	}
	return "", fmt.Errorf("config: no queue for job kind %q", kind)
}
