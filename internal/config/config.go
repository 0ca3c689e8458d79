package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Config holds all TokenMeter operator configuration. None of it can be
// set from a provider definition.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Exec    ExecConfig    `mapstructure:"exec"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	CCUsage CCUsageConfig `mapstructure:"ccusage"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig defines the HTTP command surface.
type ServerConfig struct {
	Listen    string  `mapstructure:"listen"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExecConfig bounds provider fetch commands.
type ExecConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxOutputBytes  int64         `mapstructure:"max_output_bytes"`
	MaxStderrBytes  int           `mapstructure:"max_stderr_bytes"`
	AllowedPrograms []string      `mapstructure:"allowed_programs"`
}

// SandboxConfig bounds transform scripts.
type SandboxConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxMemoryBytes  uint64        `mapstructure:"max_memory_bytes"`
	MaxScriptLength int           `mapstructure:"max_script_length"`
	MaxCallStack    int           `mapstructure:"max_call_stack"`
}

// CCUsageConfig defines the built-in usage source.
type CCUsageConfig struct {
	Binary         string        `mapstructure:"binary"`
	Days           int           `mapstructure:"days"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
	SearchPaths    []string      `mapstructure:"search_paths"`
}

// PricingConfig defines the fallback pricing sources.
type PricingConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	File            string        `mapstructure:"file"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

// RefreshConfig defines refresh-all behaviour.
type RefreshConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	Desktop DesktopConfig `mapstructure:"desktop"`
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// DesktopConfig toggles native notifications.
type DesktopConfig struct {
	Enabled bool `mapstructure:"enabled"`
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

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "tokenmeter"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	v.SetDefault("storage.path", filepath.Join(xdg.DataHome, "tokenmeter", "tokenmeter.db"))
	v.SetDefault("server.listen", "127.0.0.1:7777")
	v.SetDefault("server.rate_limit", 5)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("exec.timeout", "30s")
	v.SetDefault("exec.max_output_bytes", 2<<20) // 2 MiB
	v.SetDefault("exec.max_stderr_bytes", 4096)
	v.SetDefault("exec.allowed_programs", []string{"curl", "wget", "http", "httpie"})
	v.SetDefault("sandbox.timeout", "5s")
	v.SetDefault("sandbox.max_memory_bytes", 64<<20) // 64 MiB
	v.SetDefault("sandbox.max_script_length", 10000)
	v.SetDefault("sandbox.max_call_stack", 1024)
	v.SetDefault("ccusage.binary", "ccusage")
	v.SetDefault("ccusage.days", 30)
	v.SetDefault("ccusage.timeout", "60s")
	v.SetDefault("ccusage.max_output_bytes", 16<<20) // 16 MiB
	v.SetDefault("ccusage.search_paths", []string{})
	v.SetDefault("pricing.url", "https://models.dev/api.json")
	v.SetDefault("pricing.timeout", "10s")
	v.SetDefault("pricing.file", "")
	v.SetDefault("pricing.refresh_schedule", "@daily")
	v.SetDefault("refresh.concurrency", 4)
	v.SetDefault("alerts.desktop.enabled", false)
	v.SetDefault("alerts.slack.channel", "#llm-costs")

	// Environment variables
	v.SetEnvPrefix("TOKENMETER")
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Exec.Timeout <= 0:
		return fmt.Errorf("exec.timeout must be positive")
	case c.Sandbox.Timeout <= 0:
		return fmt.Errorf("sandbox.timeout must be positive")
	case c.CCUsage.Timeout <= 0:
		return fmt.Errorf("ccusage.timeout must be positive")
	case len(c.Exec.AllowedPrograms) == 0:
		return fmt.Errorf("exec.allowed_programs must not be empty")
	case c.Refresh.Concurrency < 1:
		return fmt.Errorf("refresh.concurrency must be at least 1")
	case c.Server.RateLimit <= 0 || c.Server.RateBurst < 1:
		return fmt.Errorf("server.rate_limit and server.rate_burst must be positive")
	}
	return nil
}
