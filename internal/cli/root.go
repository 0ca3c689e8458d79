package cli

import (
	"log/slog"
	"os"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/tokenmeter/tokenmeter/internal/config"
	"github.com/tokenmeter/tokenmeter/pkg/alerts"
	"github.com/tokenmeter/tokenmeter/pkg/ccusage"
	"github.com/tokenmeter/tokenmeter/pkg/command"
	"github.com/tokenmeter/tokenmeter/pkg/executor"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/pipeline"
	"github.com/tokenmeter/tokenmeter/pkg/pricing"
	"github.com/tokenmeter/tokenmeter/pkg/sandbox"
	"github.com/tokenmeter/tokenmeter/pkg/storage"
	"github.com/tokenmeter/tokenmeter/pkg/tracker"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tokenmeter",
	Short: "TokenMeter - LLM usage and spend from ccusage and custom providers",
	Long: `TokenMeter collects daily LLM usage from the ccusage CLI and from
user-defined providers. A provider runs an allow-listed HTTP fetch command
and reshapes its JSON output with a sandboxed JavaScript transform.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tokenmeter/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier

	if cfg.Alerts.Desktop.Enabled {
		notifiers = append(notifiers, alerts.NewDesktopNotifier())
	}

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	return notifiers
}

// initPricing creates the fallback pricing cache. A configured pricing file
// overrides catalog entries.
func initPricing(cfg *config.Config, logger *slog.Logger) *pricing.Cache {
	var overrides []pricing.Source
	if cfg.Pricing.File != "" {
		overrides = append(overrides, pricing.NewFileSource(cfg.Pricing.File))
	}
	var primary pricing.Source
	if cfg.Pricing.URL != "" {
		primary = pricing.NewCatalogSource(cfg.Pricing.URL, cfg.Pricing.Timeout)
	}
	return pricing.NewCache(primary, logger, overrides...)
}

// app holds the wired components shared by commands.
type app struct {
	tracker *tracker.UsageTracker
	store   storage.Storage
	prices  *pricing.Cache
}

func (a *app) Close() error {
	return a.store.Close()
}

// openApp loads the configuration and wires the tracker for a one-shot command.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initApp(cfg, newLogger(cfg), nil)
}

// initApp creates a fully wired usage tracker. onAppConfig, when set, receives
// every saved app configuration.
func initApp(cfg *config.Config, logger *slog.Logger, onAppConfig func(model.AppConfig)) (*app, error) {
	store, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	policy := command.Policy{AllowedPrograms: cfg.Exec.AllowedPrograms}

	fetcher := executor.New(executor.Limits{
		Timeout:        cfg.Exec.Timeout,
		MaxOutputBytes: cfg.Exec.MaxOutputBytes,
		MaxStderrBytes: cfg.Exec.MaxStderrBytes,
	}, logger.With("component", "executor"))

	sb := sandbox.New(sandbox.Limits{
		Timeout:         cfg.Sandbox.Timeout,
		MaxMemoryBytes:  cfg.Sandbox.MaxMemoryBytes,
		MaxScriptLength: cfg.Sandbox.MaxScriptLength,
		MaxCallStack:    cfg.Sandbox.MaxCallStack,
	}, logger.With("component", "sandbox"))

	runner := pipeline.New(fetcher, sb, pipeline.Options{
		Policy:          policy,
		MaxScriptLength: cfg.Sandbox.MaxScriptLength,
	}, logger.With("component", "pipeline"))

	prices := initPricing(cfg, logger.With("component", "pricing"))

	ccusageRunner := executor.New(executor.Limits{
		Timeout:        cfg.CCUsage.Timeout,
		MaxOutputBytes: cfg.CCUsage.MaxOutputBytes,
		MaxStderrBytes: cfg.Exec.MaxStderrBytes,
	}, logger.With("component", "ccusage"))
	fixed := ccusage.NewAdapter(ccusageRunner, prices, ccusage.Options{
		Binary:      cfg.CCUsage.Binary,
		Days:        cfg.CCUsage.Days,
		SearchPaths: cfg.CCUsage.SearchPaths,
		Home:        xdg.Home,
	}, logger.With("component", "ccusage"))

	budget := tracker.NewBudgetMonitor(initNotifiers(cfg), logger)

	opts := tracker.Options{
		Policy:          policy,
		MaxScriptLength: cfg.Sandbox.MaxScriptLength,
		Concurrency:     cfg.Refresh.Concurrency,
		OnAppConfig:     onAppConfig,
	}
	usageTracker := tracker.NewUsageTracker(store, runner, fixed, budget, opts, logger)

	return &app{tracker: usageTracker, store: store, prices: prices}, nil
}
