package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change app preferences",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved preferences as YAML",
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update preferences",
	RunE:  runSettingsSet,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)

	settingsSetCmd.Flags().Int("refresh-interval", 0, "Refresh interval in seconds (60-3600)")
	settingsSetCmd.Flags().Float64("budget", 0, "Fixed daily budget in USD")
	settingsSetCmd.Flags().Int("near-budget", 0, "Near-budget threshold percent")
	settingsSetCmd.Flags().String("threshold-mode", "", "Budget threshold mode")
	settingsSetCmd.Flags().String("format", "", "Tray title format, e.g. '${cost} ${tokens}'")
	settingsSetCmd.Flags().Bool("color", true, "Color-code the tray title")
	settingsSetCmd.Flags().Bool("launch-at-login", false, "Start at login")
	settingsSetCmd.Flags().String("language", "", "UI language")
}

// yamlSettings mirrors model.AppConfig with YAML field names.
type yamlSettings struct {
	RefreshInterval int    `yaml:"refreshInterval"`
	LaunchAtLogin   bool   `yaml:"launchAtLogin"`
	Language        string `yaml:"language,omitempty"`
	MenuBar         struct {
		Format                     string  `yaml:"format"`
		ThresholdMode              string  `yaml:"thresholdMode"`
		FixedBudget                float64 `yaml:"fixedBudget"`
		NearBudgetThresholdPercent int     `yaml:"nearBudgetThresholdPercent"`
		ShowColorCoding            bool    `yaml:"showColorCoding"`
	} `yaml:"menuBar"`
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.tracker.GetAppConfig(cmd.Context())
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}

	var out yamlSettings
	out.RefreshInterval = cfg.RefreshInterval
	out.LaunchAtLogin = cfg.LaunchAtLogin
	out.Language = cfg.Language
	out.MenuBar.Format = cfg.MenuBar.Format
	out.MenuBar.ThresholdMode = cfg.MenuBar.ThresholdMode
	out.MenuBar.FixedBudget = cfg.MenuBar.FixedBudget
	out.MenuBar.NearBudgetThresholdPercent = cfg.MenuBar.NearBudgetThresholdPercent
	out.MenuBar.ShowColorCoding = cfg.MenuBar.ShowColorCoding

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.tracker.GetAppConfig(cmd.Context())
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("refresh-interval") {
		cfg.RefreshInterval, _ = flags.GetInt("refresh-interval")
	}
	if flags.Changed("budget") {
		cfg.MenuBar.FixedBudget, _ = flags.GetFloat64("budget")
	}
	if flags.Changed("near-budget") {
		cfg.MenuBar.NearBudgetThresholdPercent, _ = flags.GetInt("near-budget")
	}
	if flags.Changed("threshold-mode") {
		cfg.MenuBar.ThresholdMode, _ = flags.GetString("threshold-mode")
	}
	if flags.Changed("format") {
		cfg.MenuBar.Format, _ = flags.GetString("format")
	}
	if flags.Changed("color") {
		cfg.MenuBar.ShowColorCoding, _ = flags.GetBool("color")
	}
	if flags.Changed("launch-at-login") {
		cfg.LaunchAtLogin, _ = flags.GetBool("launch-at-login")
	}
	if flags.Changed("language") {
		cfg.Language, _ = flags.GetString("language")
	}

	if err := a.tracker.SaveAppConfig(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	fmt.Println("Settings saved.")
	return nil
}
