package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAppConfig wraps every AppConfig validation failure.
var ErrInvalidAppConfig = errors.New("invalid app config")

// Refresh interval bounds, in seconds.
const (
	MinRefreshInterval     = 60
	MaxRefreshInterval     = 3600
	DefaultRefreshInterval = 900
)

// AppConfig holds the user-facing preferences record.
type AppConfig struct {
	RefreshInterval int           `json:"refreshInterval"`
	LaunchAtLogin   bool          `json:"launchAtLogin"`
	MenuBar         MenuBarConfig `json:"menuBar"`
	Language        string        `json:"language,omitempty"`
}

// MenuBarConfig holds display preferences for the tray title.
type MenuBarConfig struct {
	Format                     string  `json:"format"`
	ThresholdMode              string  `json:"thresholdMode"`
	FixedBudget                float64 `json:"fixedBudget"`
	NearBudgetThresholdPercent int     `json:"nearBudgetThresholdPercent"`
	ShowColorCoding            bool    `json:"showColorCoding"`
}

// DefaultAppConfig returns the preferences used before the user saves any.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		RefreshInterval: DefaultRefreshInterval,
		MenuBar: MenuBarConfig{
			Format:                     "${cost} ${tokens}",
			ThresholdMode:              "fixed",
			FixedBudget:                15.0,
			NearBudgetThresholdPercent: 10,
			ShowColorCoding:            true,
		},
	}
}

// Validate checks the bounded fields of the record.
func (c AppConfig) Validate() error {
	if c.RefreshInterval < MinRefreshInterval || c.RefreshInterval > MaxRefreshInterval {
		return fmt.Errorf("%w: refresh interval must be between %d and %d seconds", ErrInvalidAppConfig, MinRefreshInterval, MaxRefreshInterval)
	}
	if c.MenuBar.FixedBudget < 0 {
		return fmt.Errorf("%w: fixed budget must not be negative", ErrInvalidAppConfig)
	}
	if c.MenuBar.NearBudgetThresholdPercent < 0 || c.MenuBar.NearBudgetThresholdPercent > 100 {
		return fmt.Errorf("%w: near budget threshold must be between 0 and 100 percent", ErrInvalidAppConfig)
	}
	return nil
}

// RefreshEvery returns the refresh interval clamped to the allowed range.
func (c AppConfig) RefreshEvery() time.Duration {
	secs := min(max(c.RefreshInterval, MinRefreshInterval), MaxRefreshInterval)
	return time.Duration(secs) * time.Second
}
