// Package alerts delivers daily budget notifications.
package alerts

import (
	"context"
	"fmt"

	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// Alert represents a daily budget threshold notification.
type Alert struct {
	Level        model.UsageLevel `json:"level"`
	Date         string           `json:"date"`
	BudgetUSD    float64          `json:"budget_usd"`
	CurrentSpend float64          `json:"current_spend"`
	Percent      float64          `json:"percent"`
	Message      string           `json:"message"`
}

// NewAlert builds an alert for spend against budget on date.
func NewAlert(level model.UsageLevel, date string, spend, budget float64) Alert {
	var pct float64
	if budget > 0 {
		pct = spend / budget * 100
	}
	return Alert{
		Level:        level,
		Date:         date,
		BudgetUSD:    budget,
		CurrentSpend: spend,
		Percent:      pct,
		Message:      fmt.Sprintf("Spent $%.2f of $%.2f today (%.0f%%)", spend, budget, pct),
	}
}

// Notifier sends alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert Alert) error
}
