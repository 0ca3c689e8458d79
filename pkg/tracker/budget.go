package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tokenmeter/tokenmeter/pkg/alerts"
	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// BudgetMonitor dispatches alerts when today's usage level escalates.
type BudgetMonitor struct {
	notifiers []alerts.Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	date    string
	alerted model.UsageLevel
}

// NewBudgetMonitor creates a budget monitor.
func NewBudgetMonitor(notifiers []alerts.Notifier, logger *slog.Logger) *BudgetMonitor {
	return &BudgetMonitor{
		notifiers: notifiers,
		logger:    logger,
	}
}

// Check classifies spend against the daily budget and notifies every
// notifier when the level reaches high or critical for the first time on
// date. It returns the level.
func (m *BudgetMonitor) Check(ctx context.Context, date string, spend, budget float64) model.UsageLevel {
	level := model.LevelFor(spend, budget)

	m.mu.Lock()
	if m.date != date {
		m.date = date
		m.alerted = model.LevelLow
	}
	escalated := level.Rank() >= model.LevelHigh.Rank() && level.Rank() > m.alerted.Rank()
	if escalated {
		m.alerted = level
	}
	m.mu.Unlock()

	if !escalated {
		return level
	}

	alert := alerts.NewAlert(level, date, spend, budget)
	m.logger.Warn("usage threshold crossed",
		"level", level,
		"pct", alert.Percent,
		"spend", spend,
		"budget", budget,
	)

	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, alert); err != nil {
			m.logger.Error("send alert failed",
				"notifier", notifier.Name(),
				"level", level,
				"error", err,
			)
		}
	}
	return level
}
