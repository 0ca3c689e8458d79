package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// Refresher is the refresh operation run on schedule.
type Refresher interface {
	RefreshUsage(ctx context.Context) (*model.UsageSummary, error)
}

// Invalidator drops cached data so the next read refetches it.
type Invalidator interface {
	Invalidate()
}

// Scheduler runs periodic usage refreshes and pricing invalidation.
type Scheduler struct {
	refresher Refresher
	prices    Invalidator
	logger    *slog.Logger
	cron      *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	refreshID cron.EntryID
}

// NewScheduler creates a scheduler. prices may be nil.
func NewScheduler(refresher Refresher, prices Invalidator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		prices:    prices,
		logger:    logger,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the refresh from cfg and, when pricingSpec is not empty,
// pricing invalidation on that cron expression. Jobs stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context, cfg model.AppConfig, pricingSpec string) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reschedule(cfg); err != nil {
		return err
	}
	if pricingSpec != "" && s.prices != nil {
		if _, err := s.cron.AddFunc(pricingSpec, s.invalidatePricing); err != nil {
			return fmt.Errorf("schedule pricing refresh %q: %w", pricingSpec, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "refresh_interval", cfg.RefreshEvery(), "pricing_schedule", pricingSpec)
	return nil
}

// Reschedule replaces the refresh job with one on cfg's interval.
func (s *Scheduler) Reschedule(cfg model.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshID != 0 {
		s.cron.Remove(s.refreshID)
		s.refreshID = 0
	}
	spec := "@every " + cfg.RefreshEvery().String()
	id, err := s.cron.AddFunc(spec, s.refresh)
	if err != nil {
		return fmt.Errorf("schedule refresh %q: %w", spec, err)
	}
	s.refreshID = id
	s.logger.Debug("refresh rescheduled", "spec", spec)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) refresh() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.refresher.RefreshUsage(ctx); err != nil {
		s.logger.Error("scheduled refresh failed", "error", err)
	}
}

func (s *Scheduler) invalidatePricing() {
	s.prices.Invalidate()
	s.logger.Info("pricing table invalidated")
}
