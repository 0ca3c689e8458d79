// Package tracker is the command surface over providers and usage: it runs
// refreshes, caches the aggregated summary and persists provider status.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tokenmeter/tokenmeter/pkg/ccusage"
	"github.com/tokenmeter/tokenmeter/pkg/command"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/sandbox"
	"github.com/tokenmeter/tokenmeter/pkg/storage"
)

// FixedSourceName is the history key of the built-in usage source.
const FixedSourceName = "ccusage"

// ProviderRunner executes provider pipelines.
type ProviderRunner interface {
	Run(ctx context.Context, p model.Provider) model.ExecutionResult
	Test(ctx context.Context, p model.Provider) model.ExecutionResult
}

// FixedSource fetches usage from the built-in source.
type FixedSource interface {
	Fetch(ctx context.Context) ([]model.UsageRecord, error)
}

// Options configure a UsageTracker.
type Options struct {
	Policy          command.Policy
	MaxScriptLength int
	// Concurrency bounds the number of sources fetched at once.
	Concurrency int
	Now         func() time.Time
	// OnAppConfig is called after the app configuration is saved.
	OnAppConfig func(model.AppConfig)
}

// UsageTracker is the main entry point for managing providers and reading usage.
type UsageTracker struct {
	storage storage.Storage
	runner  ProviderRunner
	fixed   FixedSource
	budget  *BudgetMonitor
	opts    Options
	logger  *slog.Logger

	// refreshMu keeps cache-miss readers from starting duplicate refreshes.
	refreshMu sync.Mutex

	mu          sync.RWMutex
	summary     *model.UsageSummary
	summaryAt   time.Time
	fixedStatus model.SourceStatus
	fixedFresh  []model.UsageRecord

	inflightMu sync.Mutex
	cancelPrev context.CancelFunc
	prevDone   chan struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewUsageTracker creates a usage tracker. fixed and budget may be nil.
func NewUsageTracker(store storage.Storage, runner ProviderRunner, fixed FixedSource, budget *BudgetMonitor, opts Options, logger *slog.Logger) *UsageTracker {
	if len(opts.Policy.AllowedPrograms) == 0 {
		opts.Policy = command.DefaultPolicy()
	}
	if opts.MaxScriptLength <= 0 {
		opts.MaxScriptLength = sandbox.DefaultLimits.MaxScriptLength
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &UsageTracker{
		storage: store,
		runner:  runner,
		fixed:   fixed,
		budget:  budget,
		opts:    opts,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ListProviders returns every provider definition with its status fields.
func (t *UsageTracker) ListProviders(ctx context.Context) ([]model.Provider, error) {
	providers, err := t.storage.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	return providers, nil
}

// SaveProvider validates and stores a provider definition. A new id is
// assigned when p.ID is empty. Status fields in p are ignored.
func (t *UsageTracker) SaveProvider(ctx context.Context, p model.Provider) (*model.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := t.validate(p); err != nil {
		return nil, err
	}
	if err := t.storage.SaveProvider(ctx, &p); err != nil {
		return nil, fmt.Errorf("save provider: %w", err)
	}
	t.invalidate()
	t.logger.Info("provider saved", "provider", p.ID, "enabled", p.Enabled)

	saved, err := t.storage.GetProvider(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("reload provider: %w", err)
	}
	return saved, nil
}

func (t *UsageTracker) validate(p model.Provider) error {
	if err := command.ValidateProviderID(p.ID); err != nil {
		return err
	}
	if err := command.ValidateEnv(p.Env); err != nil {
		return err
	}
	if err := command.ValidateScript(p.TransformScript, t.opts.MaxScriptLength); err != nil {
		return err
	}
	_, err := command.Validate(p.FetchCommand, p.Env, t.opts.Policy)
	return err
}

// DeleteProvider removes a provider with its snapshot and history.
func (t *UsageTracker) DeleteProvider(ctx context.Context, id string) error {
	lock := t.providerLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := t.storage.DeleteProvider(ctx, id); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if err := t.storage.DeleteHistory(ctx, providerSource(id)); err != nil {
		return fmt.Errorf("delete provider history: %w", err)
	}
	t.invalidate()
	t.logger.Info("provider deleted", "provider", id)
	return nil
}

// TestProvider runs p without persisting anything and returns the result
// including the raw transform output.
func (t *UsageTracker) TestProvider(ctx context.Context, p model.Provider) model.ExecutionResult {
	if p.ID == "" {
		p.ID = "test"
	}
	return t.runner.Test(ctx, p)
}

// GetUsageSummary returns the cached summary while it is younger than the
// app refresh interval, refreshing otherwise.
func (t *UsageTracker) GetUsageSummary(ctx context.Context) (*model.UsageSummary, error) {
	if s := t.cached(ctx); s != nil {
		return s, nil
	}
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()
	if s := t.cached(ctx); s != nil {
		return s, nil
	}
	return t.RefreshUsage(ctx)
}

func (t *UsageTracker) cached(ctx context.Context) *model.UsageSummary {
	t.mu.RLock()
	summary, at := t.summary, t.summaryAt
	t.mu.RUnlock()
	if summary == nil {
		return nil
	}
	cfg, err := t.storage.GetAppConfig(ctx)
	if err != nil {
		cfg = model.DefaultAppConfig()
	}
	if t.opts.Now().Sub(at) >= cfg.RefreshEvery() {
		return nil
	}
	return summary
}

func (t *UsageTracker) invalidate() {
	t.mu.Lock()
	t.summary = nil
	t.mu.Unlock()
}

// RefreshUsage fetches every enabled source and returns the new summary.
// A refresh already in flight is cancelled, and its processes killed,
// before this one starts. Source failures are reported in the summary.
func (t *UsageTracker) RefreshUsage(ctx context.Context) (*model.UsageSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.inflightMu.Lock()
	if t.cancelPrev != nil {
		t.cancelPrev()
	}
	prevDone := t.prevDone
	t.cancelPrev, t.prevDone = cancel, done
	t.inflightMu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := t.refreshAll(runCtx); err != nil {
		return nil, err
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		t.logger.Info("refresh superseded by a newer one")
	}

	summary, err := t.buildSummary(ctx)
	if err != nil {
		return nil, err
	}
	if runCtx.Err() == nil {
		t.mu.Lock()
		t.summary, t.summaryAt = summary, t.opts.Now()
		t.mu.Unlock()
	}
	return summary, nil
}

func (t *UsageTracker) refreshAll(ctx context.Context) error {
	providers, err := t.storage.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}

	start := t.opts.Now()
	var g errgroup.Group
	g.SetLimit(t.opts.Concurrency)
	if t.fixed != nil {
		g.Go(func() error {
			t.refreshFixed(ctx)
			return nil
		})
	}
	enabled := 0
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		enabled++
		g.Go(func() error {
			t.refreshProvider(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	t.logger.Info("refresh finished", "providers", enabled, "duration", t.opts.Now().Sub(start))
	return nil
}

func (t *UsageTracker) refreshFixed(ctx context.Context) {
	records, err := t.fixed.Fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	now := t.opts.Now().UTC()
	if err != nil {
		t.logger.Warn("fixed source fetch failed", "error", err)
		t.mu.Lock()
		t.fixedStatus.Error = err.Error()
		t.fixedStatus.NotInstalled = errors.Is(err, ccusage.ErrNotInstalled)
		t.mu.Unlock()
		return
	}

	if err := t.storage.MergeHistory(ctx, FixedSourceName, records); err != nil {
		t.logger.Error("store fixed source history", "error", err)
	}
	t.mu.Lock()
	t.fixedStatus = model.SourceStatus{FetchedAt: &now}
	t.fixedFresh = records
	t.mu.Unlock()
}

func (t *UsageTracker) refreshProvider(ctx context.Context, p model.Provider) {
	lock := t.providerLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	// The provider may have been deleted or edited since the list was read.
	current, err := t.storage.GetProvider(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		t.logger.Error("reload provider", "provider", p.ID, "error", err)
		return
	}
	if !current.Enabled {
		return
	}
	p = *current

	res := t.runner.Run(ctx, p)
	if ctx.Err() != nil && res.Failure() {
		// Cancelled runs leave the stored status alone.
		return
	}

	switch {
	case res.OK():
		now := t.opts.Now().UTC()
		snap := &model.ProviderSnapshot{ProviderID: p.ID, Records: res.Records, Quota: res.Quota, FetchedAt: now}
		if err := t.storage.SaveSnapshot(ctx, snap); err != nil {
			t.logger.Error("store provider snapshot", "provider", p.ID, "error", err)
			return
		}
		if err := t.storage.MergeHistory(ctx, providerSource(p.ID), res.Records); err != nil {
			t.logger.Error("store provider history", "provider", p.ID, "error", err)
		}
		t.setStatus(ctx, p.ID, &now, "")
	case res.Failure():
		t.setStatus(ctx, p.ID, nil, res.Summary())
	}
}

func (t *UsageTracker) setStatus(ctx context.Context, id string, fetchedAt *time.Time, lastError string) {
	err := t.storage.UpdateProviderStatus(ctx, id, fetchedAt, lastError)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted while running.
		return
	}
	if err != nil {
		t.logger.Error("update provider status", "provider", id, "error", err)
	}
}

func (t *UsageTracker) buildSummary(ctx context.Context) (*model.UsageSummary, error) {
	history, err := t.storage.LoadHistory(ctx, FixedSourceName)
	if err != nil {
		return nil, fmt.Errorf("load fixed source history: %w", err)
	}
	providers, err := t.storage.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	cfg, err := t.storage.GetAppConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("get app config: %w", err)
	}

	t.mu.RLock()
	fixedStatus := t.fixedStatus
	all := model.MergeByDate(history, t.fixedFresh)
	t.mu.RUnlock()

	statuses := make([]model.ProviderStatus, 0, len(providers))
	for _, p := range providers {
		snap, err := t.storage.GetSnapshot(ctx, p.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get snapshot: %w", err)
		}
		statuses = append(statuses, model.ProviderStatus{
			ID:            p.ID,
			Name:          p.Name,
			Enabled:       p.Enabled,
			LastFetchedAt: p.LastFetchedAt,
			LastError:     p.LastError,
			Stale:         snap != nil && p.LastError != "",
			Snapshot:      snap,
		})
		if !p.Enabled {
			continue
		}
		records, err := t.storage.LoadHistory(ctx, providerSource(p.ID))
		if err != nil {
			return nil, fmt.Errorf("load provider history: %w", err)
		}
		all = append(all, records...)
	}

	now := t.opts.Now()
	daily := model.Daily(all)
	today := model.Today(daily, now)
	month := model.ThisMonth(daily, now)

	level := model.LevelFor(today.CostUSD, cfg.MenuBar.FixedBudget)
	if t.budget != nil {
		level = t.budget.Check(ctx, today.Date, today.CostUSD, cfg.MenuBar.FixedBudget)
	}

	return &model.UsageSummary{
		Today:          today,
		ThisMonth:      month,
		Daily:          daily,
		ModelBreakdown: month.Models,
		FixedSource:    fixedStatus,
		Providers:      statuses,
		Level:          level,
		UpdatedAt:      now.UTC(),
	}, nil
}

// GetAppConfig returns the app configuration.
func (t *UsageTracker) GetAppConfig(ctx context.Context) (model.AppConfig, error) {
	cfg, err := t.storage.GetAppConfig(ctx)
	if err != nil {
		return model.AppConfig{}, fmt.Errorf("get app config: %w", err)
	}
	return cfg, nil
}

// SaveAppConfig validates and stores the app configuration.
func (t *UsageTracker) SaveAppConfig(ctx context.Context, cfg model.AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := t.storage.SaveAppConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save app config: %w", err)
	}
	t.invalidate()
	if t.opts.OnAppConfig != nil {
		t.opts.OnAppConfig(cfg)
	}
	return nil
}

func (t *UsageTracker) providerLock(id string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

func providerSource(id string) string { return "provider:" + id }
