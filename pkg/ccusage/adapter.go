// Package ccusage adapts the ccusage CLI report into canonical usage records.
package ccusage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tokenmeter/tokenmeter/pkg/executor"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/pricing"
)

// ErrNotInstalled means the ccusage binary could not be found.
var ErrNotInstalled = errors.New("ccusage not found. Please install it first: npm install -g ccusage")

// Runner runs a process and returns its stdout.
type Runner interface {
	Run(ctx context.Context, spec executor.Spec) ([]byte, error)
}

// PriceTable provides the fallback pricing table.
type PriceTable interface {
	Table(ctx context.Context) (*pricing.Table, error)
}

// Options configure the adapter.
type Options struct {
	Binary      string
	Days        int
	SearchPaths []string
	Home        string
}

// Adapter fetches usage from ccusage.
type Adapter struct {
	runner Runner
	prices PriceTable
	opts   Options
	logger *slog.Logger
}

// NewAdapter creates an adapter. runner should be an executor configured with
// the fixed-source limits.
func NewAdapter(runner Runner, prices PriceTable, opts Options, logger *slog.Logger) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "ccusage"
	}
	if opts.Days <= 0 {
		opts.Days = 30
	}
	return &Adapter{runner: runner, prices: prices, opts: opts, logger: logger}
}

// Fetch runs ccusage and returns one record per reported day, sorted by date.
func (a *Adapter) Fetch(ctx context.Context) ([]model.UsageRecord, error) {
	path, err := locate(a.opts.Binary, a.opts.SearchPaths, a.opts.Home)
	if err != nil {
		return nil, ErrNotInstalled
	}

	spec := executor.Spec{
		Argv: []string{path, "--json", "--days", strconv.Itoa(a.opts.Days), "--offline"},
		Env:  childEnv(path, a.opts.Home),
	}
	out, err := a.runner.Run(ctx, spec)
	if err != nil {
		if notInstalled(err) {
			return nil, ErrNotInstalled
		}
		return nil, err
	}

	days, err := parseReport(out)
	if err != nil {
		return nil, err
	}

	var table *pricing.Table
	if needsFallback(days) && a.prices != nil {
		table, err = a.prices.Table(ctx)
		if err != nil {
			a.logger.Warn("fallback pricing unavailable", "error", err)
			table = nil
		}
	}

	records := make([]model.UsageRecord, 0, len(days))
	for _, d := range days {
		records = append(records, a.toRecord(d, table))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	a.logger.Info("ccusage fetched", "days", len(records))
	return records, nil
}

func (a *Adapter) toRecord(d dailyEntry, table *pricing.Table) model.UsageRecord {
	rec := model.UsageRecord{
		Date:                d.Date,
		InputTokens:         d.InputTokens,
		OutputTokens:        d.OutputTokens,
		CacheCreationTokens: d.CacheCreationTokens,
		CacheReadTokens:     d.CacheReadTokens,
		TotalTokens:         d.TotalTokens,
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.SumTokens()
	}

	modelSum := decimal.Zero
	for _, b := range d.ModelBreakdowns {
		cost := b.Cost
		if cost == 0 && (b.InputTokens > 0 || b.OutputTokens > 0) && table != nil {
			if price, ok := table.Lookup(b.ModelName); ok {
				cost = pricing.Cost(price, b.InputTokens, b.OutputTokens)
			} else {
				a.logger.Debug("no fallback price for model", "model", b.ModelName)
			}
		}
		modelSum = modelSum.Add(decimal.NewFromFloat(cost))
		rec.Models = append(rec.Models, model.ModelUsage{
			ModelName:           b.ModelName,
			CostUSD:             cost,
			InputTokens:         b.InputTokens,
			OutputTokens:        b.OutputTokens,
			CacheCreationTokens: b.CacheCreationTokens,
			CacheReadTokens:     b.CacheReadTokens,
		})
	}
	rec.Models = model.MergeModels(rec.Models)

	rec.CostUSD = d.TotalCost
	if rec.CostUSD <= 0 {
		rec.CostUSD = modelSum.InexactFloat64()
	}
	return rec
}

func notInstalled(err error) bool {
	var execErr *executor.Error
	if !errors.As(err, &execErr) {
		return false
	}
	switch execErr.Reason {
	case executor.ReasonNotFound:
		return true
	case executor.ReasonNonZeroExit:
		return execErr.ExitCode == 127 || strings.Contains(strings.ToLower(execErr.Stderr), "not found")
	}
	return false
}
