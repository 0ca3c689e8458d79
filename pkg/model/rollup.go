package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// UsageLevel classifies spend against a budget.
type UsageLevel string

const (
	LevelLow      UsageLevel = "low"
	LevelMedium   UsageLevel = "medium"
	LevelHigh     UsageLevel = "high"
	LevelCritical UsageLevel = "critical"
)

// Rank orders levels from low (0) to critical (3).
func (l UsageLevel) Rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// LevelFor returns the usage level of cost against budget.
// A non-positive budget is always LevelLow.
func LevelFor(cost, budget float64) UsageLevel {
	if budget <= 0 {
		return LevelLow
	}
	pct := cost / budget * 100
	switch {
	case pct >= 90:
		return LevelCritical
	case pct >= 75:
		return LevelHigh
	case pct >= 50:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Rollup sums records into a single record labelled with date. Per-model
// breakdowns are merged by model name and sorted by cost, highest first.
func Rollup(date string, records []UsageRecord) UsageRecord {
	out := UsageRecord{Date: date}
	cost := decimal.Zero
	var models []ModelUsage
	for _, r := range records {
		cost = cost.Add(decimal.NewFromFloat(r.CostUSD))
		out.InputTokens += r.InputTokens
		out.OutputTokens += r.OutputTokens
		out.CacheCreationTokens += r.CacheCreationTokens
		out.CacheReadTokens += r.CacheReadTokens
		out.TotalTokens += r.TotalTokens
		models = append(models, r.Models...)
	}
	out.CostUSD = cost.InexactFloat64()
	out.Models = MergeModels(models)
	return out
}

// MergeModels merges breakdowns sharing a model name.
func MergeModels(models []ModelUsage) []ModelUsage {
	if len(models) == 0 {
		return nil
	}
	idx := make(map[string]int, len(models))
	costs := make([]decimal.Decimal, 0, len(models))
	var out []ModelUsage
	for _, m := range models {
		i, ok := idx[m.ModelName]
		if !ok {
			idx[m.ModelName] = len(out)
			out = append(out, ModelUsage{ModelName: m.ModelName})
			costs = append(costs, decimal.Zero)
			i = len(out) - 1
		}
		costs[i] = costs[i].Add(decimal.NewFromFloat(m.CostUSD))
		out[i].InputTokens += m.InputTokens
		out[i].OutputTokens += m.OutputTokens
		out[i].CacheCreationTokens += m.CacheCreationTokens
		out[i].CacheReadTokens += m.CacheReadTokens
	}
	for i := range out {
		out[i].CostUSD = costs[i].InexactFloat64()
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CostUSD != out[b].CostUSD {
			return out[a].CostUSD > out[b].CostUSD
		}
		return out[a].ModelName < out[b].ModelName
	})
	return out
}

// InRange returns the records whose date lies in [from, to], inclusive.
// Empty bounds are open.
func InRange(records []UsageRecord, from, to string) []UsageRecord {
	var out []UsageRecord
	for _, r := range records {
		if from != "" && r.Date < from {
			continue
		}
		if to != "" && r.Date > to {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RollupRange aggregates the records in [from, to].
func RollupRange(records []UsageRecord, from, to string) UsageRecord {
	label := from
	if from != to {
		label = from + ".." + to
	}
	return Rollup(label, InRange(records, from, to))
}

// Today aggregates the records dated on now's local calendar day.
func Today(records []UsageRecord, now time.Time) UsageRecord {
	day := now.Format(DateLayout)
	return Rollup(day, InRange(records, day, day))
}

// ThisMonth aggregates the records in now's calendar month.
func ThisMonth(records []UsageRecord, now time.Time) UsageRecord {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	last := first.AddDate(0, 1, -1)
	return Rollup(first.Format("2006-01"), InRange(records, first.Format(DateLayout), last.Format(DateLayout)))
}

// MergeByDate merges fresh records into history; a fresh record replaces the
// historical one with the same date. The result is sorted by date.
func MergeByDate(history, fresh []UsageRecord) []UsageRecord {
	byDate := make(map[string]UsageRecord, len(history)+len(fresh))
	for _, r := range history {
		byDate[r.Date] = r
	}
	for _, r := range fresh {
		byDate[r.Date] = r
	}
	out := make([]UsageRecord, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Daily rolls records from any number of sources up into one record per
// date, sorted by date.
func Daily(records []UsageRecord) []UsageRecord {
	byDate := make(map[string][]UsageRecord)
	for _, r := range records {
		byDate[r.Date] = append(byDate[r.Date], r)
	}
	out := make([]UsageRecord, 0, len(byDate))
	for date, group := range byDate {
		out = append(out, Rollup(date, group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
