// Package pricing resolves per-model token prices used to estimate cost when
// a source reports tokens without a cost.
package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPrice is a per-million-token price pair in USD.
type ModelPrice struct {
	InputPerMillion  float64 `json:"input" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output" yaml:"output_per_million"`
}

// Table is an immutable snapshot of model prices.
type Table struct {
	prices map[string]ModelPrice
	// keys sorted; fuzzy lookup takes the first match in this order.
	keys []string
}

// NewTable builds a table. Entries without a positive price are dropped.
func NewTable(prices map[string]ModelPrice) *Table {
	t := &Table{prices: make(map[string]ModelPrice, len(prices))}
	for k, p := range prices {
		k = strings.TrimSpace(k)
		if k == "" || (p.InputPerMillion <= 0 && p.OutputPerMillion <= 0) {
			continue
		}
		t.prices[k] = p
		t.keys = append(t.keys, k)
	}
	sort.Strings(t.keys)
	return t
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prices)
}

// Lookup finds the price for model: an exact key first, then a
// case-insensitive exact key, then the first key that contains model or is
// contained in it, case-insensitively, in sorted key order. Matches are not
// ranked.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	if t.Len() == 0 {
		return ModelPrice{}, false
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelPrice{}, false
	}
	if p, ok := t.prices[model]; ok {
		return p, true
	}

	lower := strings.ToLower(model)
	for _, k := range t.keys {
		if strings.ToLower(k) == lower {
			return t.prices[k], true
		}
	}
	for _, k := range t.keys {
		lk := strings.ToLower(k)
		if strings.Contains(lk, lower) || strings.Contains(lower, lk) {
			return t.prices[k], true
		}
	}
	return ModelPrice{}, false
}

// With returns a new table holding t's entries overlaid by overrides.
func (t *Table) With(overrides *Table) *Table {
	merged := make(map[string]ModelPrice, t.Len()+overrides.Len())
	if t != nil {
		for k, p := range t.prices {
			merged[k] = p
		}
	}
	if overrides != nil {
		for k, p := range overrides.prices {
			merged[k] = p
		}
	}
	return NewTable(merged)
}

var million = decimal.NewFromInt(1_000_000)

// Cost returns (input*inputPrice + output*outputPrice) / 1e6.
func Cost(p ModelPrice, inputTokens, outputTokens int64) float64 {
	in := decimal.NewFromInt(inputTokens).Mul(decimal.NewFromFloat(p.InputPerMillion))
	out := decimal.NewFromInt(outputTokens).Mul(decimal.NewFromFloat(p.OutputPerMillion))
	return in.Add(out).Div(million).InexactFloat64()
}
