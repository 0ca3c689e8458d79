package ccusage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// ParseError reports output that ran successfully but does not match the
// expected report schema.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected ccusage output: %s: %v", e.Msg, e.Err)
	}
	return "unexpected ccusage output: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

type report struct {
	Daily *[]dailyEntry `json:"daily"`
}

type dailyEntry struct {
	Date                string           `json:"date"`
	InputTokens         int64            `json:"inputTokens"`
	OutputTokens        int64            `json:"outputTokens"`
	CacheCreationTokens int64            `json:"cacheCreationTokens"`
	CacheReadTokens     int64            `json:"cacheReadTokens"`
	TotalTokens         int64            `json:"totalTokens"`
	TotalCost           float64          `json:"totalCost"`
	ModelBreakdowns     []modelBreakdown `json:"modelBreakdowns"`
}

type modelBreakdown struct {
	ModelName           string  `json:"modelName"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	Cost                float64 `json:"cost"`
}

// parseReport decodes and checks the daily report.
func parseReport(data []byte) ([]dailyEntry, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, &ParseError{Msg: "output is not valid JSON"}
	}
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ParseError{Msg: "schema mismatch", Err: err}
	}
	if r.Daily == nil {
		return nil, &ParseError{Msg: `missing "daily" list`}
	}

	seen := make(map[string]bool, len(*r.Daily))
	for i, d := range *r.Daily {
		if _, err := time.Parse(model.DateLayout, d.Date); err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("daily[%d] has invalid date %q", i, d.Date)}
		}
		if seen[d.Date] {
			return nil, &ParseError{Msg: fmt.Sprintf("duplicate date %s", d.Date)}
		}
		seen[d.Date] = true
		if d.InputTokens < 0 || d.OutputTokens < 0 || d.CacheCreationTokens < 0 || d.CacheReadTokens < 0 || d.TotalCost < 0 {
			return nil, &ParseError{Msg: fmt.Sprintf("daily[%d] has negative values", i)}
		}
		for _, m := range d.ModelBreakdowns {
			if m.ModelName == "" {
				return nil, &ParseError{Msg: fmt.Sprintf("daily[%d] has a model breakdown without a name", i)}
			}
			if m.InputTokens < 0 || m.OutputTokens < 0 || m.Cost < 0 {
				return nil, &ParseError{Msg: fmt.Sprintf("daily[%d] model %s has negative values", i, m.ModelName)}
			}
		}
	}
	return *r.Daily, nil
}

// needsFallback reports whether any breakdown has tokens but no cost.
func needsFallback(days []dailyEntry) bool {
	for _, d := range days {
		for _, m := range d.ModelBreakdowns {
			if m.Cost == 0 && (m.InputTokens > 0 || m.OutputTokens > 0) {
				return true
			}
		}
	}
	return false
}
