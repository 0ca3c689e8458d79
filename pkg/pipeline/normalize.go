package pipeline

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/sandbox"
)

const (
	ReasonNegativeValue = "negativeValue"
	ReasonInvalidDate   = "invalidDate"
	ReasonMissingModel  = "missingModelName"
)

// normalize converts a transform result into a usage record. Absent fields
// are zero; the date defaults to the local calendar date of now.
func normalize(res *sandbox.Result, now time.Time) (model.UsageRecord, *model.Quota, error) {
	rec := model.UsageRecord{
		Date:                now.Format(model.DateLayout),
		CostUSD:             floatOr(res.Cost),
		InputTokens:         intOr(res.InputTokens),
		OutputTokens:        intOr(res.OutputTokens),
		CacheCreationTokens: intOr(res.CacheCreationTokens),
		CacheReadTokens:     intOr(res.CacheReadTokens),
	}
	if res.Date != nil {
		if _, err := time.Parse(model.DateLayout, *res.Date); err != nil {
			return model.UsageRecord{}, nil, &stageError{reason: ReasonInvalidDate, msg: fmt.Sprintf("date %q is not YYYY-MM-DD", *res.Date)}
		}
		rec.Date = *res.Date
	}

	modelSum := decimal.Zero
	for i, m := range res.Models {
		if m.ModelName == "" {
			return model.UsageRecord{}, nil, &stageError{reason: ReasonMissingModel, msg: fmt.Sprintf("models[%d] has no modelName", i)}
		}
		mu := model.ModelUsage{
			ModelName:    m.ModelName,
			CostUSD:      floatOr(m.Cost),
			InputTokens:  intOr(m.InputTokens),
			OutputTokens: intOr(m.OutputTokens),
		}
		if mu.CostUSD < 0 || mu.InputTokens < 0 || mu.OutputTokens < 0 {
			return model.UsageRecord{}, nil, negative(fmt.Sprintf("models[%d]", i))
		}
		modelSum = modelSum.Add(decimal.NewFromFloat(mu.CostUSD))
		rec.Models = append(rec.Models, mu)
	}
	rec.Models = model.MergeModels(rec.Models)
	if res.Cost == nil && len(rec.Models) > 0 {
		rec.CostUSD = modelSum.InexactFloat64()
	}

	if res.Tokens != nil {
		rec.TotalTokens = *res.Tokens
	} else {
		rec.TotalTokens = rec.SumTokens()
	}

	switch {
	case rec.CostUSD < 0:
		return model.UsageRecord{}, nil, negative("cost")
	case rec.TotalTokens < 0, rec.InputTokens < 0, rec.OutputTokens < 0,
		rec.CacheCreationTokens < 0, rec.CacheReadTokens < 0:
		return model.UsageRecord{}, nil, negative("token count")
	}

	var quota *model.Quota
	if res.Used != nil || res.Total != nil {
		quota = &model.Quota{Used: floatOr(res.Used), Total: floatOr(res.Total)}
		if quota.Used < 0 || quota.Total < 0 {
			return model.UsageRecord{}, nil, negative("quota")
		}
	}
	return rec, quota, nil
}

func negative(field string) error {
	return &stageError{reason: ReasonNegativeValue, msg: field + " must not be negative"}
}

func floatOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func intOr(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
