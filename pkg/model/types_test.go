package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenmeter/tokenmeter/pkg/model"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		cost   float64
		budget float64
		want   model.UsageLevel
	}{
		{4.9, 10, model.LevelLow},
		{5.0, 10, model.LevelMedium},
		{7.5, 10, model.LevelHigh},
		{9.0, 10, model.LevelCritical},
		{25, 10, model.LevelCritical},
		{100, 0, model.LevelLow},
		{100, -1, model.LevelLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.LevelFor(tt.cost, tt.budget), "cost=%v budget=%v", tt.cost, tt.budget)
	}
}

func TestUsageLevel_Rank(t *testing.T) {
	assert.Less(t, model.LevelLow.Rank(), model.LevelMedium.Rank())
	assert.Less(t, model.LevelMedium.Rank(), model.LevelHigh.Rank())
	assert.Less(t, model.LevelHigh.Rank(), model.LevelCritical.Rank())
}

func TestRollup_MergesModelsByName(t *testing.T) {
	records := []model.UsageRecord{
		{
			Date: "2026-10-01", CostUSD: 0.1, InputTokens: 100, OutputTokens: 10, TotalTokens: 110,
			Models: []model.ModelUsage{
				{ModelName: "opus", CostUSD: 0.07, InputTokens: 60, OutputTokens: 5},
				{ModelName: "haiku", CostUSD: 0.03, InputTokens: 40, OutputTokens: 5},
			},
		},
		{
			Date: "2026-10-02", CostUSD: 0.2, InputTokens: 200, OutputTokens: 20, TotalTokens: 220,
			Models: []model.ModelUsage{
				{ModelName: "opus", CostUSD: 0.2, InputTokens: 200, OutputTokens: 20},
			},
		},
	}

	got := model.Rollup("2026-10", records)
	assert.Equal(t, "2026-10", got.Date)
	assert.Equal(t, 0.3, got.CostUSD)
	assert.Equal(t, int64(300), got.InputTokens)
	assert.Equal(t, int64(330), got.TotalTokens)
	require.Len(t, got.Models, 2)
	assert.Equal(t, "opus", got.Models[0].ModelName)
	assert.Equal(t, 0.27, got.Models[0].CostUSD)
	assert.Equal(t, int64(260), got.Models[0].InputTokens)
	assert.Equal(t, "haiku", got.Models[1].ModelName)
}

func TestRollup_ModelCostsWithinDayCost(t *testing.T) {
	records := []model.UsageRecord{
		{Date: "2026-10-01", CostUSD: 1.0, Models: []model.ModelUsage{{ModelName: "a", CostUSD: 0.3}, {ModelName: "b", CostUSD: 0.7}}},
		{Date: "2026-10-02", CostUSD: 2.5, Models: []model.ModelUsage{{ModelName: "a", CostUSD: 2.5}}},
	}
	got := model.Rollup("all", records)

	var sum float64
	for _, m := range got.Models {
		sum += m.CostUSD
	}
	assert.LessOrEqual(t, sum, got.CostUSD+1e-9)
}

func TestRollup_Empty(t *testing.T) {
	got := model.Rollup("2026-10-14", nil)
	assert.Equal(t, "2026-10-14", got.Date)
	assert.Zero(t, got.CostUSD)
	assert.Nil(t, got.Models)
}

func TestTodayAndThisMonth(t *testing.T) {
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.Local)
	records := []model.UsageRecord{
		{Date: "2026-09-30", CostUSD: 5},
		{Date: "2026-10-01", CostUSD: 1},
		{Date: "2026-10-14", CostUSD: 2},
		{Date: "2026-10-31", CostUSD: 3},
		{Date: "2026-11-01", CostUSD: 7},
	}

	today := model.Today(records, now)
	assert.Equal(t, "2026-10-14", today.Date)
	assert.Equal(t, 2.0, today.CostUSD)

	month := model.ThisMonth(records, now)
	assert.Equal(t, "2026-10", month.Date)
	assert.Equal(t, 6.0, month.CostUSD)
}

func TestRollupRange(t *testing.T) {
	records := []model.UsageRecord{
		{Date: "2026-10-01", CostUSD: 1},
		{Date: "2026-10-02", CostUSD: 2},
		{Date: "2026-10-03", CostUSD: 4},
	}
	got := model.RollupRange(records, "2026-10-02", "2026-10-03")
	assert.Equal(t, "2026-10-02..2026-10-03", got.Date)
	assert.Equal(t, 6.0, got.CostUSD)

	assert.Len(t, model.InRange(records, "", ""), 3)
}

func TestMergeByDate_FreshWins(t *testing.T) {
	history := []model.UsageRecord{
		{Date: "2026-08-01", CostUSD: 1},
		{Date: "2026-10-01", CostUSD: 1},
	}
	fresh := []model.UsageRecord{
		{Date: "2026-10-02", CostUSD: 3},
		{Date: "2026-10-01", CostUSD: 2},
	}

	got := model.MergeByDate(history, fresh)
	require.Len(t, got, 3)
	assert.Equal(t, "2026-08-01", got[0].Date)
	assert.Equal(t, "2026-10-01", got[1].Date)
	assert.Equal(t, 2.0, got[1].CostUSD)
	assert.Equal(t, "2026-10-02", got[2].Date)
}

func TestFailed_OutcomeFromStage(t *testing.T) {
	assert.Equal(t, model.OutcomeValidationRejected, model.Failed("p", model.StageValidating, "shellMetacharacter", "").Outcome)
	assert.Equal(t, model.OutcomeFetchFailed, model.Failed("p", model.StageFetching, "timeout", "").Outcome)
	assert.Equal(t, model.OutcomeTransformFailed, model.Failed("p", model.StageTransforming, "resourceLimitExceeded", "").Outcome)
	assert.Equal(t, model.OutcomeTransformFailed, model.Failed("p", model.StageNormalizing, "negativeValue", "").Outcome)

	res := model.Failed("p", model.StageFetching, "timeout", "")
	assert.True(t, res.Failure())
	assert.Equal(t, "timeout", res.Message)
	assert.Equal(t, "fetching: timeout", res.Summary())

	assert.False(t, model.Skipped("p").Failure())
	assert.True(t, model.Success("p", nil, nil).OK())
}

func TestAppConfig_Validate(t *testing.T) {
	cfg := model.DefaultAppConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15.0, cfg.MenuBar.FixedBudget)
	assert.Equal(t, "${cost} ${tokens}", cfg.MenuBar.Format)

	cfg.RefreshInterval = 59
	assert.ErrorIs(t, cfg.Validate(), model.ErrInvalidAppConfig)
	cfg.RefreshInterval = 3601
	assert.Error(t, cfg.Validate())
	cfg.RefreshInterval = 3600
	assert.NoError(t, cfg.Validate())
}

func TestAppConfig_RefreshEvery(t *testing.T) {
	assert.Equal(t, 60*time.Second, model.AppConfig{RefreshInterval: 5}.RefreshEvery())
	assert.Equal(t, time.Hour, model.AppConfig{RefreshInterval: 99999}.RefreshEvery())
	assert.Equal(t, 15*time.Minute, model.DefaultAppConfig().RefreshEvery())
}

func TestDaily_CombinesSources(t *testing.T) {
	records := []model.UsageRecord{
		{Date: "2026-10-14", CostUSD: 1, TotalTokens: 10, Models: []model.ModelUsage{{ModelName: "opus", CostUSD: 1}}},
		{Date: "2026-10-13", CostUSD: 2},
		{Date: "2026-10-14", CostUSD: 0.5, TotalTokens: 5, Models: []model.ModelUsage{{ModelName: "opus", CostUSD: 0.5}}},
	}
	daily := model.Daily(records)
	require.Len(t, daily, 2)
	assert.Equal(t, "2026-10-13", daily[0].Date)
	assert.Equal(t, 1.5, daily[1].CostUSD)
	assert.Equal(t, int64(15), daily[1].TotalTokens)
	require.Len(t, daily[1].Models, 1)
	assert.Equal(t, 1.5, daily[1].Models[0].CostUSD)

	assert.Empty(t, model.Daily(nil))
}
