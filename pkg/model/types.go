package model

import "time"

// DateLayout is the calendar-date format used for UsageRecord.Date.
const DateLayout = "2006-01-02"

// Provider is a user-defined external usage source.
type Provider struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	FetchCommand    string            `json:"fetchCommand"`
	TransformScript string            `json:"transformScript"`
	Env             map[string]string `json:"env,omitempty"`

	// Status fields, written only by the orchestrator after a run.
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// UsageRecord is one calendar day's aggregate usage for a source.
type UsageRecord struct {
	Date                string       `json:"date"`
	CostUSD             float64      `json:"costUsd"`
	InputTokens         int64        `json:"inputTokens"`
	OutputTokens        int64        `json:"outputTokens"`
	CacheCreationTokens int64        `json:"cacheCreationTokens"`
	CacheReadTokens     int64        `json:"cacheReadTokens"`
	TotalTokens         int64        `json:"totalTokens"`
	Models              []ModelUsage `json:"models,omitempty"`
}

// SumTokens returns the sum of all per-kind token counters.
func (r UsageRecord) SumTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
}

// ModelUsage is a per-model breakdown inside a UsageRecord.
type ModelUsage struct {
	ModelName           string  `json:"modelName"`
	CostUSD             float64 `json:"cost"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64   `json:"cacheReadTokens,omitempty"`
}

// Quota is the used/total pair reported by quota-style providers.
type Quota struct {
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// ProviderSnapshot is the last successful result of a provider run.
type ProviderSnapshot struct {
	ProviderID string        `json:"providerId"`
	Records    []UsageRecord `json:"records"`
	Quota      *Quota        `json:"quota,omitempty"`
	FetchedAt  time.Time     `json:"fetchedAt"`
}

// SourceStatus describes the outcome of the latest fixed-source fetch.
type SourceStatus struct {
	FetchedAt    *time.Time `json:"fetchedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	NotInstalled bool       `json:"notInstalled,omitempty"`
}

// ProviderStatus pairs a provider's status fields with its last-known-good data.
type ProviderStatus struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Enabled       bool              `json:"enabled"`
	LastFetchedAt *time.Time        `json:"lastFetchedAt,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	Stale         bool              `json:"stale"`
	Snapshot      *ProviderSnapshot `json:"snapshot,omitempty"`
}

// UsageSummary is the aggregated view returned to callers of the command surface.
type UsageSummary struct {
	Today          UsageRecord      `json:"today"`
	ThisMonth      UsageRecord      `json:"thisMonth"`
	Daily          []UsageRecord    `json:"daily"`
	ModelBreakdown []ModelUsage     `json:"modelBreakdown"`
	FixedSource    SourceStatus     `json:"fixedSource"`
	Providers      []ProviderStatus `json:"providers"`
	Level          UsageLevel       `json:"level"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
