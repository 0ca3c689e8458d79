package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// DefaultCatalogURL is the public models.dev catalog.
const DefaultCatalogURL = "https://models.dev/api.json"

const maxCatalogBytes = 32 << 20

// Source produces a pricing table.
type Source interface {
	Fetch(ctx context.Context) (*Table, error)
}

// CatalogSource fetches prices from a models.dev style catalog: an object of
// providers, each with a "models" object whose entries carry
// "cost": {"input": ..., "output": ...} in USD per million tokens.
type CatalogSource struct {
	url    string
	client *http.Client
}

// NewCatalogSource creates a catalog source. An empty url uses DefaultCatalogURL.
func NewCatalogSource(url string, timeout time.Duration) *CatalogSource {
	if url == "" {
		url = DefaultCatalogURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CatalogSource{url: url, client: &http.Client{Timeout: timeout}}
}

type catalogProvider struct {
	Models map[string]struct {
		Cost *struct {
			Input  float64 `json:"input"`
			Output float64 `json:"output"`
		} `json:"cost"`
	} `json:"models"`
}

// Fetch downloads and parses the catalog. Models are indexed under both
// "model" and "provider/model"; for a bare model id listed by several
// providers, the alphabetically first provider wins.
func (s *CatalogSource) Fetch(ctx context.Context) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create pricing request: %w", err)
	}
	req.Header.Set("User-Agent", "TokenMeter/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pricing catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pricing catalog returned status %d", resp.StatusCode)
	}

	var catalog map[string]catalogProvider
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBytes)).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode pricing catalog: %w", err)
	}

	providerIDs := make([]string, 0, len(catalog))
	for id := range catalog {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	prices := make(map[string]ModelPrice)
	for _, providerID := range providerIDs {
		for modelID, m := range catalog[providerID].Models {
			if m.Cost == nil || (m.Cost.Input <= 0 && m.Cost.Output <= 0) {
				continue
			}
			p := ModelPrice{InputPerMillion: m.Cost.Input, OutputPerMillion: m.Cost.Output}
			prices[providerID+"/"+modelID] = p
			if _, taken := prices[modelID]; !taken {
				prices[modelID] = p
			}
		}
	}
	return NewTable(prices), nil
}
