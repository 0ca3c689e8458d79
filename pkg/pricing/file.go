package pricing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing is one model entry of a pricing file.
type ModelPricing struct {
	Model                 string  `yaml:"model"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million,omitempty"`
}

// ProviderPricing groups the models of one vendor in a pricing file.
type ProviderPricing struct {
	Provider string         `yaml:"provider"`
	Updated  string         `yaml:"updated"`
	Models   []ModelPricing `yaml:"models"`
}

// PricingFile is the on-disk override format.
type PricingFile struct {
	Providers []ProviderPricing `yaml:"providers"`
}

// LoadPricingFile reads and validates a YAML pricing file.
func LoadPricingFile(path string) (*PricingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	pf, err := ParsePricing(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return pf, nil
}

// ParsePricing parses YAML pricing data.
func ParsePricing(data []byte) (*PricingFile, error) {
	var pf PricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	for i, p := range pf.Providers {
		if p.Provider == "" {
			return nil, fmt.Errorf("provider %d: missing provider name", i)
		}
		for _, m := range p.Models {
			if m.Model == "" {
				return nil, fmt.Errorf("provider %s: model entry without a name", p.Provider)
			}
			if m.InputPerMillion < 0 || m.OutputPerMillion < 0 {
				return nil, fmt.Errorf("provider %s: model %s has a negative price", p.Provider, m.Model)
			}
		}
	}
	return &pf, nil
}

// Table converts the file into a pricing table, indexing each model under
// both "model" and "provider/model".
func (pf *PricingFile) Table() *Table {
	prices := make(map[string]ModelPrice)
	for _, p := range pf.Providers {
		for _, m := range p.Models {
			price := ModelPrice{InputPerMillion: m.InputPerMillion, OutputPerMillion: m.OutputPerMillion}
			prices[m.Model] = price
			prices[p.Provider+"/"+m.Model] = price
		}
	}
	return NewTable(prices)
}

// FileSource serves prices from a local YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch reads the file on every call.
func (s *FileSource) Fetch(_ context.Context) (*Table, error) {
	pf, err := LoadPricingFile(s.path)
	if err != nil {
		return nil, err
	}
	return pf.Table(), nil
}
