package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence layer for providers, their last good
// results, usage history and the app configuration.
type Storage interface {
	// ListProviders returns every provider ordered by name.
	ListProviders(ctx context.Context) ([]model.Provider, error)

	// GetProvider retrieves a provider by id.
	GetProvider(ctx context.Context, id string) (*model.Provider, error)

	// SaveProvider upserts a provider definition. Status fields already
	// stored for the provider are kept.
	SaveProvider(ctx context.Context, p *model.Provider) error

	// UpdateProviderStatus records the outcome of a run. A nil fetchedAt
	// leaves the stored value unchanged.
	UpdateProviderStatus(ctx context.Context, id string, fetchedAt *time.Time, lastError string) error

	// DeleteProvider removes a provider and its snapshot.
	DeleteProvider(ctx context.Context, id string) error

	// SaveSnapshot replaces the last successful result of a provider.
	SaveSnapshot(ctx context.Context, snap *model.ProviderSnapshot) error

	// GetSnapshot returns the last successful result, or ErrNotFound.
	GetSnapshot(ctx context.Context, providerID string) (*model.ProviderSnapshot, error)

	// LoadHistory returns the stored daily records of a source ordered by date.
	LoadHistory(ctx context.Context, source string) ([]model.UsageRecord, error)

	// MergeHistory upserts records by date; existing days not in records are kept.
	MergeHistory(ctx context.Context, source string, records []model.UsageRecord) error

	// DeleteHistory removes all stored records of a source.
	DeleteHistory(ctx context.Context, source string) error

	// GetAppConfig returns the stored app configuration or the defaults.
	GetAppConfig(ctx context.Context) (model.AppConfig, error)

	// SaveAppConfig replaces the app configuration.
	SaveAppConfig(ctx context.Context, cfg model.AppConfig) error

	// Close releases resources.
	Close() error
}
