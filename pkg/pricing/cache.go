package pricing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache holds the process-wide pricing table. The first caller triggers the
// fetch and concurrent callers wait for that same fetch. A successful table
// is kept until Invalidate; failures are not cached.
type Cache struct {
	primary   Source
	overrides []Source
	logger    *slog.Logger

	mu    sync.RWMutex
	table *Table
	group singleflight.Group
}

// NewCache creates a cache over primary. Override sources are layered on top
// of the primary table, later sources winning. primary may be nil.
func NewCache(primary Source, logger *slog.Logger, overrides ...Source) *Cache {
	return &Cache{primary: primary, overrides: overrides, logger: logger}
}

// Table returns the cached table, fetching it on first use.
func (c *Cache) Table(ctx context.Context) (*Table, error) {
	if t := c.cached(); t != nil {
		return t, nil
	}

	ch := c.group.DoChan("pricing", func() (any, error) {
		if t := c.cached(); t != nil {
			return t, nil
		}
		// Detached so one caller giving up does not fail the others.
		t, complete, err := c.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if complete {
			c.mu.Lock()
			c.table = t
			c.mu.Unlock()
		}
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Table), nil
	}
}

// Invalidate drops the cached table so the next Table call refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.table = nil
	c.mu.Unlock()
}

func (c *Cache) cached() *Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// load fetches every source. complete is false when a source failed but
// others produced prices; such a table is served but not cached.
func (c *Cache) load(ctx context.Context) (t *Table, complete bool, err error) {
	complete = true
	var errs []error

	if c.primary != nil {
		t, err = c.primary.Fetch(ctx)
		if err != nil {
			c.logger.Warn("pricing fetch failed", "error", err)
			errs = append(errs, err)
			complete = false
		} else {
			c.logger.Info("pricing loaded", "models", t.Len())
		}
	}
	for _, src := range c.overrides {
		o, err := src.Fetch(ctx)
		if err != nil {
			c.logger.Warn("pricing override failed", "error", err)
			errs = append(errs, err)
			complete = false
			continue
		}
		t = t.With(o)
	}

	if t.Len() == 0 && len(errs) > 0 {
		return nil, false, errors.Join(errs...)
	}
	if t == nil {
		t = NewTable(nil)
	}
	return t, complete, nil
}
