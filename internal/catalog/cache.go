// Package catalog keeps a fresh, prepared snapshot of the active catalog
// and feeds it from spreadsheet imports.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/resilience"
	"boq-matcher/internal/store"
)

// ErrEmptyCatalog is a validation error: there is nothing to match against.
var ErrEmptyCatalog = service.ErrEmptyCatalog

const DefaultTTL = 5 * time.Minute

// Source reads the active catalog.
type Source interface {
	ActiveCatalog(ctx context.Context) ([]model.CatalogItem, error)
}

type Options struct {
	TTL   time.Duration
	Retry resilience.RetryConfig
}

// Cache holds the most recent snapshot for TTL. A read past the window
// reloads synchronously; concurrent readers wait for the same reload.
type Cache struct {
	src  Source
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	snapshot *service.Catalog
	loadedAt time.Time
}

func NewCache(src Source, opts Options, log zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 3
		opts.Retry.Delay = 500 * time.Millisecond
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = func(err error) bool { return !errors.Is(err, store.ErrNotFound) }
	}
	log = log.With().Str("component", "catalog").Logger()
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(log, "catalog", "load")
	}
	return &Cache{src: src, opts: opts, log: log, now: time.Now}
}

// Get returns the current snapshot, reloading it when stale. An empty
// catalog is reported as ErrEmptyCatalog.
func (c *Cache) Get(ctx context.Context) (*service.Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && c.now().Sub(c.loadedAt) < c.opts.TTL {
		return c.snapshot, nil
	}

	start := c.now()
	items, err := resilience.DoVal(ctx, c.opts.Retry, c.src.ActiveCatalog)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(ErrEmptyCatalog, "catalog: no active items")
		}
		return nil, eris.Wrap(err, "catalog: load")
	}
	if len(items) == 0 {
		return nil, eris.Wrap(ErrEmptyCatalog, "catalog: no active items")
	}

	c.snapshot = service.NewCatalog(items)
	c.loadedAt = c.now()
	c.log.Info().
		Int("items", len(items)).
		Uint64("version", c.snapshot.Version()).
		Dur("took", c.now().Sub(start)).
		Msg("catalog loaded")
	return c.snapshot, nil
}

// Invalidate forces the next Get to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}
