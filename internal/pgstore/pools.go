package pgstore

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

type OpenFunc func(ctx context.Context, t Target, password string) (DB, error)

// Pools memoizes one pool per Target for the life of the process.
type Pools struct {
	logger *slog.Logger
	open   OpenFunc

	mu    sync.RWMutex
	pools map[Target]DB
	group singleflight.Group
}

// NewPools returns an empty cache; open defaults to Open.
func NewPools(logger *slog.Logger, open OpenFunc) *Pools {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if open == nil {
		open = Open
	}
	return &Pools{logger: logger, open: open, pools: make(map[Target]DB)}
}

func (p *Pools) lookup(t Target) (DB, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.pools[t]
	return db, ok
}

// Get returns the pool for t, opening it on first use. Concurrent first
// callers for the same target share one open.
func (p *Pools) Get(ctx context.Context, t Target, password string) (DB, error) {
	if db, ok := p.lookup(t); ok {
		return db, nil
	}

	v, err, shared := p.group.Do(t.String(), func() (any, error) {
		if db, ok := p.lookup(t); ok {
			return db, nil
		}
		p.logger.Debug("opening connection pool", "target", t.String())
		db, err := p.open(ctx, t, password)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.pools[t] = db
		p.mu.Unlock()
		observability.IncPoolConstruction()
		return db, nil
	})
	if err != nil {
		if !providererr.HasKind(err) {
			err = providererr.Wrap(providererr.ErrConnection, "open pool "+t.String(), err)
		}
		return nil, err
	}
	if shared {
		p.logger.Debug("joined in-flight pool open", "target", t.String())
	}
	return v.(DB), nil
}

// Len reports how many pools are cached.
func (p *Pools) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pools)
}

// Close closes every cached pool that supports it.
func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t, db := range p.pools {
		if c, ok := db.(interface{ Close() }); ok {
			c.Close()
		}
		delete(p.pools, t)
	}
}
