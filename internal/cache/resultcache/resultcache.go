// Package resultcache caches query envelopes per collection. Entries are
// keyed by a per-collection generation counter; Invalidate bumps the
// counter so older entries become unreachable and age out by TTL.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/pgfeatures/internal/cache"
	"github.com/mohammed-shakir/pgfeatures/internal/cache/hotness"
	"github.com/mohammed-shakir/pgfeatures/internal/cache/keys"
	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
)

const (
	DefaultTTL       = 60 * time.Second
	DefaultOpTimeout = 50 * time.Millisecond
)

type Options struct {
	TTL       time.Duration
	OpTimeout time.Duration
	Logger    *slog.Logger
	// Hot, when set, gates admission: a miss is only stored once its
	// query has scored HotThreshold.
	Hot          *hotness.Tracker
	HotThreshold float64
}

type Cache struct {
	store     cache.Store
	ttl       time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
	hot       *hotness.Tracker
	threshold float64
}

// entry carries the canonical request next to the envelope so a hash
// collision reads as a miss.
type entry struct {
	Query    string               `json:"q"`
	Envelope model.ResultEnvelope `json:"env"`
}

func New(store cache.Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		store:     store,
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger,
		hot:       opts.Hot,
		threshold: opts.HotThreshold,
	}
}

func (c *Cache) generation(ctx context.Context, collection string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.store.GetInt(ctx, keys.GenerationKey(collection))
}

// Lookup returns the cached envelope, or a func storing a fresh one under
// the generation seen here. Both are nil when the store is unavailable or
// the query is not hot enough to admit.
func (c *Cache) Lookup(ctx context.Context, collection string, req model.QueryRequest) (*model.ResultEnvelope, func(context.Context, *model.ResultEnvelope)) {
	gen, err := c.generation(ctx, collection)
	if err != nil {
		c.logger.WarnContext(ctx, "result cache generation read failed",
			"collection", collection, "error", err)
		return nil, nil
	}
	canonical := keys.Canonical(req)
	key := keys.QueryKeyCanonical(collection, gen, canonical)

	var fill func(context.Context, *model.ResultEnvelope)
	if c.admit(collection, canonical) {
		fill = func(ctx context.Context, env *model.ResultEnvelope) {
			if env == nil {
				return
			}
			c.put(ctx, collection, key, canonical, env)
		}
	}

	getCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	b, err := c.store.Get(getCtx, key)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return nil, fill
	case err != nil:
		c.logger.WarnContext(ctx, "result cache read failed",
			"collection", collection, "error", err)
		return nil, fill
	}

	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		c.logger.WarnContext(ctx, "result cache entry undecodable",
			"collection", collection, "key", key, "error", err)
		return nil, fill
	}
	if e.Query != canonical {
		c.logger.DebugContext(ctx, "result cache key collision",
			"collection", collection, "key", key)
		return nil, fill
	}
	return &e.Envelope, nil
}

func (c *Cache) admit(collection, canonical string) bool {
	if c.hot == nil {
		return true
	}
	return c.hot.Admit(collection+"|"+canonical, c.threshold)
}

func (c *Cache) put(ctx context.Context, collection, key, canonical string, env *model.ResultEnvelope) {
	b, err := json.Marshal(entry{Query: canonical, Envelope: *env})
	if err != nil {
		c.logger.WarnContext(ctx, "result cache encode failed",
			"collection", collection, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "result cache write failed",
			"collection", collection, "error", err)
	}
}

// Invalidate makes every cached page of collection unreachable.
func (c *Cache) Invalidate(ctx context.Context, collection string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	gen, err := c.store.Incr(ctx, keys.GenerationKey(collection))
	if err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "result cache invalidated",
		"collection", collection, "generation", gen)
	return nil
}
