// Package cache defines the key/value store the result cache runs on.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Store.Get for absent keys.
var ErrMiss = errors.New("cache: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// GetInt reads a counter; absent keys read as zero.
	GetInt(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
}
