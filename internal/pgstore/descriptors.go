package pgstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
)

type DescriptorKey struct {
	Target    Target
	Schema    string
	Table     string
	IDField   string
	GeomField string
}

// String renders each part quoted so names holding dots or slashes cannot
// collide in the single-flight group.
func (k DescriptorKey) String() string {
	return fmt.Sprintf("%q/%q.%q[id=%q,geom=%q]", k.Target.String(), k.Schema, k.Table, k.IDField, k.GeomField)
}

type ReflectFunc func(ctx context.Context, logger *slog.Logger, q Querier, schema, table, idField, geomField string) (*Descriptor, error)

// Descriptors memoizes reflected tables. Failed reflections are not cached.
type Descriptors struct {
	logger  *slog.Logger
	reflect ReflectFunc

	mu    sync.RWMutex
	descs map[DescriptorKey]*Descriptor
	group singleflight.Group
}

// NewDescriptors returns an empty cache; reflect defaults to Reflect.
func NewDescriptors(logger *slog.Logger, reflect ReflectFunc) *Descriptors {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if reflect == nil {
		reflect = Reflect
	}
	return &Descriptors{logger: logger, reflect: reflect, descs: make(map[DescriptorKey]*Descriptor)}
}

func (d *Descriptors) lookup(k DescriptorKey) (*Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	desc, ok := d.descs[k]
	return desc, ok
}

func (d *Descriptors) Get(ctx context.Context, q Querier, k DescriptorKey) (*Descriptor, error) {
	if desc, ok := d.lookup(k); ok {
		return desc, nil
	}

	v, err, _ := d.group.Do(k.String(), func() (any, error) {
		if desc, ok := d.lookup(k); ok {
			return desc, nil
		}
		desc, err := d.reflect(ctx, d.logger, q, k.Schema, k.Table, k.IDField, k.GeomField)
		observability.IncDescriptorReflection(err)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.descs[k] = desc
		d.mu.Unlock()
		d.logger.Debug("reflected table",
			"table", k.Schema+"."+k.Table,
			"columns", len(desc.Columns),
			"srid", desc.SRID)
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}
