// Package provider exposes one PostGIS table as a feature collection.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/codec"
	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
	"github.com/mohammed-shakir/pgfeatures/internal/invalidation"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

const DefaultGeomField = "geom"

// Config is one collection definition.
type Config struct {
	Name       string             `mapstructure:"name"`
	Title      string             `mapstructure:"title"`
	Table      string             `mapstructure:"table"`
	IDField    string             `mapstructure:"id_field"`
	GeomField  string             `mapstructure:"geom_field"`
	Properties []string           `mapstructure:"properties"`
	Data       pgstore.ConnParams `mapstructure:"data"`
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return fmt.Errorf("collection %q: table is required", c.Name)
	}
	if strings.TrimSpace(c.IDField) == "" {
		return fmt.Errorf("collection %q: id_field is required", c.Name)
	}
	if c.GeomField == "" {
		c.GeomField = DefaultGeomField
	}
	if c.Name == "" {
		c.Name = c.Table
	}
	c.Data = c.Data.WithDefaults()
	return nil
}

// ResultCache stores query results per collection. Lookup returns either
// a cached envelope or a func that stores the freshly computed one; the
// func is bound to the cache state seen by Lookup so results computed
// across an invalidation are never stored as current.
type ResultCache interface {
	Lookup(ctx context.Context, collection string, req model.QueryRequest) (*model.ResultEnvelope, func(context.Context, *model.ResultEnvelope))
	Invalidate(ctx context.Context, collection string) error
}

// Notifier announces writes to other instances.
type Notifier interface {
	Notify(ctx context.Context, ev invalidation.Event) error
}

// Deps are the collaborators shared by every provider in a process.
type Deps struct {
	Pools       *pgstore.Pools
	Descriptors *pgstore.Descriptors
	Compiler    filter.Compiler
	CRS         crs.Factory
	Cache       ResultCache
	Notifier    Notifier
	Logger      *slog.Logger
}

type Provider struct {
	cfg       Config
	db        pgstore.DB
	desc      *pgstore.Descriptor
	builder   filter.Builder
	validator *codec.Validator
	crs       crs.Factory
	cache     ResultCache
	notifier  Notifier
	log       *slog.Logger
}

// New connects (or reuses a pool), reflects the table and prepares the
// payload validator.
func New(ctx context.Context, cfg Config, deps Deps) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, providererr.Wrap(providererr.ErrSchema, "configure provider", err)
	}
	if deps.Pools == nil {
		deps.Pools = pgstore.NewPools(deps.Logger, nil)
	}
	if deps.Descriptors == nil {
		deps.Descriptors = pgstore.NewDescriptors(deps.Logger, nil)
	}
	if deps.CRS == nil {
		deps.CRS = crs.OrbFactory{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("component", "provider", "collection", cfg.Name)

	target := cfg.Data.Target()
	db, err := deps.Pools.Get(ctx, target, cfg.Data.Password)
	if err != nil {
		return nil, err
	}
	desc, err := deps.Descriptors.Get(ctx, db, pgstore.DescriptorKey{
		Target:    target,
		Schema:    cfg.Data.Schema(),
		Table:     cfg.Table,
		IDField:   cfg.IDField,
		GeomField: cfg.GeomField,
	})
	if err != nil {
		return nil, err
	}
	v, err := codec.NewValidator(desc)
	if err != nil {
		return nil, providererr.Wrap(providererr.ErrSchema, "build payload schema", err)
	}

	log.Info("provider ready",
		"table", desc.QualifiedName(),
		"target", target.String(),
		"srid", desc.SRID,
		"columns", len(desc.Columns))

	return &Provider{
		cfg:       cfg,
		db:        db,
		desc:      desc,
		builder:   filter.Builder{Desc: desc, Compiler: deps.Compiler, Allow: cfg.Properties},
		validator: v,
		crs:       deps.CRS,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		log:       log,
	}, nil
}

func (p *Provider) Name() string                    { return p.cfg.Name }
func (p *Provider) Config() Config                  { return p.cfg }
func (p *Provider) Descriptor() *pgstore.Descriptor { return p.desc }

// StorageCRS is the EPSG name of the stored geometries.
func (p *Provider) StorageCRS() string { return fmt.Sprintf("EPSG:%d", p.desc.SRID) }

// Fields maps every non-geometry column to its declared type. The
// configured allow-list does not apply.
func (p *Provider) Fields() map[string]string { return p.desc.Fields() }

// Queryables is the JSON schema of filterable properties.
func (p *Provider) Queryables() map[string]any { return codec.Queryables(p.desc, p.cfg.Properties) }

// Ping checks the pool. Any failure is a connection error.
func (p *Provider) Ping(ctx context.Context) error {
	err := p.db.Ping(ctx)
	if err == nil || providererr.HasKind(err) {
		return err
	}
	return providererr.Wrap(providererr.ErrConnection, "ping "+p.cfg.Data.Target().String(), err)
}

func (p *Provider) transform(spec *model.CRSTransformSpec) (crs.TransformFunc, error) {
	if spec == nil || spec.TargetCRS == "" {
		return nil, nil
	}
	src := spec.SourceCRS
	if src == "" {
		src = p.StorageCRS()
	}
	return p.crs.Build(src, spec.TargetCRS)
}

// InputTransform maps geometries sent in contentCRS into the storage CRS.
// An empty contentCRS means the payload is already in storage CRS.
func (p *Provider) InputTransform(contentCRS string) (crs.TransformFunc, error) {
	if strings.TrimSpace(contentCRS) == "" {
		return nil, nil
	}
	return p.crs.Build(contentCRS, p.StorageCRS())
}

// readTx runs fn in a read-only transaction that is always rolled back.
func (p *Provider) readTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return pgstore.Translate(op+": begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	return fn(tx)
}

func (p *Provider) observe(op string, start time.Time, err error) {
	observability.ObserveProviderOp(p.cfg.Name, op, err, time.Since(start).Seconds())
	if err != nil {
		p.log.Debug("provider operation failed", "op", op, "err", err)
	}
}
