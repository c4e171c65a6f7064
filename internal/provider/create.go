package provider

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/codec"
	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
	"github.com/mohammed-shakir/pgfeatures/internal/invalidation"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Create inserts a feature and returns its identifier. transform, when
// set, maps the payload geometry into the storage CRS.
func (p *Provider) Create(ctx context.Context, payload model.FeaturePayload, transform crs.TransformFunc) (id any, err error) {
	start := time.Now()
	defer func() { p.observe("create", start, err) }()

	if err := p.validator.Validate(payload); err != nil {
		return nil, err
	}
	ins, err := codec.BuildInsert(p.desc, payload, transform)
	if err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, pgstore.Translate("create: begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	p.log.Debug("insert", "sql", ins.SQL)
	if err := tx.QueryRow(ctx, ins.SQL, ins.Args...).Scan(&id); err != nil {
		if pgstore.IsInvalidInput(err) {
			return nil, providererr.Wrap(providererr.ErrValidation, "insert feature", err)
		}
		return nil, pgstore.Translate("insert feature", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgstore.Translate("commit feature", err)
	}

	p.afterWrite(ctx, invalidation.OpInsert, id, ins)
	return id, nil
}

// afterWrite drops cached pages and announces the change. Failures are
// logged; the write itself already succeeded.
func (p *Provider) afterWrite(ctx context.Context, op string, id any, ins *codec.Insert) {
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, p.cfg.Name); err != nil {
			p.log.Warn("result cache invalidation failed", "err", err)
		}
	}
	if p.notifier == nil {
		return
	}
	ev := invalidation.Event{
		Version:    1,
		Op:         op,
		Collection: p.cfg.Name,
		TS:         time.Now().UTC(),
		FeatureID:  id,
		BBox:       invalidation.BoundOf(ins.Geometry, p.desc.SRID),
	}
	err := p.notifier.Notify(ctx, ev)
	observability.IncInvalidationEvent("published", err)
	if err != nil {
		p.log.Warn("change event not published", "err", err, "feature_id", id)
	}
}
