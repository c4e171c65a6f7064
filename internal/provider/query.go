package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/codec"
	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// plan is a rendered feature query.
type plan struct {
	where filter.Predicate
	order string
	proj  filter.Projection
}

func (p *Provider) plan(req model.QueryRequest) (plan, error) {
	if req.Offset < 0 || req.Limit < 0 {
		return plan{}, providererr.New(providererr.ErrQuery, "query",
			fmt.Sprintf("offset and limit must not be negative (offset=%d limit=%d)", req.Offset, req.Limit))
	}
	where, err := p.builder.Where(req)
	if err != nil {
		return plan{}, err
	}
	order, err := filter.OrderBy(p.desc, req.SortBy)
	if err != nil {
		return plan{}, err
	}
	return plan{
		where: where,
		order: order,
		proj:  filter.Project(p.desc, req.SelectProperties, p.cfg.Properties, req.SkipGeometry),
	}, nil
}

// countSQL counts rows past the offset; the limit does not apply.
func (p *Provider) countSQL(pl plan, offset int) (string, []any) {
	var a filter.Args
	where := pl.where(&a)
	sql := fmt.Sprintf("SELECT count(*) FROM (SELECT 1 FROM %s WHERE %s ORDER BY %s OFFSET %s) AS matched",
		p.desc.QualifiedName(), where, pl.order, a.Add(offset))
	return sql, a.Values()
}

func (p *Provider) rowsSQL(pl plan, offset, limit int) (string, []any) {
	var a filter.Args
	where := pl.where(&a)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %s OFFSET %s",
		pl.proj.SelectList(), p.desc.QualifiedName(), where, pl.order, a.Add(limit), a.Add(offset))
	return sql, a.Values()
}

// Query returns one page of features together with how many rows match
// past the offset. In hits mode no rows are fetched.
func (p *Provider) Query(ctx context.Context, req model.QueryRequest) (env *model.ResultEnvelope, err error) {
	start := time.Now()
	defer func() { p.observe("query", start, err) }()

	if req.ResultType == "" {
		req.ResultType = model.ResultTypeResults
	}
	pl, err := p.plan(req)
	if err != nil {
		return nil, err
	}
	transform, err := p.transform(req.CRSTransform)
	if err != nil {
		return nil, err
	}

	var fill func(context.Context, *model.ResultEnvelope)
	if p.cache != nil {
		var cached *model.ResultEnvelope
		cached, fill = p.cache.Lookup(ctx, p.cfg.Name, req)
		observability.IncResultCache(p.cfg.Name, cached != nil)
		if cached != nil {
			return cached, nil
		}
	}

	env = &model.ResultEnvelope{Features: []model.Feature{}}
	err = p.readTx(ctx, "query", func(tx pgx.Tx) error {
		sql, args := p.countSQL(pl, req.Offset)
		p.log.Debug("count query", "sql", sql)
		var matched int64
		if err := tx.QueryRow(ctx, sql, args...).Scan(&matched); err != nil {
			return pgstore.Translate("count features", err)
		}
		env.NumberMatched = int(matched)

		if req.ResultType == model.ResultTypeHits {
			return nil
		}
		env.NumberReturned = min(req.Limit, env.NumberMatched)

		sql, args = p.rowsSQL(pl, req.Offset, req.Limit)
		p.log.Debug("feature query", "sql", sql)
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return pgstore.Translate("query features", err)
		}
		defer rows.Close()

		dec := codec.Decoder{IDColumn: p.desc.IDColumn, GeomColumn: pl.proj.Geometry, Transform: transform}
		cols := pl.proj.Columns()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return pgstore.Translate("read feature row", err)
			}
			f, err := dec.Decode(cols, vals)
			if err != nil {
				return err
			}
			env.Features = append(env.Features, f)
		}
		if err := rows.Err(); err != nil {
			return pgstore.Translate("query features", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.AddFeaturesReturned(p.cfg.Name, len(env.Features))
	if fill != nil {
		fill(ctx, env)
	}
	return env, nil
}
