package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/codec"
	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Get fetches one feature with its neighbours. A feature without a
// previous (or next) row names itself.
func (p *Provider) Get(ctx context.Context, id any, spec *model.CRSTransformSpec) (f *model.Feature, err error) {
	start := time.Now()
	defer func() { p.observe("get", start, err) }()

	transform, err := p.transform(spec)
	if err != nil {
		return nil, err
	}
	proj := filter.Project(p.desc, nil, p.cfg.Properties, false)
	idCol := p.idColumn()

	err = p.readTx(ctx, "get", func(tx pgx.Tx) error {
		var a filter.Args
		sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s LIMIT 1",
			proj.SelectList(), p.desc.QualifiedName(), idCol.Ident(), idCol.Cast(&a, id))
		p.log.Debug("get query", "sql", sql)

		rows, err := tx.Query(ctx, sql, a.Values()...)
		if err != nil {
			return p.lookupErr(id, err)
		}
		var vals []any
		if rows.Next() {
			vals, err = rows.Values()
		}
		rows.Close()
		if err == nil {
			err = rows.Err()
		}
		if err != nil {
			return p.lookupErr(id, err)
		}
		if vals == nil {
			return notFound(id)
		}

		dec := codec.Decoder{IDColumn: p.desc.IDColumn, GeomColumn: proj.Geometry, Transform: transform}
		feat, err := dec.Decode(proj.Columns(), vals)
		if err != nil {
			return err
		}
		if feat.Prev, err = p.neighbour(ctx, tx, feat.ID, true); err != nil {
			return err
		}
		if feat.Next, err = p.neighbour(ctx, tx, feat.ID, false); err != nil {
			return err
		}
		f = &feat
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Provider) idColumn() filter.Column {
	c, _ := p.desc.Column(p.desc.IDColumn)
	return filter.ColumnOf(c)
}

// neighbour returns the closest identifier before (or after) id, or id
// itself when there is none.
func (p *Provider) neighbour(ctx context.Context, tx pgx.Tx, id any, before bool) (any, error) {
	op, dir := ">", "ASC"
	if before {
		op, dir = "<", "DESC"
	}
	idCol := p.idColumn()
	var a filter.Args
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s %s %s ORDER BY %s %s LIMIT 1",
		idCol.Ident(), p.desc.QualifiedName(), idCol.Ident(), op, idCol.Cast(&a, id), idCol.Ident(), dir)

	var got any
	err := tx.QueryRow(ctx, sql, a.Values()...).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return id, nil
	case err != nil:
		return nil, pgstore.Translate("resolve neighbour", err)
	case got == nil:
		return id, nil
	}
	return got, nil
}

// lookupErr reports identifiers that cannot be cast to the column type as
// not found.
func (p *Provider) lookupErr(id any, err error) error {
	if pgstore.IsInvalidInput(err) {
		return notFound(id)
	}
	return pgstore.Translate("get feature", err)
}

func notFound(id any) error {
	return providererr.New(providererr.ErrNotFound, "get feature", fmt.Sprintf("no feature with id %v", id))
}
