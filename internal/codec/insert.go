package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Insert is a rendered INSERT statement returning the identifier.
type Insert struct {
	SQL  string
	Args []any
	// ID is the client supplied identifier, nil when the server assigns it.
	ID any
	// Geometry is the stored geometry, nil when absent.
	Geometry geom.T
}

// EncodeGeometry decodes GeoJSON, applies transform and renders EWKT in
// the storage SRID. Positions with a third ordinate stay 3D. Empty input
// and JSON null give nil.
func EncodeGeometry(raw []byte, srid int, transform crs.TransformFunc) (string, geom.T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil, nil
	}
	var g geom.T
	if err := geojson.Unmarshal(trimmed, &g); err != nil {
		return "", nil, providererr.Wrap(providererr.ErrValidation, "decode geometry", err)
	}
	if g == nil {
		return "", nil, providererr.New(providererr.ErrValidation, "decode geometry", "unsupported geometry")
	}
	if transform != nil {
		if g = transform(g); g == nil {
			return "", nil, providererr.New(providererr.ErrValidation, "decode geometry", "geometry cannot be reprojected")
		}
	}
	text, err := wkt.Marshal(g)
	if err != nil {
		return "", nil, providererr.Wrap(providererr.ErrValidation, "encode geometry", err)
	}
	return "SRID=" + strconv.Itoa(srid) + ";" + text, g, nil
}

// BuildInsert flattens a payload into column values. Unknown properties are
// rejected. A missing identifier is only accepted when the column has a
// server default, in which case it is left out.
func BuildInsert(d *pgstore.Descriptor, p model.FeaturePayload, transform crs.TransformFunc) (*Insert, error) {
	props := make(map[string]any, len(p.Properties))
	for k, v := range p.Properties {
		props[k] = v
	}

	id := p.ID
	if v, ok := props[d.IDColumn]; ok {
		delete(props, d.IDColumn)
		if id == nil {
			id = v
		} else if filter.TextValue(v) != filter.TextValue(id) {
			return nil, providererr.New(providererr.ErrValidation, "create",
				fmt.Sprintf("feature id %v conflicts with property %q", id, d.IDColumn))
		}
	}
	if id == nil && !d.IDHasDefault {
		return nil, providererr.New(providererr.ErrValidation, "create",
			fmt.Sprintf("feature id is required: column %q has no default", d.IDColumn))
	}

	for k := range props {
		if k == d.GeomColumn || !d.HasColumn(k) {
			return nil, providererr.New(providererr.ErrValidation, "create",
				fmt.Sprintf("unknown property %q", k))
		}
	}

	ewkt, g, err := EncodeGeometry(p.Geometry, d.SRID, transform)
	if err != nil {
		return nil, err
	}

	var args filter.Args
	var cols, vals []string
	bind := func(c pgstore.Column, v any) {
		col := filter.ColumnOf(c)
		cols = append(cols, col.Ident())
		vals = append(vals, col.Cast(&args, v))
	}
	for _, c := range d.Columns {
		switch {
		case c.Name == d.IDColumn:
			if id != nil {
				bind(c, id)
			}
		case c.Name == d.GeomColumn:
			cols = append(cols, filter.Ident(c.Name))
			expr := "ST_GeomFromEWKT(" + args.Add(nullable(ewkt)) + ")"
			if d.IsGeography() {
				expr += "::geography"
			}
			vals = append(vals, expr)
		default:
			if v, ok := props[c.Name]; ok {
				bind(c, v)
			}
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		d.QualifiedName(), strings.Join(cols, ", "), strings.Join(vals, ", "), filter.Ident(d.IDColumn))
	return &Insert{SQL: sql, Args: args.Values(), ID: id, Geometry: g}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
