// Package codec converts between table rows and features.
package codec

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
)

// Decoder turns result rows into features. The geometry column, when
// present, must hold WKB. XYZ, XYM and XYZM layouts are kept.
type Decoder struct {
	IDColumn   string
	GeomColumn string
	// Transform reprojects decoded geometries; nil leaves them as stored.
	Transform crs.TransformFunc
}

// Decode builds a feature from one row. The identifier and geometry
// columns never appear among the properties.
func (dc Decoder) Decode(cols []string, vals []any) (model.Feature, error) {
	if len(cols) != len(vals) {
		return model.Feature{}, fmt.Errorf("decode row: %d columns, %d values", len(cols), len(vals))
	}
	f := model.Feature{Properties: make(map[string]any, len(cols))}
	for i, name := range cols {
		switch name {
		case dc.IDColumn:
			f.ID = normalize(vals[i])
		case dc.GeomColumn:
			if vals[i] == nil {
				continue
			}
			raw, ok := vals[i].([]byte)
			if !ok {
				return model.Feature{}, providererr.New(providererr.ErrQuery, "decode geometry",
					fmt.Sprintf("column %q is %T, want WKB bytes", name, vals[i]))
			}
			if len(raw) == 0 {
				continue
			}
			g, err := wkb.Unmarshal(raw)
			if err != nil {
				return model.Feature{}, providererr.Wrap(providererr.ErrQuery, "decode geometry", err)
			}
			if dc.Transform != nil {
				g = dc.Transform(g)
			}
			f.Geometry = g
		default:
			f.Properties[name] = normalize(vals[i])
		}
	}
	return f, nil
}

// normalize maps driver values without a natural JSON form.
func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		// NaN and infinities have no JSON form
		if !x.Valid || x.NaN || x.InfinityModifier != pgtype.Finite {
			return nil
		}
		if x.Exp >= 0 && x.Int != nil && x.Int.IsInt64() {
			i, err := x.Int64Value()
			if err == nil {
				return i.Int64
			}
		}
		f, err := x.Float64Value()
		if err != nil {
			return nil
		}
		return f.Float64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", x[0:4], x[4:6], x[6:8], x[8:10], x[10:16])
	default:
		return v
	}
}
