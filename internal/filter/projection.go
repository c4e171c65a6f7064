package filter

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Projection is the column list of a feature query.
type Projection struct {
	ID         string
	Properties []string
	// Geometry is empty when geometry is skipped.
	Geometry string
}

// Project selects the requested properties (all when none are requested)
// restricted to the allow-list. Unknown names are dropped. The identifier
// is always selected and columns keep table order.
func Project(d *pgstore.Descriptor, selectProps, allow []string, skipGeometry bool) Projection {
	want := make(map[string]struct{}, len(selectProps))
	for _, s := range selectProps {
		want[s] = struct{}{}
	}
	p := Projection{ID: d.IDColumn}
	for _, c := range d.PropertyColumns() {
		if len(want) > 0 {
			if _, ok := want[c.Name]; !ok {
				continue
			}
		}
		if !allowed(allow, c.Name) {
			continue
		}
		p.Properties = append(p.Properties, c.Name)
	}
	if !skipGeometry {
		p.Geometry = d.GeomColumn
	}
	return p
}

// Columns lists the result column names in select order.
func (p Projection) Columns() []string {
	out := make([]string, 0, len(p.Properties)+2)
	out = append(out, p.ID)
	out = append(out, p.Properties...)
	if p.Geometry != "" {
		out = append(out, p.Geometry)
	}
	return out
}

// SelectList renders the projection; geometry is returned as WKB.
func (p Projection) SelectList() string {
	parts := make([]string, 0, len(p.Properties)+2)
	parts = append(parts, Ident(p.ID))
	for _, c := range p.Properties {
		parts = append(parts, Ident(c))
	}
	if p.Geometry != "" {
		g := Ident(p.Geometry)
		parts = append(parts, "ST_AsBinary("+g+") AS "+g)
	}
	return strings.Join(parts, ", ")
}

// OrderBy renders the sort clause. With no keys results are ordered by
// identifier; otherwise the identifier is appended as a tiebreaker so
// pages are stable.
func OrderBy(d *pgstore.Descriptor, keys []model.SortKey) (string, error) {
	parts := make([]string, 0, len(keys)+1)
	hasID := false
	for _, k := range keys {
		if !d.HasColumn(k.Property) || k.Property == d.GeomColumn {
			return "", providererr.New(providererr.ErrQuery, "sort",
				fmt.Sprintf("unknown sort property %q", k.Property))
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, Ident(k.Property)+" "+dir)
		hasID = hasID || k.Property == d.IDColumn
	}
	if !hasID {
		parts = append(parts, Ident(d.IDColumn)+" ASC")
	}
	return strings.Join(parts, ", "), nil
}
