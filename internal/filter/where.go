package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Equal renders exact-match property filters. A nil value matches NULL.
func Equal(d *pgstore.Descriptor, filters []model.PropertyFilter) (Predicate, error) {
	ps := make([]Predicate, 0, len(filters))
	for _, f := range filters {
		c, ok := d.Column(f.Name)
		if !ok || c.Name == d.GeomColumn {
			return nil, providererr.New(providererr.ErrQuery, "property filter",
				fmt.Sprintf("unknown property %q", f.Name))
		}
		col := ColumnOf(c)
		v := f.Value
		if v == nil {
			ps = append(ps, SQL(col.Ident()+" IS NULL"))
			continue
		}
		ps = append(ps, func(a *Args) string {
			return col.Ident() + " = " + col.Cast(a, v)
		})
	}
	return And(ps...), nil
}

// BBox renders an intersection with minx,miny,maxx,maxy in the storage CRS.
// An empty box matches everything.
func BBox(d *pgstore.Descriptor, bbox []float64) (Predicate, error) {
	if len(bbox) == 0 {
		return True(), nil
	}
	if len(bbox) != 4 {
		return nil, providererr.New(providererr.ErrQuery, "bbox",
			fmt.Sprintf("expected 4 numbers, got %d", len(bbox)))
	}
	for _, v := range bbox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, providererr.New(providererr.ErrQuery, "bbox", "coordinates must be finite")
		}
	}
	if bbox[0] > bbox[2] || bbox[1] > bbox[3] {
		return nil, providererr.New(providererr.ErrQuery, "bbox", "min must not exceed max")
	}
	box := append([]float64(nil), bbox...)
	geom := Ident(d.GeomColumn)
	srid := strconv.Itoa(d.SRID)
	geography := d.IsGeography()
	return func(a *Args) string {
		env := fmt.Sprintf("ST_MakeEnvelope(%s, %s, %s, %s, %s)",
			a.Add(box[0]), a.Add(box[1]), a.Add(box[2]), a.Add(box[3]), srid)
		if geography {
			env += "::geography"
		}
		return "ST_Intersects(" + geom + ", " + env + ")"
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search renders free-text terms. Every whitespace separated term must
// appear, case-insensitively, in at least one of the text columns.
func Search(d *pgstore.Descriptor, q string, allow []string) Predicate {
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return True()
	}
	var cols []string
	for _, c := range d.PropertyColumns() {
		col := ColumnOf(c)
		if col.IsText() && allowed(allow, c.Name) {
			cols = append(cols, col.Ident())
		}
	}
	if len(cols) == 0 {
		return False()
	}
	return func(a *Args) string {
		parts := make([]string, len(terms))
		for i, t := range terms {
			ph := a.Add("%" + likeEscaper.Replace(t) + "%")
			alts := make([]string, len(cols))
			for j, c := range cols {
				alts[j] = c + " ILIKE " + ph
			}
			parts[i] = "(" + strings.Join(alts, " OR ") + ")"
		}
		return strings.Join(parts, " AND ")
	}
}

func allowed(allow []string, name string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == name {
			return true
		}
	}
	return false
}

// Builder assembles the WHERE predicate of a query request.
type Builder struct {
	Desc     *pgstore.Descriptor
	Compiler Compiler
	// Allow is the configured property allow-list; empty allows all.
	Allow []string
}

// Where combines equality, bounding box, search and expression filters.
func (b Builder) Where(req model.QueryRequest) (Predicate, error) {
	var ps []Predicate
	if len(req.Properties) > 0 {
		eq, err := Equal(b.Desc, req.Properties)
		if err != nil {
			return nil, err
		}
		ps = append(ps, eq)
	}
	if len(req.BBox) > 0 {
		box, err := BBox(b.Desc, req.BBox)
		if err != nil {
			return nil, err
		}
		ps = append(ps, box)
	}
	if strings.TrimSpace(req.Q) != "" {
		ps = append(ps, Search(b.Desc, req.Q, b.Allow))
	}
	if strings.TrimSpace(req.Filter) != "" {
		if b.Compiler == nil {
			return nil, providererr.New(providererr.ErrQuery, "filter", "predicate expressions are not supported")
		}
		p, err := b.Compiler.Compile(req.Filter, ColumnsOf(b.Desc))
		if err != nil {
			if providererr.HasKind(err) {
				return nil, err
			}
			return nil, providererr.Wrap(providererr.ErrQuery, "compile filter", err)
		}
		ps = append(ps, p)
	}
	return And(ps...), nil
}
