// Package filter renders request constraints into parameterised SQL
// fragments over a reflected table.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// Args collects positional parameters while predicates render.
type Args struct {
	vals []any
}

// Add binds v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.vals = append(a.vals, v)
	return "$" + strconv.Itoa(len(a.vals))
}

func (a *Args) Values() []any { return a.vals }

func (a *Args) Len() int { return len(a.vals) }

// Predicate renders a boolean SQL expression, binding values into args.
// A predicate may be rendered more than once, each time into fresh Args.
type Predicate func(args *Args) string

func True() Predicate  { return func(*Args) string { return "TRUE" } }
func False() Predicate { return func(*Args) string { return "FALSE" } }

// SQL wraps a fixed fragment that binds nothing.
func SQL(fragment string) Predicate { return func(*Args) string { return fragment } }

// And folds ps conjunctively. Nil entries are skipped; no entries is TRUE.
func And(ps ...Predicate) Predicate { return join(" AND ", "TRUE", ps) }

// Or folds ps disjunctively. Nil entries are skipped; no entries is FALSE.
func Or(ps ...Predicate) Predicate { return join(" OR ", "FALSE", ps) }

func Not(p Predicate) Predicate {
	return func(a *Args) string { return "NOT (" + p(a) + ")" }
}

func join(op, empty string, ps []Predicate) Predicate {
	live := make([]Predicate, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return SQL(empty)
	case 1:
		return live[0]
	}
	return func(a *Args) string {
		parts := make([]string, len(live))
		for i, p := range live {
			parts[i] = "(" + p(a) + ")"
		}
		return strings.Join(parts, op)
	}
}

// Column is the handle a predicate compiler sees for one table column.
type Column struct {
	Name string
	Type string
	// Base is Type without its modifier; Cast targets it when set.
	Base      string
	SRID      int
	Geometry  bool
	Geography bool
}

// Ident is the quoted column name.
func (c Column) Ident() string { return Ident(c.Name) }

// IsText reports whether the declared type is a character type.
func (c Column) IsText() bool {
	t := strings.ToLower(c.Type)
	return t == "text" || t == "citext" || t == "name" ||
		strings.HasPrefix(t, "character") || strings.HasPrefix(t, "varchar")
}

// Cast binds v as text and casts it to the column's base type, letting the
// server parse the literal the same way it would parse user input. A
// varchar(5) or numeric(5,2) modifier is left out so the value keeps its
// full length and scale.
func (c Column) Cast(a *Args, v any) string {
	typ := c.Base
	if typ == "" {
		typ = c.Type
	}
	return fmt.Sprintf("CAST(%s::text AS %s)", a.Add(TextValue(v)), typ)
}

// ColumnOf is the compiler handle for a reflected column.
func ColumnOf(c pgstore.Column) Column {
	return Column{Name: c.Name, Type: c.Type, Base: c.BaseType}
}

// Compiler turns a predicate expression into a Predicate. cols maps every
// column the expression may reference.
type Compiler interface {
	Compile(expr string, cols map[string]Column) (Predicate, error)
}

// Ident quotes a single identifier.
func Ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// ColumnsOf builds compiler handles for every column of d.
func ColumnsOf(d *pgstore.Descriptor) map[string]Column {
	out := make(map[string]Column, len(d.Columns))
	for _, c := range d.Columns {
		col := ColumnOf(c)
		if c.Name == d.GeomColumn {
			col.Geometry = true
			col.SRID = d.SRID
			col.Geography = d.IsGeography()
		}
		out[c.Name] = col
	}
	return out
}

// TextValue renders v the way PostgreSQL expects it in a text literal.
// Maps and slices become JSON; nil stays nil so it binds as NULL.
func TextValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
