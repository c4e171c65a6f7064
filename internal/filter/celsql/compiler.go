// Package celsql compiles CEL predicate expressions into SQL over the
// columns of one table. Expressions are parsed, never evaluated, so only a
// relational subset of CEL is accepted:
//
//	width > 2.5 && waterway == "river"
//	name.startsWith("Ruz") || name == null
//	waterway in ["river", "stream"]
//	intersects(geom, "POLYGON((29 -3.5, 30 -3.5, 30 -3, 29 -3, 29 -3.5))")
package celsql

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
)

const DefaultCacheSize = 512

// Compiler implements filter.Compiler. Parsed expressions are cached by
// source text; it is safe for concurrent use.
type Compiler struct {
	env   *cel.Env
	cache *lru.Cache[string, celast.Expr]
}

var _ filter.Compiler = (*Compiler)(nil)

func New(cacheSize int) (*Compiler, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	cache, err := lru.New[string, celast.Expr](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create expression cache: %w", err)
	}
	return &Compiler{env: env, cache: cache}, nil
}

func (c *Compiler) parse(expr string) (celast.Expr, error) {
	if e, ok := c.cache.Get(expr); ok {
		return e, nil
	}
	parsed, iss := c.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, invalid("parse filter: %s", strings.TrimSpace(iss.Err().Error()))
	}
	e := parsed.NativeRep().Expr()
	c.cache.Add(expr, e)
	return e, nil
}

// Compile parses expr and translates it against cols.
func (c *Compiler) Compile(expr string, cols map[string]filter.Column) (filter.Predicate, error) {
	e, err := c.parse(expr)
	if err != nil {
		return nil, err
	}
	t := translator{cols: cols}
	return t.boolean(e)
}

func invalid(format string, args ...any) error {
	return providererr.New(providererr.ErrQuery, "filter", fmt.Sprintf(format, args...))
}

type translator struct {
	cols map[string]filter.Column
}

// operand is either a column reference or a literal.
type operand struct {
	col   *filter.Column
	lit   any
	isNil bool
}

func (t translator) boolean(e celast.Expr) (filter.Predicate, error) {
	switch e.Kind() {
	case celast.LiteralKind:
		b, ok := e.AsLiteral().(types.Bool)
		if !ok {
			return nil, invalid("literal %v is not a boolean", e.AsLiteral().Value())
		}
		if b {
			return filter.True(), nil
		}
		return filter.False(), nil
	case celast.IdentKind:
		col, err := t.column(e.AsIdent())
		if err != nil {
			return nil, err
		}
		if col.Type != "boolean" {
			return nil, invalid("column %q is not boolean", col.Name)
		}
		return filter.SQL(col.Ident()), nil
	case celast.CallKind:
		return t.call(e.AsCall())
	}
	return nil, invalid("unsupported expression")
}

func (t translator) call(call celast.CallExpr) (filter.Predicate, error) {
	fn := call.FunctionName()
	args := call.Args()
	switch fn {
	case operators.LogicalAnd, operators.LogicalOr:
		ps := make([]filter.Predicate, 0, len(args))
		for _, a := range args {
			p, err := t.boolean(a)
			if err != nil {
				return nil, err
			}
			ps = append(ps, p)
		}
		if fn == operators.LogicalAnd {
			return filter.And(ps...), nil
		}
		return filter.Or(ps...), nil
	case operators.LogicalNot:
		p, err := t.boolean(args[0])
		if err != nil {
			return nil, err
		}
		return filter.Not(p), nil
	case operators.Equals, operators.NotEquals, operators.Less, operators.LessEquals,
		operators.Greater, operators.GreaterEquals:
		return t.compare(fn, args[0], args[1])
	case operators.In:
		return t.in(args[0], args[1])
	case "startsWith", "endsWith", "contains":
		if !call.IsMemberFunction() || len(args) != 1 {
			return nil, invalid("%s must be called as column.%s(\"text\")", fn, fn)
		}
		return t.like(fn, call.Target(), args[0])
	case "intersects":
		if call.IsMemberFunction() {
			args = append([]celast.Expr{call.Target()}, args...)
		}
		if len(args) != 2 {
			return nil, invalid("intersects expects a geometry column and WKT text")
		}
		return t.intersects(args[0], args[1])
	}
	return nil, invalid("unsupported function %q", strings.Trim(fn, "_@"))
}

var sqlOps = map[string]string{
	operators.Equals:        "=",
	operators.NotEquals:     "<>",
	operators.Less:          "<",
	operators.LessEquals:    "<=",
	operators.Greater:       ">",
	operators.GreaterEquals: ">=",
}

func (t translator) compare(fn string, l, r celast.Expr) (filter.Predicate, error) {
	lo, err := t.operand(l)
	if err != nil {
		return nil, err
	}
	ro, err := t.operand(r)
	if err != nil {
		return nil, err
	}
	if lo.isNil && !ro.isNil {
		lo, ro = ro, lo
	}
	if (lo.col != nil && lo.col.Geometry) || (ro.col != nil && ro.col.Geometry) {
		return nil, invalid("geometry columns can only be used with intersects")
	}

	if ro.isNil {
		switch {
		case lo.isNil && fn == operators.Equals:
			return filter.True(), nil
		case lo.isNil:
			return filter.False(), nil
		case fn == operators.Equals:
			return func(a *filter.Args) string { return lo.render(a, nil) + " IS NULL" }, nil
		case fn == operators.NotEquals:
			return func(a *filter.Args) string { return lo.render(a, nil) + " IS NOT NULL" }, nil
		default:
			return nil, invalid("null can only be compared with == or !=")
		}
	}

	op := sqlOps[fn]
	return func(a *filter.Args) string {
		return lo.render(a, ro.col) + " " + op + " " + ro.render(a, lo.col)
	}, nil
}

func (t translator) in(l, r celast.Expr) (filter.Predicate, error) {
	lo, err := t.operand(l)
	if err != nil {
		return nil, err
	}
	if lo.col == nil || lo.col.Geometry {
		return nil, invalid("in requires a non-geometry column on the left")
	}
	if r.Kind() != celast.ListKind {
		return nil, invalid("in requires a list literal on the right")
	}
	elems := r.AsList().Elements()
	if len(elems) == 0 {
		return filter.False(), nil
	}
	items := make([]operand, 0, len(elems))
	for _, el := range elems {
		o, err := t.operand(el)
		if err != nil {
			return nil, err
		}
		if o.col != nil || o.isNil {
			return nil, invalid("in list must hold non-null literals")
		}
		items = append(items, o)
	}
	return func(a *filter.Args) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = it.render(a, lo.col)
		}
		return lo.col.Ident() + " IN (" + strings.Join(parts, ", ") + ")"
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (t translator) like(fn string, target, arg celast.Expr) (filter.Predicate, error) {
	to, err := t.operand(target)
	if err != nil {
		return nil, err
	}
	if to.col == nil || to.col.Geometry {
		return nil, invalid("%s must be called on a non-geometry column", fn)
	}
	s, ok := stringLiteral(arg)
	if !ok {
		return nil, invalid("%s expects a string literal", fn)
	}
	pattern := likeEscaper.Replace(s)
	switch fn {
	case "startsWith":
		pattern += "%"
	case "endsWith":
		pattern = "%" + pattern
	default:
		pattern = "%" + pattern + "%"
	}
	col := *to.col
	return func(a *filter.Args) string {
		return col.Ident() + "::text LIKE " + a.Add(pattern)
	}, nil
}

func (t translator) intersects(g, w celast.Expr) (filter.Predicate, error) {
	gol, err := t.operand(g)
	if err != nil {
		return nil, err
	}
	if gol.col == nil || !gol.col.Geometry {
		return nil, invalid("intersects expects the geometry column first")
	}
	wkt, ok := stringLiteral(w)
	if !ok {
		return nil, invalid("intersects expects WKT text second")
	}
	col := *gol.col
	return func(a *filter.Args) string {
		shape := fmt.Sprintf("ST_GeomFromText(%s, %d)", a.Add(wkt), col.SRID)
		if col.Geography {
			shape += "::geography"
		}
		return "ST_Intersects(" + col.Ident() + ", " + shape + ")"
	}, nil
}

func stringLiteral(e celast.Expr) (string, bool) {
	if e.Kind() != celast.LiteralKind {
		return "", false
	}
	s, ok := e.AsLiteral().(types.String)
	return string(s), ok
}

func (t translator) column(name string) (*filter.Column, error) {
	c, ok := t.cols[name]
	if !ok {
		return nil, invalid("unknown property %q", name)
	}
	return &c, nil
}

func (t translator) operand(e celast.Expr) (operand, error) {
	switch e.Kind() {
	case celast.IdentKind:
		col, err := t.column(e.AsIdent())
		if err != nil {
			return operand{}, err
		}
		return operand{col: col}, nil
	case celast.LiteralKind:
		switch v := e.AsLiteral().(type) {
		case types.Null:
			return operand{isNil: true}, nil
		case types.String:
			return operand{lit: string(v)}, nil
		case types.Int:
			return operand{lit: int64(v)}, nil
		case types.Uint:
			if uint64(v) > math.MaxInt64 {
				return operand{}, invalid("unsigned literal %d is out of range", uint64(v))
			}
			return operand{lit: int64(v)}, nil
		case types.Double:
			return operand{lit: float64(v)}, nil
		case types.Bool:
			return operand{lit: bool(v)}, nil
		}
		return operand{}, invalid("unsupported literal %v", e.AsLiteral().Value())
	case celast.CallKind:
		call := e.AsCall()
		if call.FunctionName() == operators.Negate && len(call.Args()) == 1 {
			o, err := t.operand(call.Args()[0])
			if err != nil {
				return operand{}, err
			}
			switch v := o.lit.(type) {
			case int64:
				return operand{lit: -v}, nil
			case float64:
				return operand{lit: -v}, nil
			}
		}
	}
	return operand{}, invalid("operands must be columns or literals")
}

// render emits the operand. Literals compared with a column are cast to
// that column's declared type; otherwise they keep their own type.
func (o operand) render(a *filter.Args, against *filter.Column) string {
	switch {
	case o.col != nil:
		return o.col.Ident()
	case against != nil:
		return against.Cast(a, o.lit)
	}
	ph := a.Add(o.lit)
	switch o.lit.(type) {
	case int64:
		return ph + "::bigint"
	case float64:
		return ph + "::double precision"
	case bool:
		return ph + "::boolean"
	default:
		return ph + "::text"
	}
}
