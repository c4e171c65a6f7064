package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

type Column struct {
	Name string
	Type string // format_type() output, e.g. "geometry(LineString,4326)"
	// BaseType drops the type modifier, e.g. "character varying" for
	// "character varying(5)". Bound values are cast to it so they are
	// never truncated or rounded to fit.
	BaseType   string
	HasDefault bool
	NotNull    bool
}

// Relationship is a foreign key of the reflected table, named after the
// referred table.
type Relationship struct {
	Name          string
	Constraint    string
	ReferredTable string
}

// Descriptor is the reflected shape of one table. Read-only once built.
type Descriptor struct {
	Schema        string
	Table         string
	Columns       []Column
	IDColumn      string
	GeomColumn    string
	SRID          int
	IDHasDefault  bool
	Relationships []Relationship

	index map[string]int
}

func (d *Descriptor) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.Columns[i], true
}

func (d *Descriptor) HasColumn(name string) bool {
	_, ok := d.index[name]
	return ok
}

// QualifiedName is the quoted schema.table.
func (d *Descriptor) QualifiedName() string {
	return pgx.Identifier{d.Schema, d.Table}.Sanitize()
}

// IsGeography reports whether the geometry column is a geography type.
func (d *Descriptor) IsGeography() bool {
	c, ok := d.Column(d.GeomColumn)
	return ok && strings.HasPrefix(c.Type, "geography")
}

// Fields maps every non-geometry column to its declared type.
func (d *Descriptor) Fields() map[string]string {
	out := make(map[string]string, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == d.GeomColumn {
			continue
		}
		out[c.Name] = c.Type
	}
	return out
}

// PropertyColumns lists columns that are neither identifier nor geometry,
// in table order.
func (d *Descriptor) PropertyColumns() []Column {
	out := make([]Column, 0, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == d.IDColumn || c.Name == d.GeomColumn {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NewDescriptor indexes columns and resolves relationship names. It is
// exported so tests and alternative reflectors can build descriptors.
func NewDescriptor(schema, table string, cols []Column, idField, geomField string, srid int, fks []Relationship) (*Descriptor, error) {
	cols = slices.Clone(cols)
	for i := range cols {
		if cols[i].BaseType == "" {
			cols[i].BaseType = stripTypmod(cols[i].Type)
		}
	}
	d := &Descriptor{
		Schema:     schema,
		Table:      table,
		Columns:    cols,
		IDColumn:   idField,
		GeomColumn: geomField,
		SRID:       srid,
		index:      make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		d.index[c.Name] = i
	}
	id, ok := d.Column(idField)
	if !ok {
		return nil, providererr.New(providererr.ErrSchema, "reflect",
			fmt.Sprintf("no such id_field column (%s) on %s.%s", idField, schema, table))
	}
	d.IDHasDefault = id.HasDefault
	if !d.HasColumn(geomField) {
		return nil, providererr.New(providererr.ErrSchema, "reflect",
			fmt.Sprintf("no such geometry column (%s) on %s.%s", geomField, schema, table))
	}
	d.Relationships = nameRelationships(d, fks)
	return d, nil
}

// nameRelationships appends "_" to relationship names that would shadow a
// column or an earlier relationship.
func nameRelationships(d *Descriptor, fks []Relationship) []Relationship {
	if len(fks) == 0 {
		return nil
	}
	taken := make(map[string]struct{}, len(d.Columns)+len(fks))
	for _, c := range d.Columns {
		taken[c.Name] = struct{}{}
	}
	out := make([]Relationship, 0, len(fks))
	for _, fk := range fks {
		name := strings.ToLower(fk.ReferredTable)
		for {
			if _, clash := taken[name]; !clash {
				break
			}
			name += "_"
		}
		taken[name] = struct{}{}
		fk.Name = name
		out = append(out, fk)
	}
	return out
}

const columnsSQL = `
SELECT a.attname,
       format_type(a.atttypid, a.atttypmod),
       format_type(a.atttypid, NULL),
       a.atthasdef OR a.attidentity <> '',
       a.attnotnull
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relname = $2
  AND c.relkind IN ('r', 'v', 'm', 'p', 'f')
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

const foreignKeysSQL = `
SELECT con.conname, rc.relname
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN pg_catalog.pg_class rc ON rc.oid = con.confrelid
WHERE con.contype = 'f'
  AND n.nspname = $1
  AND c.relname = $2
ORDER BY con.conname`

const findSRIDSQL = `SELECT Find_SRID($1, $2, $3)`

// Reflect introspects schema.table. The identifier column is treated as the
// key for ordering and lookup even when the relation declares none.
func Reflect(ctx context.Context, logger *slog.Logger, q Querier, schema, table, idField, geomField string) (*Descriptor, error) {
	cols, err := reflectColumns(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, providererr.New(providererr.ErrSchema, "reflect",
			fmt.Sprintf("table %q not found in schema %q", table, schema))
	}

	fks, err := reflectForeignKeys(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}

	d, err := NewDescriptor(schema, table, cols, idField, geomField, 0, fks)
	if err != nil {
		return nil, err
	}
	for i, r := range d.Relationships {
		if r.Name != strings.ToLower(fks[i].ReferredTable) {
			logger.Debug("relationship renamed to avoid column clash",
				"table", schema+"."+table, "referred", r.ReferredTable, "name", r.Name)
		}
	}

	srid, err := reflectSRID(ctx, q, d)
	if err != nil {
		return nil, err
	}
	d.SRID = srid
	return d, nil
}

func reflectColumns(ctx context.Context, q Querier, schema, table string) ([]Column, error) {
	rows, err := q.Query(ctx, columnsSQL, schema, table)
	if err != nil {
		return nil, Translate("reflect columns", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.BaseType, &c.HasDefault, &c.NotNull); err != nil {
			return nil, Translate("scan column", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Translate("reflect columns", err)
	}
	return cols, nil
}

func reflectForeignKeys(ctx context.Context, q Querier, schema, table string) ([]Relationship, error) {
	rows, err := q.Query(ctx, foreignKeysSQL, schema, table)
	if err != nil {
		return nil, Translate("reflect foreign keys", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.Constraint, &r.ReferredTable); err != nil {
			return nil, Translate("scan foreign key", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Translate("reflect foreign keys", err)
	}
	return out, nil
}

var numericTypmod = regexp.MustCompile(`\(\s*\d+(?:\s*,\s*\d+)?\s*\)`)

// stripTypmod removes numeric modifiers such as (5) or (10,2), as in
// "timestamp(3) with time zone" or "character varying(5)[]".
func stripTypmod(typ string) string {
	return numericTypmod.ReplaceAllString(typ, "")
}

var typmodSRID = regexp.MustCompile(`^(?:geometry|geography)\([^,]+,\s*(\d+)\)$`)

func sridFromType(typ string) (int, bool) {
	m := typmodSRID.FindStringSubmatch(typ)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func reflectSRID(ctx context.Context, q Querier, d *Descriptor) (int, error) {
	col, _ := d.Column(d.GeomColumn)
	if d.IsGeography() {
		if n, ok := sridFromType(col.Type); ok {
			return n, nil
		}
		return 4326, nil
	}

	var srid *int32
	err := q.QueryRow(ctx, findSRIDSQL, d.Schema, d.Table, d.GeomColumn).Scan(&srid)
	if err == nil && srid != nil {
		return int(*srid), nil
	}
	if n, ok := sridFromType(col.Type); ok {
		return n, nil
	}
	if err != nil {
		if tr := Translate("find srid", err); errors.Is(tr, providererr.ErrConnection) {
			return 0, tr
		}
		return 0, providererr.Wrap(providererr.ErrSchema, "find srid", err)
	}
	return 0, providererr.New(providererr.ErrSchema, "find srid",
		fmt.Sprintf("no srid registered for %s.%s.%s", d.Schema, d.Table, d.GeomColumn))
}
