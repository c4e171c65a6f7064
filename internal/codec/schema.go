package codec

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
)

// JSONType maps a declared column type to a JSON schema type. An empty
// result means any JSON value.
func JSONType(pgType string) string {
	t := strings.ToLower(pgType)
	switch {
	case strings.HasSuffix(t, "[]"):
		return "array"
	case t == "smallint", t == "integer", t == "bigint", strings.HasPrefix(t, "int"):
		return "integer"
	case t == "real", t == "double precision", strings.HasPrefix(t, "numeric"),
		strings.HasPrefix(t, "decimal"), strings.HasPrefix(t, "float"):
		return "number"
	case t == "boolean":
		return "boolean"
	case t == "json", t == "jsonb":
		return ""
	case strings.HasPrefix(t, "geometry"), strings.HasPrefix(t, "geography"):
		return "object"
	default:
		return "string"
	}
}

// PropertySchema describes one column; nullable unless declared NOT NULL.
func PropertySchema(c pgstore.Column) map[string]any {
	typ := JSONType(c.Type)
	if typ == "" {
		return map[string]any{"title": c.Name}
	}
	s := map[string]any{"title": c.Name, "type": typ}
	if !c.NotNull {
		s["type"] = []any{typ, "null"}
	}
	return s
}

// Schema is the JSON schema of a create payload for d.
func Schema(d *pgstore.Descriptor) map[string]any {
	props := map[string]any{}
	var required []any
	for _, c := range d.Columns {
		if c.Name == d.GeomColumn {
			continue
		}
		props[c.Name] = PropertySchema(c)
		if c.NotNull && !c.HasDefault && c.Name != d.IDColumn {
			required = append(required, c.Name)
		}
	}
	properties := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		properties["required"] = required
	}

	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"type":       map[string]any{"enum": []any{"Feature"}},
			"id":         map[string]any{"type": []any{"integer", "string"}},
			"geometry":   map[string]any{"type": []any{"object", "null"}, "required": []any{"type"}},
			"properties": properties,
		},
	}
}

// Queryables lists the columns a client may filter on, restricted to allow
// when it is set.
func Queryables(d *pgstore.Descriptor, allow []string) map[string]any {
	out := make(map[string]any, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == d.GeomColumn {
			out[c.Name] = map[string]any{"title": c.Name, "format": "geometry"}
			continue
		}
		if len(allow) > 0 && c.Name != d.IDColumn && !contains(allow, c.Name) {
			continue
		}
		out[c.Name] = PropertySchema(c)
	}
	return out
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// Validator checks create payloads against Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

func NewValidator(d *pgstore.Descriptor) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(Schema(d)))
	if err != nil {
		return nil, fmt.Errorf("compile payload schema for %s: %w", d.QualifiedName(), err)
	}
	return &Validator{schema: s}, nil
}

func (v *Validator) Validate(p model.FeaturePayload) error {
	doc := map[string]any{
		"type":       "Feature",
		"geometry":   p.Geometry,
		"properties": p.Properties,
	}
	if p.ID != nil {
		doc["id"] = p.ID
	}
	if !p.HasGeometry() {
		doc["geometry"] = nil
	}
	if p.Properties == nil {
		doc["properties"] = map[string]any{}
	}
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return providererr.Wrap(providererr.ErrValidation, "validate payload", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return providererr.New(providererr.ErrValidation, "validate payload", strings.Join(msgs, "; "))
}
