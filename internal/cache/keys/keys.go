// Package keys builds the Redis keys of cached query results.
package keys

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/filter"
)

const prefix = "pgf"

// GenerationKey holds the collection's cache generation counter.
func GenerationKey(collection string) string {
	return prefix + ":" + sanitizeName(strings.TrimSpace(collection)) + ":gen"
}

// QueryKey addresses one query result within a cache generation.
func QueryKey(collection string, generation int64, req model.QueryRequest) string {
	return QueryKeyCanonical(collection, generation, Canonical(req))
}

// QueryKeyCanonical is QueryKey for an already canonical request.
func QueryKeyCanonical(collection string, generation int64, canonical string) string {
	sum := xxhash.Sum64String(canonical)
	return fmt.Sprintf("%s:%s:g%d:q=%016x", prefix, sanitizeName(strings.TrimSpace(collection)), generation, sum)
}

// Canonical renders req so that requests with the same meaning render the
// same: property filters and projections are order-insensitive, filter
// expressions ignore insignificant whitespace.
func Canonical(req model.QueryRequest) string {
	var b strings.Builder
	rt := req.ResultType
	if rt == "" {
		rt = model.ResultTypeResults
	}
	fmt.Fprintf(&b, "o=%d;l=%d;rt=%s", req.Offset, req.Limit, rt)

	if len(req.BBox) > 0 {
		b.WriteString(";bbox=")
		for i, v := range req.BBox {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	if f := normalizeFilter(req.Filter); f != "" {
		b.WriteString(";f=" + f)
	}
	if q := strings.Join(strings.Fields(req.Q), " "); q != "" {
		b.WriteString(";q=" + strconv.Quote(q))
	}
	if len(req.Properties) > 0 {
		eq := make([]string, len(req.Properties))
		for i, p := range req.Properties {
			eq[i] = strconv.Quote(p.Name) + "=" + strconv.Quote(fmt.Sprint(filter.TextValue(p.Value)))
			if p.Value == nil {
				eq[i] = strconv.Quote(p.Name) + "=null"
			}
		}
		slices.Sort(eq)
		b.WriteString(";eq=" + strings.Join(eq, "&"))
	}
	if len(req.SortBy) > 0 {
		b.WriteString(";sort=")
		for i, s := range req.SortBy {
			if i > 0 {
				b.WriteByte(',')
			}
			if s.Desc {
				b.WriteByte('-')
			}
			b.WriteString(strconv.Quote(s.Property))
		}
	}
	if len(req.SelectProperties) > 0 {
		sel := slices.Clone(req.SelectProperties)
		slices.Sort(sel)
		sel = slices.Compact(sel)
		b.WriteString(";sel=" + strings.Join(sel, ","))
	}
	if req.SkipGeometry {
		b.WriteString(";nogeom")
	}
	if c := req.CRSTransform; c != nil && c.TargetCRS != "" {
		b.WriteString(";crs=" + c.SourceCRS + ">" + c.TargetCRS)
	}
	return b.String()
}

// normalizeFilter collapses whitespace and drops it around operators,
// leaving quoted text untouched.
func normalizeFilter(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var quote rune
	pendingSpace := false
	var prev rune
	for _, r := range s {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote && prev != '\\' {
				quote = 0
			}
			prev = r
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && !isOperator(r) && !isOperator(prev) {
			b.WriteByte(' ')
		}
		pendingSpace = false
		if r == '"' || r == '\'' {
			quote = r
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func isOperator(r rune) bool {
	return strings.ContainsRune("=<>!.,()[]&|+-*/%", r)
}

func sanitizeName(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
