package router

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

var reserved = map[string]struct{}{
	"limit": {}, "offset": {}, "bbox": {}, "sortby": {}, "properties": {},
	"skipGeometry": {}, "resulttype": {}, "filter": {}, "filter-lang": {},
	"q": {}, "crs": {}, "f": {},
}

func badRequest(format string, args ...any) error {
	return providererr.New(providererr.ErrQuery, "parse request", fmt.Sprintf(format, args...))
}

// ParseItemsRequest turns item query parameters into a QueryRequest.
// Parameters naming a field of the collection become equality filters;
// other unknown parameters are ignored.
func ParseItemsRequest(q url.Values, fields map[string]string, lim Limits) (model.QueryRequest, error) {
	req := model.QueryRequest{Limit: lim.Default}

	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return model.QueryRequest{}, badRequest("limit must be a non-negative integer, got %q", v)
		}
		req.Limit = min(n, lim.Max)
	}
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return model.QueryRequest{}, badRequest("offset must be a non-negative integer, got %q", v)
		}
		req.Offset = n
	}

	if v := strings.TrimSpace(q.Get("bbox")); v != "" {
		parts := strings.Split(v, ",")
		req.BBox = make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return model.QueryRequest{}, badRequest("bbox value %q is not a number", p)
			}
			req.BBox = append(req.BBox, f)
		}
	}

	if v := strings.TrimSpace(q.Get("sortby")); v != "" {
		for _, k := range splitList(v) {
			key := model.SortKey{Property: k}
			switch k[0] {
			case '-':
				key = model.SortKey{Property: k[1:], Desc: true}
			case '+':
				key.Property = k[1:]
			}
			if key.Property == "" {
				return model.QueryRequest{}, badRequest("empty sort key in %q", v)
			}
			req.SortBy = append(req.SortBy, key)
		}
	}

	req.SelectProperties = splitList(q.Get("properties"))

	if v := strings.TrimSpace(q.Get("skipGeometry")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.QueryRequest{}, badRequest("skipGeometry must be true or false, got %q", v)
		}
		req.SkipGeometry = b
	}

	rt, err := model.ParseResultType(q.Get("resulttype"))
	if err != nil {
		return model.QueryRequest{}, badRequest("%v", err)
	}
	req.ResultType = rt

	if lang := strings.TrimSpace(q.Get("filter-lang")); lang != "" && !strings.EqualFold(lang, "cel") {
		return model.QueryRequest{}, badRequest("unsupported filter-lang %q", lang)
	}
	req.Filter = strings.TrimSpace(q.Get("filter"))
	req.Q = strings.TrimSpace(q.Get("q"))
	req.CRSTransform = crsSpec(q.Get("crs"))

	var names []string
	for k := range q {
		if _, skip := reserved[k]; skip {
			continue
		}
		if _, ok := fields[k]; ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		req.Properties = append(req.Properties, model.PropertyFilter{Name: n, Value: q.Get(n)})
	}
	return req, nil
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
