package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/twpayne/go-geom"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
)

type fakeCollection struct {
	lastReq     model.QueryRequest
	lastID      any
	lastSpec    *model.CRSTransformSpec
	lastPayload model.FeaturePayload
	transformed bool

	env     *model.ResultEnvelope
	feature *model.Feature
	err     error
}

func (f *fakeCollection) Query(_ context.Context, req model.QueryRequest) (*model.ResultEnvelope, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.env, nil
}

func (f *fakeCollection) Get(_ context.Context, id any, spec *model.CRSTransformSpec) (*model.Feature, error) {
	f.lastID, f.lastSpec = id, spec
	if f.err != nil {
		return nil, f.err
	}
	return f.feature, nil
}

func (f *fakeCollection) Create(_ context.Context, p model.FeaturePayload, tr crs.TransformFunc) (any, error) {
	f.lastPayload = p
	f.transformed = tr != nil
	if f.err != nil {
		return nil, f.err
	}
	return int64(555), nil
}

func (f *fakeCollection) InputTransform(contentCRS string) (crs.TransformFunc, error) {
	return crs.OrbFactory{}.Build(orDefault(contentCRS), "EPSG:4326")
}

func orDefault(s string) string {
	if s == "" {
		return "EPSG:4326"
	}
	return s
}

func (f *fakeCollection) Fields() map[string]string {
	return map[string]string{"osm_id": "bigint", "name": "text", "waterway": "text", "width": "double precision"}
}

func (f *fakeCollection) Queryables() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"name": map[string]any{"type": "string"}}}
}

type fakeCatalog map[string]Collection

func (c fakeCatalog) Collection(name string) (Collection, bool) {
	col, ok := c[name]
	return col, ok
}

func (c fakeCatalog) Names() []string { return []string{"waterways"} }

func newServer(t *testing.T, fc *fakeCollection) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	New(slog.New(slog.NewTextHandler(io.Discard, nil)), fakeCatalog{"waterways": fc}, Limits{Default: 10, Max: 100}).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestListItems(t *testing.T) {
	fc := &fakeCollection{env: &model.ResultEnvelope{
		NumberMatched: 14, NumberReturned: 1,
		Features: []model.Feature{{ID: int64(1), Properties: map[string]any{"name": "Ruzizi"}, Geometry: geom.NewPoint(geom.XY).MustSetCoords(geom.Coord{29.2, -3.3})}},
	}}
	srv := newServer(t, fc)

	resp, body := do(t, http.MethodGet, srv.URL+"/collections/waterways/items?bbox=29,-3.5,30,-3&limit=5&waterway=river&unknown=x&crs=EPSG:3857", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Fatalf("content-type=%q", ct)
	}
	if got := resp.Header.Get("Content-Crs"); got != "<http://www.opengis.net/def/crs/EPSG/0/3857>" {
		t.Fatalf("Content-Crs=%q", got)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "FeatureCollection" || out["numberMatched"] != float64(14) {
		t.Fatalf("body=%v", out)
	}

	req := fc.lastReq
	if req.Limit != 5 || len(req.BBox) != 4 || req.BBox[1] != -3.5 {
		t.Fatalf("req=%+v", req)
	}
	if len(req.Properties) != 1 || req.Properties[0].Name != "waterway" || req.Properties[0].Value != "river" {
		t.Fatalf("property filters=%+v", req.Properties)
	}
	if req.CRSTransform == nil || req.CRSTransform.TargetCRS != "EPSG:3857" {
		t.Fatalf("crs=%+v", req.CRSTransform)
	}
}

func TestParseItemsRequest(t *testing.T) {
	fields := (&fakeCollection{}).Fields()
	lim := Limits{Default: 10, Max: 100}

	tests := []struct {
		name  string
		query string
		check func(t *testing.T, r model.QueryRequest)
	}{
		{"defaults", "", func(t *testing.T, r model.QueryRequest) {
			if r.Limit != 10 || r.Offset != 0 || r.ResultType != model.ResultTypeResults || r.CRSTransform != nil {
				t.Fatalf("req=%+v", r)
			}
		}},
		{"limit clamped", "limit=5000", func(t *testing.T, r model.QueryRequest) {
			if r.Limit != 100 {
				t.Fatalf("limit=%d", r.Limit)
			}
		}},
		{"sortby", "sortby=-width,+name,osm_id", func(t *testing.T, r model.QueryRequest) {
			want := []model.SortKey{{Property: "width", Desc: true}, {Property: "name"}, {Property: "osm_id"}}
			if len(r.SortBy) != 3 || r.SortBy[0] != want[0] || r.SortBy[1] != want[1] || r.SortBy[2] != want[2] {
				t.Fatalf("sortby=%+v", r.SortBy)
			}
		}},
		{"projection and hits", "properties=name,%20width&skipGeometry=true&resulttype=hits", func(t *testing.T, r model.QueryRequest) {
			if strings.Join(r.SelectProperties, ",") != "name,width" || !r.SkipGeometry || r.ResultType != model.ResultTypeHits {
				t.Fatalf("req=%+v", r)
			}
		}},
		{"filter and q", "filter=width%20%3E%202&filter-lang=cel&q=ruzizi%20river", func(t *testing.T, r model.QueryRequest) {
			if r.Filter != "width > 2" || r.Q != "ruzizi river" {
				t.Fatalf("filter=%q q=%q", r.Filter, r.Q)
			}
		}},
		{"equality filters sorted", "waterway=river&name=Ruzizi&limit=3", func(t *testing.T, r model.QueryRequest) {
			if len(r.Properties) != 2 || r.Properties[0].Name != "name" || r.Properties[1].Name != "waterway" {
				t.Fatalf("props=%+v", r.Properties)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vals, err := url.ParseQuery(tc.query)
			if err != nil {
				t.Fatal(err)
			}
			r, err := ParseItemsRequest(vals, fields, lim)
			if err != nil {
				t.Fatalf("ParseItemsRequest: %v", err)
			}
			tc.check(t, r)
		})
	}
}

func TestParseItemsRequest_Rejects(t *testing.T) {
	fields := (&fakeCollection{}).Fields()
	for _, q := range []string{
		"limit=-1", "limit=ten", "offset=-5", "bbox=1,2,x,4",
		"sortby=-", "skipGeometry=maybe", "resulttype=all", "filter-lang=cql2-text",
	} {
		vals, _ := url.ParseQuery(q)
		if _, err := ParseItemsRequest(vals, fields, Limits{Default: 10, Max: 100}); !errors.Is(err, providererr.ErrQuery) {
			t.Fatalf("%s: err=%v want ErrQuery", q, err)
		}
	}
}

func TestGetItem(t *testing.T) {
	fc := &fakeCollection{feature: &model.Feature{ID: int64(29090), Prev: int64(29089), Next: int64(29091)}}
	srv := newServer(t, fc)

	resp, body := do(t, http.MethodGet, srv.URL+"/collections/waterways/items/29090", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if fc.lastID != "29090" || fc.lastSpec != nil {
		t.Fatalf("id=%v spec=%v", fc.lastID, fc.lastSpec)
	}
	var out map[string]any
	_ = json.Unmarshal(body, &out)
	if out["prev"] != float64(29089) || out["next"] != float64(29091) {
		t.Fatalf("body=%v", out)
	}
}

func TestErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{providererr.New(providererr.ErrNotFound, "get", "no such id"), http.StatusNotFound},
		{providererr.New(providererr.ErrQuery, "filter", "bad"), http.StatusBadRequest},
		{providererr.New(providererr.ErrValidation, "create", "bad"), http.StatusBadRequest},
		{providererr.New(providererr.ErrConnection, "pool", "refused"), http.StatusServiceUnavailable},
		{providererr.New(providererr.ErrSchema, "reflect", "gone"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fc := &fakeCollection{err: tc.err}
		srv := newServer(t, fc)
		resp, body := do(t, http.MethodGet, srv.URL+"/collections/waterways/items/1", "", nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, resp.StatusCode, tc.want)
		}
		var p problem
		if err := json.Unmarshal(body, &p); err != nil || p.Description == "" {
			t.Fatalf("problem body=%s err=%v", body, err)
		}
	}
}

func TestUnknownCollection(t *testing.T) {
	srv := newServer(t, &fakeCollection{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/collections/lakes/items", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestCreateItem(t *testing.T) {
	fc := &fakeCollection{}
	srv := newServer(t, fc)
	body := `{"type":"Feature","id":123456,"geometry":{"type":"Point","coordinates":[3266000,-376000]},"properties":{"name":"Kanyosha","width":1.5}}`

	resp, out := do(t, http.MethodPost, srv.URL+"/collections/waterways/items", body,
		map[string]string{"Content-Type": "application/geo+json", "Content-Crs": "<http://www.opengis.net/def/crs/EPSG/0/3857>"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, out)
	}
	if loc := resp.Header.Get("Location"); loc != "/collections/waterways/items/555" {
		t.Fatalf("Location=%q", loc)
	}
	if !fc.transformed {
		t.Fatalf("Content-Crs should yield a transform")
	}
	if n, ok := fc.lastPayload.ID.(json.Number); !ok || n.String() != "123456" {
		t.Fatalf("id=%#v", fc.lastPayload.ID)
	}
	if fc.lastPayload.Properties["width"] != json.Number("1.5") {
		t.Fatalf("width=%#v", fc.lastPayload.Properties["width"])
	}
}

func TestCreateItem_BadBody(t *testing.T) {
	srv := newServer(t, &fakeCollection{})
	resp, _ := do(t, http.MethodPost, srv.URL+"/collections/waterways/items", `{"type":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/collections/waterways/items", `{}`,
		map[string]string{"Content-Crs": "EPSG:32735"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported Content-Crs status=%d want 400", resp.StatusCode)
	}
}

func TestCollectionsAndQueryables(t *testing.T) {
	srv := newServer(t, &fakeCollection{})
	resp, body := do(t, http.MethodGet, srv.URL+"/collections", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"id":"waterways"`) {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, srv.URL+"/collections/waterways/queryables", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/schema+json" {
		t.Fatalf("status=%d ct=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), `"name"`) {
		t.Fatalf("body=%s", body)
	}
}
