// Package router serves feature collections over HTTP.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/pgfeatures/internal/core/model"
	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
	mylog "github.com/mohammed-shakir/pgfeatures/internal/logger"
	"github.com/mohammed-shakir/pgfeatures/internal/provider"
)

const maxCreateBody = 10 << 20

// Collection is the provider surface the handlers need.
type Collection interface {
	Query(ctx context.Context, req model.QueryRequest) (*model.ResultEnvelope, error)
	Get(ctx context.Context, id any, spec *model.CRSTransformSpec) (*model.Feature, error)
	Create(ctx context.Context, payload model.FeaturePayload, transform crs.TransformFunc) (any, error)
	InputTransform(contentCRS string) (crs.TransformFunc, error)
	Fields() map[string]string
	Queryables() map[string]any
}

type Catalog interface {
	Collection(name string) (Collection, bool)
	Names() []string
}

type registryCatalog struct{ r *provider.Registry }

// FromRegistry exposes a provider registry as a Catalog.
func FromRegistry(r *provider.Registry) Catalog { return registryCatalog{r: r} }

func (c registryCatalog) Collection(name string) (Collection, bool) {
	p, ok := c.r.Get(name)
	if !ok {
		return nil, false
	}
	return p, true
}

func (c registryCatalog) Names() []string { return c.r.Names() }

type Limits struct {
	Default int
	Max     int
}

type Handlers struct {
	log    *slog.Logger
	cat    Catalog
	limits Limits
}

func New(logger *slog.Logger, cat Catalog, limits Limits) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Default <= 0 {
		limits.Default = 10
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	return &Handlers{log: logger, cat: cat, limits: limits}
}

// Mount registers the collection routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/collections", h.instrument("/collections", h.listCollections))
	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Get("/items", h.instrument("/collections/{collection}/items", h.listItems))
		r.Post("/items", h.instrument("/collections/{collection}/items", h.createItem))
		r.Get("/items/{id}", h.instrument("/collections/{collection}/items/{id}", h.getItem))
		r.Get("/queryables", h.instrument("/collections/{collection}/queryables", h.queryables))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handlers) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		ctx := r.Context()
		if name := chi.URLParam(r, "collection"); name != "" {
			ctx = mylog.WithCollection(ctx, name)
		}
		fn(sw, r.WithContext(ctx))
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (h *Handlers) collection(w http.ResponseWriter, r *http.Request) (Collection, bool) {
	name := chi.URLParam(r, "collection")
	c, ok := h.cat.Collection(name)
	if !ok {
		h.writeError(w, r, providererr.New(providererr.ErrNotFound, "lookup collection",
			fmt.Sprintf("collection %q does not exist", name)))
		return nil, false
	}
	return c, true
}

func (h *Handlers) listCollections(w http.ResponseWriter, _ *http.Request) {
	type link struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	}
	type entry struct {
		ID    string `json:"id"`
		Links []link `json:"links"`
	}
	names := h.cat.Names()
	out := struct {
		Collections []entry `json:"collections"`
	}{Collections: make([]entry, 0, len(names))}
	for _, n := range names {
		out.Collections = append(out.Collections, entry{
			ID:    n,
			Links: []link{{Href: "/collections/" + url.PathEscape(n) + "/items", Rel: "items"}},
		})
	}
	writeJSON(w, http.StatusOK, "application/json", out)
}

func (h *Handlers) listItems(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	req, err := ParseItemsRequest(r.URL.Query(), c.Fields(), h.limits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	env, err := c.Query(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setContentCRS(w, req.CRSTransform)
	writeJSON(w, http.StatusOK, "application/geo+json", env)
}

func (h *Handlers) getItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	spec := crsSpec(r.URL.Query().Get("crs"))
	f, err := c.Get(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setContentCRS(w, spec)
	writeJSON(w, http.StatusOK, "application/geo+json", f)
}

func (h *Handlers) createItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	dec.UseNumber()
	var payload model.FeaturePayload
	if err := dec.Decode(&payload); err != nil {
		h.writeError(w, r, providererr.Wrap(providererr.ErrValidation, "decode feature", err))
		return
	}
	transform, err := c.InputTransform(stripBrackets(r.Header.Get("Content-Crs")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := c.Create(r.Context(), payload, transform)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/collections/%s/items/%s",
		url.PathEscape(chi.URLParam(r, "collection")), url.PathEscape(fmt.Sprint(id))))
	writeJSON(w, http.StatusCreated, "application/json", map[string]any{"id": id})
}

func (h *Handlers) queryables(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, "application/schema+json", c.Queryables())
}

func crsSpec(target string) *model.CRSTransformSpec {
	target = stripBrackets(target)
	if target == "" {
		return nil
	}
	return &model.CRSTransformSpec{TargetCRS: target}
}

func setContentCRS(w http.ResponseWriter, spec *model.CRSTransformSpec) {
	if spec == nil {
		return
	}
	if code, err := crs.Code(spec.TargetCRS); err == nil {
		w.Header().Set("Content-Crs", "<"+crs.URI(code)+">")
	}
}

func stripBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
