// Package model defines core domain types shared across the service.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

type ResultType string

const (
	ResultTypeResults ResultType = "results"
	ResultTypeHits    ResultType = "hits"
)

// ParseResultType accepts "" (results), "results" or "hits".
func ParseResultType(s string) (ResultType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ResultTypeResults):
		return ResultTypeResults, nil
	case string(ResultTypeHits):
		return ResultTypeHits, nil
	default:
		return "", fmt.Errorf("unknown resulttype %q", s)
	}
}

type SortKey struct {
	Property string
	Desc     bool
}

type PropertyFilter struct {
	Name  string
	Value any
}

// CRSTransformSpec names the source (storage) and target (output) CRS.
type CRSTransformSpec struct {
	SourceCRS string
	TargetCRS string
}

type QueryRequest struct {
	Offset           int
	Limit            int
	ResultType       ResultType
	BBox             []float64 // empty or minx,miny,maxx,maxy
	Filter           string    // predicate expression
	Q                string    // free text search terms
	Properties       []PropertyFilter
	SortBy           []SortKey
	SelectProperties []string
	SkipGeometry     bool
	CRSTransform     *CRSTransformSpec
}

type Feature struct {
	ID         any
	Properties map[string]any
	Geometry   geom.T
	// neighbours, set by single item lookups only
	Prev any
	Next any
}

type featureJSON struct {
	Type       string          `json:"type"`
	ID         any             `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
	Prev       any             `json:"prev,omitempty"`
	Next       any             `json:"next,omitempty"`
}

var nullGeometry = json.RawMessage("null")

func (f Feature) MarshalJSON() ([]byte, error) {
	out := featureJSON{
		Type:       "Feature",
		ID:         f.ID,
		Geometry:   nullGeometry,
		Properties: f.Properties,
		Prev:       f.Prev,
		Next:       f.Next,
	}
	if out.Properties == nil {
		out.Properties = map[string]any{}
	}
	if f.Geometry != nil {
		g, err := geojson.Marshal(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("marshal geometry: %w", err)
		}
		out.Geometry = g
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps numbers as json.Number so identifiers survive a round trip.
func (f *Feature) UnmarshalJSON(b []byte) error {
	var in featureJSON
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("decode feature: %w", err)
	}
	if in.Type != "" && in.Type != "Feature" {
		return fmt.Errorf("unexpected type %q", in.Type)
	}
	var g geom.T
	if len(in.Geometry) > 0 && !bytes.Equal(bytes.TrimSpace(in.Geometry), nullGeometry) {
		if err := geojson.Unmarshal(in.Geometry, &g); err != nil {
			return fmt.Errorf("decode geometry: %w", err)
		}
	}
	*f = Feature{
		ID:         in.ID,
		Properties: in.Properties,
		Geometry:   g,
		Prev:       in.Prev,
		Next:       in.Next,
	}
	return nil
}

type ResultEnvelope struct {
	NumberMatched  int
	NumberReturned int
	Features       []Feature
}

type envelopeJSON struct {
	Type           string    `json:"type"`
	Features       []Feature `json:"features"`
	NumberMatched  int       `json:"numberMatched"`
	NumberReturned int       `json:"numberReturned"`
}

func (e ResultEnvelope) MarshalJSON() ([]byte, error) {
	feats := e.Features
	if feats == nil {
		feats = []Feature{}
	}
	return json.Marshal(envelopeJSON{
		Type:           "FeatureCollection",
		Features:       feats,
		NumberMatched:  e.NumberMatched,
		NumberReturned: e.NumberReturned,
	})
}

func (e *ResultEnvelope) UnmarshalJSON(b []byte) error {
	var in envelopeJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("decode feature collection: %w", err)
	}
	*e = ResultEnvelope{
		NumberMatched:  in.NumberMatched,
		NumberReturned: in.NumberReturned,
		Features:       in.Features,
	}
	return nil
}

// FeaturePayload is the body of a create request.
type FeaturePayload struct {
	ID         any             `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// HasGeometry reports whether the payload carries a non-null geometry.
func (p FeaturePayload) HasGeometry() bool {
	g := bytes.TrimSpace(p.Geometry)
	return len(g) > 0 && !bytes.Equal(g, nullGeometry)
}
