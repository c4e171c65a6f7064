// Package crs builds coordinate transforms between named reference systems.
package crs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/twpayne/go-geom"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

const (
	WGS84       = 4326
	WebMercator = 3857
)

// TransformFunc returns a transformed copy of g; g is left untouched.
// Only x and y move. Z and M ordinates are carried over as they are.
type TransformFunc func(g geom.T) geom.T

// Factory builds the transform from source to target. It returns a nil
// func when no transform is needed.
type Factory interface {
	Build(source, target string) (TransformFunc, error)
}

// OrbFactory supports WGS84 (EPSG:4326, CRS84) and Web Mercator
// (EPSG:3857 and its aliases). Coordinates are always x/y (lon/lat).
type OrbFactory struct{}

var _ Factory = OrbFactory{}

func (OrbFactory) Build(source, target string) (TransformFunc, error) {
	src, err := Code(source)
	if err != nil {
		return nil, err
	}
	dst, err := Code(target)
	if err != nil {
		return nil, err
	}
	switch {
	case src == dst:
		return nil, nil
	case src == WGS84 && dst == WebMercator:
		return using(project.WGS84.ToMercator), nil
	case src == WebMercator && dst == WGS84:
		return using(project.Mercator.ToWGS84), nil
	}
	return nil, providererr.New(providererr.ErrQuery, "crs",
		fmt.Sprintf("no transform from EPSG:%d to EPSG:%d", src, dst))
}

func using(p orb.Projection) TransformFunc {
	return func(g geom.T) geom.T {
		if g == nil {
			return nil
		}
		return reproject(g, p)
	}
}

func reproject(g geom.T, p orb.Projection) geom.T {
	var out geom.T
	switch g := g.(type) {
	case *geom.Point:
		out = g.Clone()
	case *geom.LineString:
		out = g.Clone()
	case *geom.Polygon:
		out = g.Clone()
	case *geom.MultiPoint:
		out = g.Clone()
	case *geom.MultiLineString:
		out = g.Clone()
	case *geom.MultiPolygon:
		out = g.Clone()
	case *geom.GeometryCollection:
		parts := make([]geom.T, 0, g.NumGeoms())
		for _, child := range g.Geoms() {
			parts = append(parts, reproject(child, p))
		}
		gc := geom.NewGeometryCollection().SetSRID(g.SRID())
		if err := gc.Push(parts...); err != nil {
			return nil
		}
		return gc
	default:
		return nil
	}
	flat, stride := out.FlatCoords(), out.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		pt := p(orb.Point{flat[i], flat[i+1]})
		flat[i], flat[i+1] = pt[0], pt[1]
	}
	return out
}

var aliases = map[int]int{
	900913: WebMercator,
	3785:   WebMercator,
	102100: WebMercator,
	102113: WebMercator,
}

// Code resolves a CRS name to an EPSG code. It accepts "EPSG:n", bare
// numbers, OGC CRS URIs and CRS84.
func Code(name string) (int, error) {
	s := strings.TrimSpace(name)
	upper := strings.ToUpper(s)
	if upper == "CRS84" || strings.HasSuffix(upper, "/CRS84") || upper == "OGC:CRS84" {
		return WGS84, nil
	}
	switch {
	case strings.HasPrefix(upper, "EPSG:"):
		s = s[len("EPSG:"):]
	case strings.Contains(upper, "/EPSG/"):
		s = s[strings.LastIndex(s, "/")+1:]
	case strings.HasPrefix(upper, "URN:OGC:DEF:CRS:EPSG:"):
		s = s[strings.LastIndex(s, ":")+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, providererr.New(providererr.ErrQuery, "crs", fmt.Sprintf("unrecognised crs %q", name))
	}
	if canon, ok := aliases[n]; ok {
		n = canon
	}
	return n, nil
}

// URI renders the OGC URI for an EPSG code.
func URI(code int) string {
	if code == WGS84 {
		return "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	}
	return "http://www.opengis.net/def/crs/EPSG/0/" + strconv.Itoa(code)
}
