// Package invalidation defines the change events exchanged between
// instances when features are written.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

type Event struct {
	Version    int       `json:"version"`
	Op         string    `json:"op"`
	Collection string    `json:"collection"`
	TS         time.Time `json:"ts"`
	FeatureID  any       `json:"feature_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	BBox       *BBox     `json:"bbox,omitempty"`
}

// BBox bounds the written geometry in the storage CRS.
type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

// BoundOf returns the 2D bbox of g, or nil for a nil or empty geometry.
func BoundOf(g geom.T, srid int) *BBox {
	if g == nil {
		return nil
	}
	b := g.Bounds()
	if b.Layout().Stride() < 2 || b.Min(0) > b.Max(0) {
		return nil
	}
	return &BBox{X1: b.Min(0), Y1: b.Min(1), X2: b.Max(0), Y2: b.Max(1), SRID: fmt.Sprintf("EPSG:%d", srid)}
}

// Key identifies an event for duplicate suppression.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%s|%v|%d", e.Collection, e.Op, e.FeatureID, e.TS.UnixNano())
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox == nil {
		return nil
	}
	bb := *e.BBox
	if !strings.HasPrefix(bb.SRID, "EPSG:") {
		return fmt.Errorf("bbox.srid must be EPSG:<code>")
	}
	if bb.SRID == "EPSG:4326" {
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return fmt.Errorf("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return fmt.Errorf("bbox latitude out of range")
		}
	}
	if !(bb.X2 >= bb.X1 && bb.Y2 >= bb.Y1) {
		return fmt.Errorf("bbox must satisfy x2>=x1 and y2>=y1")
	}
	return nil
}
