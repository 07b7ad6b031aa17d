package kafka

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MaxZoom is the deepest zoom an event may address.
const MaxZoom = 22

// BBox is a WGS84 box in degrees.
type BBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Event announces that map data changed inside a region. The region is a
// box, a set of H3 cells, or both. Tiles in [MinZoom, MaxZoom] touching the
// region are dropped.
type Event struct {
	ID      string    `json:"id,omitempty"`
	Source  string    `json:"source,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
	H3Cells []string  `json:"h3_cells,omitempty"`
	MinZoom *int      `json:"min_zoom,omitempty"`
	MaxZoom *int      `json:"max_zoom,omitempty"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
	Op      string    `json:"op,omitempty"`
}

func (e Event) Validate() error {
	if e.BBox == nil && len(e.H3Cells) == 0 {
		return errors.New("event needs bbox or h3_cells")
	}
	if b := e.BBox; b != nil {
		if b.South > b.North || b.West > b.East {
			return fmt.Errorf("bbox is inverted: %+v", *b)
		}
		if b.South < -90 || b.North > 90 || b.West < -180 || b.East > 180 {
			return fmt.Errorf("bbox out of range: %+v", *b)
		}
	}
	lo, hi := e.ZoomRange()
	if lo < 0 || hi > MaxZoom || lo > hi {
		return fmt.Errorf("zoom range [%d,%d] outside [0,%d]", lo, hi, MaxZoom)
	}
	return nil
}

// ZoomRange defaults to every zoom.
func (e Event) ZoomRange() (lo, hi int) {
	lo, hi = 0, MaxZoom
	if e.MinZoom != nil {
		lo = *e.MinZoom
	}
	if e.MaxZoom != nil {
		hi = *e.MaxZoom
	}
	return lo, hi
}

// DedupeKey identifies the region an event versions. Events without an ID
// are keyed by their region.
func (e Event) DedupeKey() string {
	var b strings.Builder
	b.WriteString(e.Source)
	b.WriteByte('|')
	if e.ID != "" {
		b.WriteString(e.ID)
		return b.String()
	}
	if e.BBox != nil {
		for _, v := range []float64{e.BBox.North, e.BBox.South, e.BBox.East, e.BBox.West} {
			b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
			b.WriteByte(',')
		}
	}
	cells := slices.Clone(e.H3Cells)
	slices.Sort(cells)
	b.WriteString(strings.Join(cells, ","))
	lo, hi := e.ZoomRange()
	fmt.Fprintf(&b, "|%d-%d", lo, hi)
	return b.String()
}
