// Package h3mapper turns H3 cell ids into the lat/lon bounds the tile cache
// works with.
package h3mapper

import (
	"fmt"
	"math"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func parseCell(cell string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(strings.TrimSpace(cell))); err != nil {
		return 0, fmt.Errorf("parse cell %q: %w", cell, err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", cell)
	}
	return c, nil
}

// CellBounds returns the bounding box of the cell's boundary polygon.
// Cells spanning the antimeridian get the full longitude range.
func (m *Mapper) CellBounds(cell string) (model.Bounds, error) {
	c, err := parseCell(cell)
	if err != nil {
		return model.Bounds{}, err
	}
	boundary, err := c.Boundary()
	if err != nil {
		return model.Bounds{}, fmt.Errorf("h3 boundary %s: %w", cell, err)
	}
	if len(boundary) == 0 {
		return model.Bounds{}, fmt.Errorf("h3 cell %s has no boundary", cell)
	}
	b := model.Bounds{North: -90, South: 90, East: -180, West: 180}
	for _, v := range boundary {
		b.North = math.Max(b.North, v.Lat)
		b.South = math.Min(b.South, v.Lat)
		b.East = math.Max(b.East, v.Lng)
		b.West = math.Min(b.West, v.Lng)
	}
	if b.East-b.West > 180 {
		b.East, b.West = 180, -180
	}
	return b, nil
}

// Bounds returns one box per cell; an invalid id fails the whole batch.
func (m *Mapper) Bounds(cells []string) ([]model.Bounds, error) {
	out := make([]model.Bounds, 0, len(cells))
	seen := make(map[string]struct{}, len(cells))
	for _, cell := range cells {
		if _, ok := seen[cell]; ok {
			continue
		}
		seen[cell] = struct{}{}
		b, err := m.CellBounds(cell)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// CellsAround returns the cell containing p at res plus ring rings of
// neighbors, as hex ids.
func (m *Mapper) CellsAround(p model.LatLng, res, ring int) ([]string, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("h3 resolution %d outside [0,15]", res)
	}
	if ring < 0 {
		return nil, fmt.Errorf("ring must not be negative, got %d", ring)
	}
	center, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat, Lng: p.Lon}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 cell for %+v: %w", p, err)
	}
	disk, err := h3.GridDisk(center, ring)
	if err != nil {
		return nil, fmt.Errorf("h3 grid disk %s: %w", center, err)
	}
	out := make([]string, 0, len(disk))
	for _, c := range disk {
		out = append(out, c.String())
	}
	return out, nil
}
