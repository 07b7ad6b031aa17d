// Package model defines core domain types shared across the tile cache.
package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRoute = errors.New("invalid route")

// TileCoordinate addresses one slippy-map tile.
type TileCoordinate struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Key returns the "z/x/y" cache key
func (c TileCoordinate) Key() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

func (c TileCoordinate) String() string { return c.Key() }

type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

func (b Bounds) Center() LatLng {
	return LatLng{Lat: (b.North + b.South) / 2, Lon: (b.East + b.West) / 2}
}

func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

func (b Bounds) Intersects(o Bounds) bool {
	return b.West <= o.East && o.West <= b.East && b.South <= o.North && o.South <= b.North
}

// CachedTile is a tile resident in the memory or disk tier.
type CachedTile struct {
	Key         string    `json:"key"`
	Zoom        int       `json:"zoom"`
	Bounds      Bounds    `json:"bounds"`
	Size        int64     `json:"size"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	Data        []byte    `json:"data,omitempty"`
}

// Touch records a read at t. LastAccess never moves backwards.
func (t *CachedTile) Touch(at time.Time) {
	if at.After(t.LastAccess) {
		t.LastAccess = at
	}
	t.AccessCount++
}

// ScoredTile only exists while ranking eviction candidates.
type ScoredTile struct {
	Tile  CachedTile
	Score float64
	Key   string
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type TileGroup struct {
	Priority Priority         `json:"priority"`
	Tiles    []TileCoordinate `json:"tiles"`
}

type IntersectionKind string

const (
	IntersectionNone       IntersectionKind = ""
	IntersectionRoundabout IntersectionKind = "roundabout"
	IntersectionFork       IntersectionKind = "fork"
	IntersectionMerge      IntersectionKind = "merge"
)

// Complex reports whether the maneuver warrants detailed tiles.
func (k IntersectionKind) Complex() bool {
	switch k {
	case IntersectionRoundabout, IntersectionFork, IntersectionMerge:
		return true
	default:
		return false
	}
}

// Segment spans Points[From..To] of its route.
type Segment struct {
	From         int              `json:"from"`
	To           int              `json:"to"`
	Intersection IntersectionKind `json:"intersection,omitempty"`
}

type Route struct {
	ID       string    `json:"id,omitempty"`
	Points   []LatLng  `json:"points"`
	Segments []Segment `json:"segments,omitempty"`
}

func (r Route) Validate() error {
	if len(r.Points) == 0 {
		return fmt.Errorf("%w: no points", ErrInvalidRoute)
	}
	for i, p := range r.Points {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return fmt.Errorf("%w: point %d out of range (%g,%g)", ErrInvalidRoute, i, p.Lat, p.Lon)
		}
	}
	for i, s := range r.Segments {
		if s.From < 0 || s.To < s.From || s.To >= len(r.Points) {
			return fmt.Errorf("%w: segment %d spans [%d,%d] outside %d points",
				ErrInvalidRoute, i, s.From, s.To, len(r.Points))
		}
	}
	return nil
}

// BoundingBox fails on an empty route rather than returning a zero box.
func (r Route) BoundingBox() (Bounds, error) {
	if len(r.Points) == 0 {
		return Bounds{}, fmt.Errorf("%w: bounding box of empty route", ErrInvalidRoute)
	}
	b := Bounds{North: r.Points[0].Lat, South: r.Points[0].Lat, East: r.Points[0].Lon, West: r.Points[0].Lon}
	for _, p := range r.Points[1:] {
		b.North = max(b.North, p.Lat)
		b.South = min(b.South, p.Lat)
		b.East = max(b.East, p.Lon)
		b.West = min(b.West, p.Lon)
	}
	return b, nil
}

type TierStats struct {
	Tiles int   `json:"tiles"`
	Bytes int64 `json:"bytes"`
}

type CacheStats struct {
	Memory           TierStats `json:"memory_cache"`
	Disk             TierStats `json:"disk_cache"`
	DiskUsagePercent float64   `json:"disk_usage_percent"`
}
