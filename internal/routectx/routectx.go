// Package routectx holds the active route and answers how far a tile lies
// from it.
package routectx

import (
	"fmt"
	"math"
	"sync"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tilemath"
)

// DistanceFunc returns meters between two points.
type DistanceFunc func(a, b model.LatLng) float64

type Context struct {
	mu       sync.RWMutex
	route    *model.Route
	corridor map[string]float64
	distance DistanceFunc
}

func New() *Context {
	return NewWithDistance(tilemath.Haversine)
}

func NewWithDistance(fn DistanceFunc) *Context {
	if fn == nil {
		fn = tilemath.Haversine
	}
	return &Context{corridor: make(map[string]float64), distance: fn}
}

// SetRoute replaces the active route and invalidates memoized distances.
func (c *Context) SetRoute(r model.Route) {
	cp := r
	cp.Points = append([]model.LatLng(nil), r.Points...)
	cp.Segments = append([]model.Segment(nil), r.Segments...)

	c.mu.Lock()
	c.route = &cp
	c.corridor = make(map[string]float64)
	c.mu.Unlock()
}

func (c *Context) ClearRoute() {
	c.mu.Lock()
	c.route = nil
	c.corridor = make(map[string]float64)
	c.mu.Unlock()
}

func (c *Context) HasActiveRoute() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.route != nil
}

// Route returns a copy of the active route.
func (c *Context) Route() (model.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.route == nil {
		return model.Route{}, false
	}
	return *c.route, true
}

func (c *Context) CorridorCacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.corridor)
}

// DistanceFromRoute is the minimum distance in meters from the bounds center
// to any route point, memoized per ~110m bucket of the center. It is +Inf
// without an active route.
func (c *Context) DistanceFromRoute(b model.Bounds) float64 {
	center := b.Center()
	key := bucketKey(center)

	c.mu.RLock()
	route := c.route
	if route == nil {
		c.mu.RUnlock()
		return math.Inf(1)
	}
	if d, ok := c.corridor[key]; ok {
		c.mu.RUnlock()
		return d
	}
	c.mu.RUnlock()

	d := math.Inf(1)
	for _, p := range route.Points {
		if v := c.distance(center, p); v < d {
			d = v
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// route changed while computing; the result belongs to the old one
	if c.route != route {
		if c.route == nil {
			return math.Inf(1)
		}
		return d
	}
	if cached, ok := c.corridor[key]; ok {
		return cached
	}
	c.corridor[key] = d
	return d
}

func bucketKey(p model.LatLng) string {
	return fmt.Sprintf("%.3f,%.3f", p.Lat, p.Lon)
}
