// Package tilemath converts between geographic coordinates and slippy-map
// tile indexes (Web Mercator, the z/x/y scheme used by standard tile servers).
package tilemath

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

// MaxLat is the latitude limit of the square Web Mercator world.
const MaxLat = 85.05112878

const MaxZoom = 22

func ClampLat(lat float64) float64 {
	return math.Max(-MaxLat, math.Min(MaxLat, lat))
}

func clampLon(lon float64) float64 {
	if lon < -180 {
		return -180
	}
	// 180 folds onto the last column instead of wrapping to x=2^z
	if lon >= 180 {
		return math.Nextafter(180, 0)
	}
	return lon
}

// ToTile returns the column and row containing (lat, lon) at zoom. Callers
// clamp latitude with ClampLat first; out-of-range input yields edge tiles.
func ToTile(lat, lon float64, zoom int) (x, y int) {
	t := maptile.At(orb.Point{clampLon(lon), ClampLat(lat)}, maptile.Zoom(zoom))
	n := 1 << zoom
	return clampIndex(int(t.X), n), clampIndex(int(t.Y), n)
}

func Coordinate(lat, lon float64, zoom int) model.TileCoordinate {
	x, y := ToTile(lat, lon, zoom)
	return model.TileCoordinate{Z: zoom, X: x, Y: y}
}

// TileBounds is the inverse of ToTile.
func TileBounds(z, x, y int) model.Bounds {
	b := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	return FromOrb(b)
}

func FromOrb(b orb.Bound) model.Bounds {
	return model.Bounds{North: b.Top(), South: b.Bottom(), East: b.Right(), West: b.Left()}
}

func ToOrb(b model.Bounds) orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// TilesInBounds lists the tiles covering b at zoom, row-major from the
// north-west corner.
func TilesInBounds(b model.Bounds, zoom int) []model.TileCoordinate {
	minX, minY := ToTile(b.North, b.West, zoom)
	maxX, maxY := ToTile(b.South, b.East, zoom)
	if maxX < minX || maxY < minY {
		return nil
	}
	out := make([]model.TileCoordinate, 0, (maxX-minX+1)*(maxY-minY+1))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			out = append(out, model.TileCoordinate{Z: zoom, X: x, Y: y})
		}
	}
	return out
}

// TilesAround lists the tiles within radius meters of p at zoom.
func TilesAround(p model.LatLng, radius float64, zoom int) []model.TileCoordinate {
	b := geo.NewBoundAroundPoint(orb.Point{p.Lon, p.Lat}, radius)
	return TilesInBounds(FromOrb(b), zoom)
}

// Haversine is the great-circle distance in meters.
func Haversine(a, b model.LatLng) float64 {
	return geo.DistanceHaversine(orb.Point{a.Lon, a.Lat}, orb.Point{b.Lon, b.Lat})
}

func clampIndex(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
