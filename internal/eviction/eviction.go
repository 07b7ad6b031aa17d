// Package eviction ranks disk-tier tiles for removal.
//
// Each tile gets a weighted score, higher meaning more evictable. Every term
// is capped:
//
//	age        0-30  one week of idleness saturates
//	rarity     0-20  relative to the most accessed tile
//	distance   0-25  100 km from the active route saturates; 0 without a route
//	zoom       0-15  zoom 10 scores 0, zoom 16 and deeper score 15
//	size       0-10  50 KB saturates
//
// Tiles read within the last hour and overview tiles below zoom 10 are never
// candidates. Ties keep input order (stable sort), which makes rankings
// reproducible for a given candidate list.
package eviction

import (
	"math"
	"slices"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

const (
	ProtectedZoom = 10
	RecentWindow  = time.Hour

	ageWeight      = 30.0
	ageCapHours    = 168.0
	rarityWeight   = 20.0
	distanceWeight = 25.0
	distanceCapM   = 100_000.0
	zoomWeight     = 15.0
	zoomSpan       = 6.0
	sizeWeight     = 10.0
	sizeCapBytes   = 50 * 1024.0
)

type AccessCounter interface {
	AccessCount(key string) int64
	MaxAccessCount() int64
}

type RouteDistance interface {
	HasActiveRoute() bool
	DistanceFromRoute(b model.Bounds) float64
}

type Scorer struct {
	usage AccessCounter
	route RouteDistance
}

func NewScorer(u AccessCounter, r RouteDistance) *Scorer {
	return &Scorer{usage: u, route: r}
}

// Eligible reports whether policy allows evicting t at now.
func Eligible(t model.CachedTile, now time.Time) bool {
	if t.Zoom < ProtectedZoom {
		return false
	}
	return now.Sub(t.LastAccess) >= RecentWindow
}

func (s *Scorer) Candidates(tiles []model.CachedTile, now time.Time) []model.CachedTile {
	out := make([]model.CachedTile, 0, len(tiles))
	for _, t := range tiles {
		if Eligible(t, now) {
			out = append(out, t)
		}
	}
	return out
}

// Rank filters, scores and orders tiles from most to least evictable.
func (s *Scorer) Rank(tiles []model.CachedTile, now time.Time) []model.ScoredTile {
	cands := s.Candidates(tiles, now)
	out := make([]model.ScoredTile, len(cands))
	routed := s.route != nil && s.route.HasActiveRoute()
	maxCount := int64(0)
	if s.usage != nil {
		maxCount = s.usage.MaxAccessCount()
	}
	for i, t := range cands {
		out[i] = model.ScoredTile{Tile: t, Key: t.Key, Score: s.score(t, now, routed, maxCount)}
	}
	slices.SortStableFunc(out, func(a, b model.ScoredTile) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Score computes the composite score without the eligibility filter.
func (s *Scorer) Score(t model.CachedTile, now time.Time) float64 {
	routed := s.route != nil && s.route.HasActiveRoute()
	maxCount := int64(0)
	if s.usage != nil {
		maxCount = s.usage.MaxAccessCount()
	}
	return s.score(t, now, routed, maxCount)
}

func (s *Scorer) score(t model.CachedTile, now time.Time, routed bool, maxCount int64) float64 {
	score := ageScore(now.Sub(t.LastAccess))

	count := int64(0)
	if s.usage != nil {
		count = s.usage.AccessCount(t.Key)
	}
	score += rarityScore(count, maxCount)

	if routed {
		score += distanceScore(s.route.DistanceFromRoute(t.Bounds))
	}
	score += zoomScore(t.Zoom)
	score += sizeScore(t.Size)
	return score
}

func ageScore(age time.Duration) float64 {
	h := math.Max(0, age.Hours())
	return math.Min(h, ageCapHours) / ageCapHours * ageWeight
}

func rarityScore(count, maxCount int64) float64 {
	ratio := 1.0
	if maxCount > 0 {
		ratio = 1 - math.Min(float64(count)/float64(maxCount), 1)
	}
	return ratio * rarityWeight
}

func distanceScore(meters float64) float64 {
	if math.IsNaN(meters) {
		return 0
	}
	return math.Min(meters/distanceCapM, 1) * distanceWeight
}

func zoomScore(zoom int) float64 {
	if zoom < ProtectedZoom {
		return 0
	}
	return math.Min(float64(zoom-ProtectedZoom)/zoomSpan, 1) * zoomWeight
}

func sizeScore(size int64) float64 {
	if size <= 0 {
		return 0
	}
	return math.Min(float64(size)/sizeCapBytes, 1) * sizeWeight
}
