package eviction

import (
	"math"
	"testing"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type counts map[string]int64

func (c counts) AccessCount(k string) int64 { return c[k] }
func (c counts) MaxAccessCount() int64 {
	m := int64(0)
	for _, v := range c {
		m = max(m, v)
	}
	return m
}

type fixedRoute struct {
	active bool
	dist   map[model.Bounds]float64
}

func (f fixedRoute) HasActiveRoute() bool { return f.active }
func (f fixedRoute) DistanceFromRoute(b model.Bounds) float64 {
	if !f.active {
		return math.Inf(1)
	}
	return f.dist[b]
}

func mk(key string, zoom int, age time.Duration, size int64) model.CachedTile {
	return model.CachedTile{Key: key, Zoom: zoom, LastAccess: now.Add(-age), Size: size}
}

func almostEq(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got=%g want=%g", got, want)
	}
}

func TestScore_TermsAndCaps(t *testing.T) {
	s := NewScorer(counts{}, nil)

	// one week old, never used, zoom 16, 50KB: 30+20+15+10
	almostEq(t, s.Score(mk("a", 16, 168*time.Hour, 50*1024), now), 75)
	// older and bigger stays capped
	almostEq(t, s.Score(mk("a", 19, 1000*time.Hour, 10<<20), now), 75)
	// zoom 10 contributes nothing, half a week, 25KB
	almostEq(t, s.Score(mk("a", 10, 84*time.Hour, 25*1024), now), 15+20+0+5)
	// zoom 13 is half of the zoom budget
	almostEq(t, s.Score(mk("a", 13, 0, 0), now), 20+7.5)
}

func TestScore_RarityRelativeToMax(t *testing.T) {
	s := NewScorer(counts{"hot": 10, "warm": 5}, nil)
	almostEq(t, s.Score(mk("hot", 10, 0, 0), now), 0)
	almostEq(t, s.Score(mk("warm", 10, 0, 0), now), 10)
	almostEq(t, s.Score(mk("cold", 10, 0, 0), now), 20)
}

func TestScore_DistanceOnlyWithActiveRoute(t *testing.T) {
	b := model.Bounds{North: 1, South: 0, East: 1, West: 0}
	tile := mk("a", 10, 0, 0)
	tile.Bounds = b

	off := NewScorer(counts{}, fixedRoute{active: false})
	almostEq(t, off.Score(tile, now), 20)

	half := NewScorer(counts{}, fixedRoute{active: true, dist: map[model.Bounds]float64{b: 50_000}})
	almostEq(t, half.Score(tile, now), 20+12.5)

	far := NewScorer(counts{}, fixedRoute{active: true, dist: map[model.Bounds]float64{b: 400_000}})
	almostEq(t, far.Score(tile, now), 20+25)
}

func TestMonotonicity_OlderScoresAtLeastNewer(t *testing.T) {
	s := NewScorer(counts{"k": 2, "other": 4}, nil)
	ages := []time.Duration{2 * time.Hour, 5 * time.Hour, 30 * time.Hour, 100 * time.Hour, 168 * time.Hour, 400 * time.Hour}
	prev := -1.0
	for _, a := range ages {
		sc := s.Score(mk("k", 14, a, 12_000), now)
		if sc < prev {
			t.Fatalf("age %v scored %f < %f", a, sc, prev)
		}
		prev = sc
	}
}

func TestRank_ProtectedZoomNeverCandidate(t *testing.T) {
	s := NewScorer(counts{}, nil)
	var tiles []model.CachedTile
	for z := 0; z <= 18; z++ {
		tiles = append(tiles, mk("z"+string(rune('a'+z)), z, 10_000*time.Hour, 1<<20))
	}
	for _, st := range s.Rank(tiles, now) {
		if st.Tile.Zoom < ProtectedZoom {
			t.Fatalf("zoom %d tile ranked", st.Tile.Zoom)
		}
	}
	if got := len(s.Rank(tiles, now)); got != 9 {
		t.Fatalf("candidates=%d want 9 (zoom 10..18)", got)
	}
}

func TestRank_RecentAccessNeverCandidate(t *testing.T) {
	s := NewScorer(counts{}, nil)
	recent := mk("recent", 18, 59*time.Minute, 1<<20)
	old := mk("old", 10, 2*time.Hour, 1)
	ranked := s.Rank([]model.CachedTile{recent, old}, now)
	if len(ranked) != 1 || ranked[0].Key != "old" {
		t.Fatalf("ranked=%+v", ranked)
	}
}

func TestRank_DescendingAndStableTies(t *testing.T) {
	s := NewScorer(counts{}, nil)
	tiles := []model.CachedTile{
		mk("tie-1", 12, 10*time.Hour, 1000),
		mk("best", 16, 200*time.Hour, 1<<20),
		mk("tie-2", 12, 10*time.Hour, 1000),
		mk("low", 10, 2*time.Hour, 0),
		mk("tie-3", 12, 10*time.Hour, 1000),
	}
	got := s.Rank(tiles, now)
	want := []string{"best", "tie-1", "tie-2", "tie-3", "low"}
	if len(got) != len(want) {
		t.Fatalf("len=%d want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Key != k {
			t.Fatalf("pos %d = %s want %s (all=%v)", i, got[i].Key, k, keysOf(got))
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("not descending at %d", i)
		}
	}
}

func keysOf(s []model.ScoredTile) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.Key
	}
	return out
}
