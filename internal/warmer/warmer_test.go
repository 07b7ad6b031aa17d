package warmer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tilemath"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Stockholm -> Södertälje, roughly along E4
func shortRoute() model.Route {
	return model.Route{
		ID: "e4-south",
		Points: []model.LatLng{
			{Lat: 59.3293, Lon: 18.0686},
			{Lat: 59.3000, Lon: 18.0200},
			{Lat: 59.2700, Lon: 17.9500},
			{Lat: 59.2300, Lon: 17.8000},
			{Lat: 59.1955, Lon: 17.6253},
		},
		Segments: []model.Segment{
			{From: 1, To: 2, Intersection: model.IntersectionRoundabout},
			{From: 2, To: 3, Intersection: model.IntersectionNone},
		},
	}
}

func groupByPriority(t *testing.T, gs []model.TileGroup) map[model.Priority]model.TileGroup {
	t.Helper()
	out := map[model.Priority]model.TileGroup{}
	for _, g := range gs {
		out[g.Priority] = g
	}
	return out
}

func TestGroups_ZoomsPerPriority(t *testing.T) {
	w := New(Config{}, quietLogger())
	gs, err := w.Groups(shortRoute())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(gs) != 3 || gs[0].Priority != model.PriorityHigh || gs[1].Priority != model.PriorityMedium || gs[2].Priority != model.PriorityLow {
		t.Fatalf("unexpected group order: %+v", gs)
	}
	by := groupByPriority(t, gs)

	z15 := 0
	for _, c := range by[model.PriorityHigh].Tiles {
		switch c.Z {
		case DetailZoom:
		case IntersectionZoom:
			z15++
		default:
			t.Fatalf("high group has zoom %d", c.Z)
		}
	}
	if z15 == 0 {
		t.Fatalf("expected roundabout tiles at zoom %d", IntersectionZoom)
	}
	for _, c := range by[model.PriorityMedium].Tiles {
		if c.Z != CorridorZoom {
			t.Fatalf("medium group has zoom %d", c.Z)
		}
	}
	for _, c := range by[model.PriorityLow].Tiles {
		if c.Z != OverviewZoom {
			t.Fatalf("low group has zoom %d", c.Z)
		}
	}

	// start and end tiles are present in the detail set
	start := tilemath.Coordinate(59.3293, 18.0686, DetailZoom)
	end := tilemath.Coordinate(59.1955, 17.6253, DetailZoom)
	if !contains(by[model.PriorityHigh].Tiles, start) || !contains(by[model.PriorityHigh].Tiles, end) {
		t.Fatalf("endpoint tiles missing from high group")
	}
}

func TestGroups_NoDuplicatesWithinGroup(t *testing.T) {
	r := shortRoute()
	// repeated points produce identical tiles
	r.Points = append(r.Points, r.Points...)
	w := New(Config{}, quietLogger())
	gs, err := w.Groups(r)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	for _, g := range gs {
		seen := map[model.TileCoordinate]bool{}
		for _, c := range g.Tiles {
			if seen[c] {
				t.Fatalf("%s group has duplicate %v", g.Priority, c)
			}
			seen[c] = true
		}
	}
}

func TestGroups_LowCoversBoundingBox(t *testing.T) {
	w := New(Config{}, quietLogger())
	r := shortRoute()
	gs, _ := w.Groups(r)
	low := groupByPriority(t, gs)[model.PriorityLow]
	for _, p := range r.Points {
		if !contains(low.Tiles, tilemath.Coordinate(p.Lat, p.Lon, OverviewZoom)) {
			t.Fatalf("overview misses point %+v", p)
		}
	}
}

func TestGroups_EmptyRouteFailsFast(t *testing.T) {
	w := New(Config{}, quietLogger())
	if _, err := w.Groups(model.Route{}); !errors.Is(err, model.ErrInvalidRoute) {
		t.Fatalf("err=%v want ErrInvalidRoute", err)
	}
	if _, err := w.Warm(context.Background(), model.Route{}, LoaderFunc(func(context.Context, model.TileCoordinate) error { return nil })); !errors.Is(err, model.ErrInvalidRoute) {
		t.Fatalf("Warm err=%v want ErrInvalidRoute", err)
	}
}

func TestSampleCorridor_Interval(t *testing.T) {
	pts := make([]model.LatLng, 1000)
	if got := len(SampleCorridor(pts)); got != 200 {
		t.Fatalf("1000 points -> %d samples, want 200 (step 5)", got)
	}
	if got := len(SampleCorridor(pts[:150])); got != 150 {
		t.Fatalf("150 points -> %d samples, want 150 (step 1)", got)
	}
	if got := len(SampleCorridor(pts[:401])); got != 201 {
		t.Fatalf("401 points -> %d samples, want 201 (step 2)", got)
	}
}

func TestWarm_PriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int
	l := LoaderFunc(func(_ context.Context, c model.TileCoordinate) error {
		mu.Lock()
		order = append(order, c.Z)
		mu.Unlock()
		return nil
	})

	w := New(Config{Workers: 4}, quietLogger())
	res, err := w.Warm(context.Background(), shortRoute(), l)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}

	rank := func(z int) int {
		switch z {
		case DetailZoom, IntersectionZoom:
			return 3
		case CorridorZoom:
			return 2
		default:
			return 1
		}
	}
	for i := 1; i < len(order); i++ {
		if rank(order[i]) > rank(order[i-1]) {
			t.Fatalf("zoom %d loaded after lower priority zoom %d at %d", order[i], order[i-1], i)
		}
	}

	total := 0
	for _, g := range res.Groups {
		total += g.Requested
		if g.Loaded != g.Requested || g.Failed != 0 {
			t.Fatalf("group %s: %+v", g.Priority, g)
		}
	}
	if total != len(order) {
		t.Fatalf("requested=%d loaded calls=%d", total, len(order))
	}
}

func TestWarm_FailureDoesNotAbortGroup(t *testing.T) {
	var calls atomic.Int64
	l := LoaderFunc(func(_ context.Context, c model.TileCoordinate) error {
		calls.Add(1)
		if c.X%2 == 0 {
			return errors.New("offline")
		}
		return nil
	})

	w := New(Config{Workers: 3}, quietLogger())
	res, err := w.Warm(context.Background(), shortRoute(), l)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	requested := 0
	for _, g := range res.Groups {
		requested += g.Requested
		if g.Loaded+g.Failed != g.Requested {
			t.Fatalf("group %s lost tiles: %+v", g.Priority, g)
		}
	}
	if int(calls.Load()) != requested {
		t.Fatalf("calls=%d requested=%d", calls.Load(), requested)
	}
	if res.Failed() == 0 {
		t.Fatalf("expected some failures")
	}
}

func TestWarm_CanceledBetweenGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lowCalls atomic.Int64
	l := LoaderFunc(func(_ context.Context, c model.TileCoordinate) error {
		if c.Z == OverviewZoom {
			lowCalls.Add(1)
		}
		if c.Z == CorridorZoom {
			cancel()
		}
		return nil
	})

	w := New(Config{Workers: 1}, quietLogger())
	res, err := w.Warm(ctx, shortRoute(), l)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if lowCalls.Load() != 0 {
		t.Fatalf("low group started after cancel")
	}
	if len(res.Groups) != 2 {
		t.Fatalf("groups run=%d want 2", len(res.Groups))
	}
	for _, g := range res.Groups {
		if g.Loaded+g.Failed+g.Skipped != g.Requested {
			t.Fatalf("group %s does not add up: %+v", g.Priority, g)
		}
	}
	if g := res.Groups[1]; g.Requested > 1 && g.Skipped == 0 {
		t.Fatalf("tiles after cancel not reported as skipped: %+v", g)
	}
}

func contains(cs []model.TileCoordinate, c model.TileCoordinate) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}
