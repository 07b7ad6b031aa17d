// Package warmer computes prioritized tile groups along a route and loads
// them before connectivity is lost.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tilemath"
)

const (
	DetailZoom       = 16
	IntersectionZoom = 15
	CorridorZoom     = 14
	OverviewZoom     = 10

	DefaultEndpointRadius = 1000.0
	IntersectionRadius    = 500.0
	DefaultCorridorRadius = 2000.0

	// corridor sampling keeps roughly this many points
	corridorSamples = 200
)

// Loader makes one tile resident. Implementations must be safe for
// concurrent use.
type Loader interface {
	LoadTile(ctx context.Context, c model.TileCoordinate) error
}

type LoaderFunc func(ctx context.Context, c model.TileCoordinate) error

func (f LoaderFunc) LoadTile(ctx context.Context, c model.TileCoordinate) error { return f(ctx, c) }

type Config struct {
	EndpointRadius float64
	CorridorRadius float64
	Workers        int
}

type Warmer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Warmer {
	if cfg.EndpointRadius <= 0 {
		cfg.EndpointRadius = DefaultEndpointRadius
	}
	if cfg.CorridorRadius <= 0 {
		cfg.CorridorRadius = DefaultCorridorRadius
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Warmer{cfg: cfg, log: log}
}

type GroupResult struct {
	Priority  model.Priority `json:"priority"`
	Requested int            `json:"requested"`
	Loaded    int            `json:"loaded"`
	Failed    int            `json:"failed"`
	// Skipped tiles were never attempted because ctx was canceled.
	Skipped int `json:"skipped"`
}

type Result struct {
	Groups []GroupResult `json:"groups"`
}

func (r Result) Failed() int {
	n := 0
	for _, g := range r.Groups {
		n += g.Failed
	}
	return n
}

// Groups returns HIGH, MEDIUM and LOW groups for the route, each free of
// duplicate coordinates. Duplicates across groups are kept.
func (w *Warmer) Groups(r model.Route) ([]model.TileGroup, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("warm groups: %w", err)
	}

	high := newGroup(model.PriorityHigh)
	start, end := r.Points[0], r.Points[len(r.Points)-1]
	high.add(tilemath.TilesAround(start, w.cfg.EndpointRadius, DetailZoom)...)
	high.add(tilemath.TilesAround(end, w.cfg.EndpointRadius, DetailZoom)...)
	for _, s := range r.Segments {
		if !s.Intersection.Complex() {
			continue
		}
		high.add(tilemath.TilesAround(r.Points[s.From], IntersectionRadius, IntersectionZoom)...)
		if s.To != s.From {
			high.add(tilemath.TilesAround(r.Points[s.To], IntersectionRadius, IntersectionZoom)...)
		}
	}

	medium := newGroup(model.PriorityMedium)
	for _, p := range SampleCorridor(r.Points) {
		medium.add(tilemath.TilesAround(p, w.cfg.CorridorRadius, CorridorZoom)...)
	}

	low := newGroup(model.PriorityLow)
	bb, err := r.BoundingBox()
	if err != nil {
		return nil, fmt.Errorf("warm groups: %w", err)
	}
	low.add(tilemath.TilesInBounds(bb, OverviewZoom)...)

	return []model.TileGroup{high.group(), medium.group(), low.group()}, nil
}

// SampleCorridor keeps every max(1, n/200)-th point.
func SampleCorridor(points []model.LatLng) []model.LatLng {
	step := max(1, len(points)/corridorSamples)
	out := make([]model.LatLng, 0, len(points)/step+1)
	for i := 0; i < len(points); i += step {
		out = append(out, points[i])
	}
	return out
}

// Warm loads the route's groups in priority order. A group finishes before
// the next starts; inside a group loads run concurrently and a failed tile
// never aborts the rest. Cancellation is honored between groups and before
// each load.
func (w *Warmer) Warm(ctx context.Context, r model.Route, l Loader) (Result, error) {
	groups, err := w.Groups(r)
	if err != nil {
		return Result{}, err
	}
	return w.LoadGroups(ctx, groups, l)
}

func (w *Warmer) LoadGroups(ctx context.Context, groups []model.TileGroup, l Loader) (Result, error) {
	var res Result
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("warm canceled before %s group: %w", g.Priority, err)
		}
		gr := w.loadGroup(ctx, g, l)
		res.Groups = append(res.Groups, gr)
		w.log.DebugContext(ctx, "warm group done",
			"priority", g.Priority.String(),
			"requested", gr.Requested, "loaded", gr.Loaded, "failed", gr.Failed, "skipped", gr.Skipped)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("warm canceled: %w", err)
	}
	return res, nil
}

func (w *Warmer) loadGroup(ctx context.Context, g model.TileGroup, l Loader) GroupResult {
	var loaded, failed, skipped atomic.Int64
	prio := g.Priority.String()

	var eg errgroup.Group
	eg.SetLimit(w.cfg.Workers)
	for i, c := range g.Tiles {
		if ctx.Err() != nil {
			skipped.Add(int64(len(g.Tiles) - i))
			break
		}
		eg.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			if err := l.LoadTile(ctx, c); err != nil {
				failed.Add(1)
				observability.ObserveWarmLoad(prio, false)
				w.log.WarnContext(ctx, "warm load failed", "tile", c.Key(), "priority", prio, "err", err)
				return nil
			}
			loaded.Add(1)
			observability.ObserveWarmLoad(prio, true)
			return nil
		})
	}
	_ = eg.Wait()

	return GroupResult{
		Priority:  g.Priority,
		Requested: len(g.Tiles),
		Loaded:    int(loaded.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
}

type groupBuilder struct {
	prio  model.Priority
	seen  map[model.TileCoordinate]struct{}
	tiles []model.TileCoordinate
}

func newGroup(p model.Priority) *groupBuilder {
	return &groupBuilder{prio: p, seen: make(map[model.TileCoordinate]struct{})}
}

func (g *groupBuilder) add(cs ...model.TileCoordinate) {
	for _, c := range cs {
		if _, ok := g.seen[c]; ok {
			continue
		}
		g.seen[c] = struct{}{}
		g.tiles = append(g.tiles, c)
	}
}

func (g *groupBuilder) group() model.TileGroup {
	return model.TileGroup{Priority: g.prio, Tiles: g.tiles}
}
