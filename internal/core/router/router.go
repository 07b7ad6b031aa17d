// Package router exposes the tile cache over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/manager"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tilemath"
	"github.com/mohammed-shakir/offline-tile-cache/internal/warmer"
)

// maxBodyBytes caps JSON request bodies; long routes fit well below it.
const maxBodyBytes = 8 << 20

// Cache is the slice of the cache manager the HTTP layer drives.
type Cache interface {
	LoadTile(ctx context.Context, c model.TileCoordinate) (model.CachedTile, error)
	SetRoute(r model.Route) error
	ClearRoute()
	Route() (model.Route, bool)
	WarmCache(ctx context.Context, r model.Route) (warmer.Result, error)
	EvictTiles(ctx context.Context, required int64) (manager.EvictResult, error)
	PruneExpired(ctx context.Context) (int, error)
	CacheStats(ctx context.Context) model.CacheStats
	ClearAllCaches(ctx context.Context) error
	Config() config.CacheConfig
	UpdateConfig(ctx context.Context, p config.Partial) (config.CacheConfig, error)
}

// Mount registers the tile and control endpoints on r.
func Mount(r chi.Router, log *slog.Logger, c Cache) {
	h := &handlers{log: log, cache: c}
	r.Get("/tiles/{z}/{x}/{y}", h.observe("/tiles", h.getTile))
	r.Get("/route", h.observe("/route", h.getRoute))
	r.Put("/route", h.observe("/route", h.putRoute))
	r.Delete("/route", h.observe("/route", h.deleteRoute))
	r.Post("/route/warm", h.observe("/route/warm", h.warmRoute))
	r.Post("/evict", h.observe("/evict", h.evict))
	r.Post("/prune", h.observe("/prune", h.prune))
	r.Get("/stats", h.observe("/stats", h.stats))
	r.Delete("/cache", h.observe("/cache", h.clear))
	r.Get("/config", h.observe("/config", h.getConfig))
	r.Patch("/config", h.observe("/config", h.patchConfig))
}

type handlers struct {
	log   *slog.Logger
	cache Cache
}

func (h *handlers) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *handlers) getTile(w http.ResponseWriter, r *http.Request) {
	c, err := ParseTile(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := logger.WithTile(r.Context(), c.Key())
	t, err := h.cache.LoadTile(ctx, c)
	if err != nil {
		var status int
		switch {
		case errors.Is(err, manager.ErrNoFetcher):
			status = http.StatusNotFound
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusBadGateway
		}
		h.log.WarnContext(ctx, "tile load failed", "err", err)
		http.Error(w, "tile unavailable", status)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(t.Data))
	w.Header().Set("Content-Length", strconv.Itoa(len(t.Data)))
	w.Header().Set("Last-Modified", t.LastAccess.UTC().Format(http.TimeFormat))
	_, _ = w.Write(t.Data)
}

// ParseTile validates z/x/y path segments against the slippy-map grid.
func ParseTile(zs, xs, ys string) (model.TileCoordinate, error) {
	ys = strings.TrimSuffix(strings.TrimSuffix(ys, ".png"), ".jpg")
	z, err := strconv.Atoi(zs)
	if err != nil {
		return model.TileCoordinate{}, fmt.Errorf("invalid zoom %q", zs)
	}
	if z < 0 || z > tilemath.MaxZoom {
		return model.TileCoordinate{}, fmt.Errorf("zoom must be in [0,%d], got %d", tilemath.MaxZoom, z)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return model.TileCoordinate{}, fmt.Errorf("invalid x %q", xs)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return model.TileCoordinate{}, fmt.Errorf("invalid y %q", ys)
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return model.TileCoordinate{}, fmt.Errorf("tile %d/%d/%d outside the grid", z, x, y)
	}
	return model.TileCoordinate{Z: z, X: x, Y: y}, nil
}

func (h *handlers) getRoute(w http.ResponseWriter, _ *http.Request) {
	rt, ok := h.cache.Route()
	if !ok {
		http.Error(w, "no active route", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (h *handlers) putRoute(w http.ResponseWriter, r *http.Request) {
	var rt model.Route
	if err := decodeJSON(w, r, &rt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rt.ID == "" {
		rt.ID = logger.NewID()
	}
	if err := h.cache.SetRoute(rt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := logger.WithRouteID(r.Context(), rt.ID)
	h.log.InfoContext(ctx, "route set", "points", len(rt.Points), "segments", len(rt.Segments))
	writeJSON(w, http.StatusOK, map[string]any{"id": rt.ID, "points": len(rt.Points)})
}

func (h *handlers) deleteRoute(w http.ResponseWriter, _ *http.Request) {
	h.cache.ClearRoute()
	w.WriteHeader(http.StatusNoContent)
}

// warmRoute warms the posted route, or the active one for an empty body.
func (h *handlers) warmRoute(w http.ResponseWriter, r *http.Request) {
	var rt model.Route
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &rt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if len(rt.Points) == 0 {
		active, ok := h.cache.Route()
		if !ok {
			http.Error(w, "no route to warm", http.StatusBadRequest)
			return
		}
		rt = active
	}
	ctx := logger.WithRouteID(r.Context(), rt.ID)
	res, err := h.cache.WarmCache(ctx, rt)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrInvalidRoute) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) evict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Required int64 `json:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Required < 0 {
		http.Error(w, "required must not be negative", http.StatusBadRequest)
		return
	}
	res, err := h.cache.EvictTiles(r.Context(), req.Required)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) prune(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.PruneExpired(r.Context())
	if err != nil {
		http.Error(w, err.Error(), storageStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.CacheStats(r.Context()))
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ClearAllCaches(r.Context()); err != nil {
		http.Error(w, err.Error(), storageStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// configBody is the wire form of the cache policy; durations use
// time.ParseDuration syntax.
type configBody struct {
	MaxMemoryTiles          *int     `json:"max_memory_tiles,omitempty"`
	MaxDiskSize             *int64   `json:"max_disk_size,omitempty"`
	MemoryTTL               *string  `json:"memory_ttl,omitempty"`
	DiskTTL                 *string  `json:"disk_ttl,omitempty"`
	PreloadRadius           *float64 `json:"preload_radius,omitempty"`
	SpeculativeLoadDistance *float64 `json:"speculative_load_distance,omitempty"`
}

func toBody(c config.CacheConfig) configBody {
	mttl, dttl := c.MemoryTTL.String(), c.DiskTTL.String()
	return configBody{
		MaxMemoryTiles:          &c.MaxMemoryTiles,
		MaxDiskSize:             &c.MaxDiskSize,
		MemoryTTL:               &mttl,
		DiskTTL:                 &dttl,
		PreloadRadius:           &c.PreloadRadius,
		SpeculativeLoadDistance: &c.SpeculativeLoadDistance,
	}
}

func (b configBody) partial() (config.Partial, error) {
	p := config.Partial{
		MaxMemoryTiles:          b.MaxMemoryTiles,
		MaxDiskSize:             b.MaxDiskSize,
		PreloadRadius:           b.PreloadRadius,
		SpeculativeLoadDistance: b.SpeculativeLoadDistance,
	}
	if b.MemoryTTL != nil {
		d, err := time.ParseDuration(*b.MemoryTTL)
		if err != nil {
			return p, fmt.Errorf("memory_ttl: %w", err)
		}
		p.MemoryTTL = &d
	}
	if b.DiskTTL != nil {
		d, err := time.ParseDuration(*b.DiskTTL)
		if err != nil {
			return p, fmt.Errorf("disk_ttl: %w", err)
		}
		p.DiskTTL = &d
	}
	return p, nil
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toBody(h.cache.Config()))
}

func (h *handlers) patchConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := decodeJSON(w, r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := body.partial()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg, err := h.cache.UpdateConfig(r.Context(), p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, toBody(cfg))
}

func storageStatus(err error) int {
	if errors.Is(err, cache.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Cache = (*manager.Manager)(nil)
