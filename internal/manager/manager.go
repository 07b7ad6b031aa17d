// Package manager is the tile cache orchestrator. It owns the memory tier,
// the usage tracker and the route context, and drives the disk tier only
// through cache.DiskStore.
//
// Reads go memory, then disk, then the fetcher. Space reclamation goes
// memory LRU first, then scored disk eviction. Every load or removal of a
// single tile holds that tile's key lock; concurrent loads of one key share
// a single fetch.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/keylock"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/memtier"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/eviction"
	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/routectx"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tilemath"
	"github.com/mohammed-shakir/offline-tile-cache/internal/usage"
	"github.com/mohammed-shakir/offline-tile-cache/internal/warmer"
)

// MemoryEvictFraction of the memory tier is dropped per EvictTiles call.
const MemoryEvictFraction = 0.2

var ErrNoFetcher = errors.New("no tile fetcher configured")

type Options struct {
	Logger      *slog.Logger
	Fetcher     cache.Fetcher
	ConfigStore cache.ConfigStore
	Clock       func() time.Time
	Style       string
	WarmWorkers int
	// Distance overrides the route distance function; nil uses haversine.
	Distance routectx.DistanceFunc
}

type Manager struct {
	mu  sync.RWMutex
	cfg config.CacheConfig

	mem    *memtier.Tier
	disk   cache.DiskStore
	usage  *usage.Tracker
	route  *routectx.Context
	scorer *eviction.Scorer
	locks  *keylock.Locker
	flight singleflight.Group

	fetch       cache.Fetcher
	store       cache.ConfigStore
	log         *slog.Logger
	now         func() time.Time
	style       string
	warmWorkers int
}

// EvictResult reports what one EvictTiles call reclaimed. Freed below
// Required means candidates ran out; that is not an error.
type EvictResult struct {
	Required    int64 `json:"required"`
	Freed       int64 `json:"freed"`
	MemoryTiles int   `json:"memory_tiles"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskTiles   int   `json:"disk_tiles"`
	DiskBytes   int64 `json:"disk_bytes"`
}

// New builds a manager. disk may be nil while storage is not ready; disk
// operations then degrade to misses.
func New(cfg config.CacheConfig, disk cache.DiskStore, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		cfg:         cfg,
		disk:        disk,
		usage:       usage.New(),
		locks:       keylock.New(),
		fetch:       opts.Fetcher,
		store:       opts.ConfigStore,
		log:         opts.Logger,
		now:         opts.Clock,
		style:       opts.Style,
		warmWorkers: opts.WarmWorkers,
	}
	if opts.Distance != nil {
		m.route = routectx.NewWithDistance(opts.Distance)
	} else {
		m.route = routectx.New()
	}
	m.scorer = eviction.NewScorer(m.usage, m.route)
	m.mem = memtier.New(cfg.MaxMemoryTiles, cfg.MemoryTTL,
		memtier.WithClock(opts.Clock),
		memtier.WithEvictHook(func(_ string, size int64) {
			observability.ObserveEviction("memory", 1, size)
		}),
	)
	return m, nil
}

func (m *Manager) Config() config.CacheConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) SetRoute(r model.Route) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("set route: %w", err)
	}
	m.route.SetRoute(r)
	m.log.Info("route set", "route_id", r.ID, "points", len(r.Points), "segments", len(r.Segments))
	return nil
}

func (m *Manager) ClearRoute() { m.route.ClearRoute() }

func (m *Manager) Route() (model.Route, bool) { return m.route.Route() }

// DistanceFromRoute exposes the memoized corridor distance in meters.
func (m *Manager) DistanceFromRoute(b model.Bounds) float64 { return m.route.DistanceFromRoute(b) }

func (m *Manager) CorridorCacheSize() int { return m.route.CorridorCacheSize() }

func (m *Manager) storageError(ctx context.Context, op, key string, err error) {
	observability.IncStorageError(op)
	m.log.WarnContext(logger.WithTile(ctx, key), "tile storage error, treating as miss", "op", op, "err", err)
}

// GetTile returns a cached tile, promoting disk hits into memory. Storage
// errors are logged and reported as a miss.
func (m *Manager) GetTile(ctx context.Context, key string) (model.CachedTile, bool) {
	return m.get(ctx, key, true)
}

func (m *Manager) get(ctx context.Context, key string, record bool) (model.CachedTile, bool) {
	if t, ok := m.mem.Get(key); ok {
		observability.IncTileHit("memory")
		if record {
			m.usage.RecordAccess(key)
		}
		return t, true
	}
	observability.IncTileMiss("memory")
	if m.disk == nil {
		return model.CachedTile{}, false
	}

	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return model.CachedTile{}, false
	}
	defer unlock()

	t, ok, err := m.disk.Get(ctx, key)
	if err != nil {
		m.storageError(ctx, "get", key, err)
		return model.CachedTile{}, false
	}
	if !ok {
		observability.IncTileMiss("disk")
		return model.CachedTile{}, false
	}
	observability.IncTileHit("disk")
	if record {
		m.usage.RecordAccess(key)
	}
	fillBounds(&t)
	m.mem.Add(t)
	return t, true
}

// LoadTile returns the tile from cache or downloads it and stores it in
// both tiers.
func (m *Manager) LoadTile(ctx context.Context, c model.TileCoordinate) (model.CachedTile, error) {
	return m.load(ctx, c, true)
}

func (m *Manager) load(ctx context.Context, c model.TileCoordinate, record bool) (model.CachedTile, error) {
	key := keys.Key(c)
	if t, ok := m.get(ctx, key, record); ok {
		return t, nil
	}
	if m.fetch == nil {
		return model.CachedTile{}, ErrNoFetcher
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		unlock, err := m.locks.Lock(ctx, key)
		if err != nil {
			return model.CachedTile{}, err
		}
		defer unlock()

		if t, ok := m.mem.Peek(key); ok {
			return t, nil
		}
		data, err := m.fetch.Fetch(ctx, c, m.style)
		if err != nil {
			return model.CachedTile{}, fmt.Errorf("load tile %s: %w", key, err)
		}
		now := m.now()
		t := model.CachedTile{
			Key:        key,
			Zoom:       c.Z,
			Bounds:     tilemath.TileBounds(c.Z, c.X, c.Y),
			Size:       int64(len(data)),
			LastAccess: now,
			Data:       data,
		}
		if m.disk != nil {
			if err := m.disk.Put(ctx, t); err != nil {
				m.storageError(ctx, "put", key, err)
			}
		}
		m.mem.Add(t)
		return t, nil
	})
	if err != nil {
		return model.CachedTile{}, err
	}
	if record {
		m.usage.RecordAccess(key)
	}
	return v.(model.CachedTile), nil
}

// EvictTiles frees at least required bytes if candidates allow. The memory
// tier always gives up its coldest fifth first, in its own LRU order; disk
// tiles are then removed in scorer order.
func (m *Manager) EvictTiles(ctx context.Context, required int64) (EvictResult, error) {
	res := EvictResult{Required: required}

	if n := m.mem.Len(); n > 0 {
		drop := int(math.Ceil(float64(n) * MemoryEvictFraction))
		res.MemoryTiles, res.MemoryBytes = m.mem.EvictColdest(drop)
		res.Freed += res.MemoryBytes
		observability.ObserveEviction("memory", res.MemoryTiles, res.MemoryBytes)
	}
	if res.Freed >= required || m.disk == nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("evict: %w", err)
	}

	tiles, err := m.disk.ListAllTiles(ctx)
	if err != nil {
		m.storageError(ctx, "list", "", err)
		return res, nil
	}
	m.overlayMemoryAccess(tiles)

	now := m.now()
	for _, st := range m.scorer.Rank(tiles, now) {
		if res.Freed >= required {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("evict: %w", err)
		}
		size, ok := m.removeDisk(ctx, st.Key)
		if !ok {
			continue
		}
		res.DiskTiles++
		res.DiskBytes += size
		res.Freed += size
		m.log.DebugContext(ctx, "evicted tile", "tile", st.Key, "score", st.Score, "bytes", size)
	}
	observability.ObserveEviction("disk", res.DiskTiles, res.DiskBytes)
	m.log.InfoContext(ctx, "eviction done",
		"required", required, "freed", res.Freed,
		"memory_tiles", res.MemoryTiles, "disk_tiles", res.DiskTiles)
	return res, nil
}

// overlayMemoryAccess lifts disk LastAccess to the memory copy's when newer,
// so a tile read from memory is not judged by its stale disk record.
func (m *Manager) overlayMemoryAccess(tiles []model.CachedTile) {
	for i := range tiles {
		if mt, ok := m.mem.Peek(tiles[i].Key); ok && mt.LastAccess.After(tiles[i].LastAccess) {
			tiles[i].LastAccess = mt.LastAccess
		}
		fillBounds(&tiles[i])
	}
}

// removeDisk drops one tile from both tiers under its key lock and returns
// the disk bytes released.
func (m *Manager) removeDisk(ctx context.Context, key string) (int64, bool) {
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return 0, false
	}
	defer unlock()

	size, err := m.disk.TileByteSize(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.storageError(ctx, "size", key, err)
		}
		return 0, false
	}
	if err := m.disk.RemoveTile(ctx, key); err != nil {
		m.storageError(ctx, "remove", key, err)
		return 0, false
	}
	m.mem.Remove(key)
	m.usage.Forget(key)
	return size, true
}

// WarmCache loads the route's tiles in priority order using the current
// preload radius and corridor distance.
func (m *Manager) WarmCache(ctx context.Context, r model.Route) (warmer.Result, error) {
	cfg := m.Config()
	w := warmer.New(warmer.Config{
		EndpointRadius: cfg.PreloadRadius,
		CorridorRadius: cfg.SpeculativeLoadDistance,
		Workers:        m.warmWorkers,
	}, m.log)

	ctx = logger.WithRouteID(ctx, r.ID)
	res, err := w.Warm(ctx, r, warmer.LoaderFunc(func(ctx context.Context, c model.TileCoordinate) error {
		_, err := m.load(ctx, c, false)
		return err
	}))
	if err != nil {
		return res, err
	}
	m.log.InfoContext(ctx, "route warmed", "groups", len(res.Groups), "failed", res.Failed())
	return res, nil
}

func (m *Manager) CacheStats(ctx context.Context) model.CacheStats {
	st := model.CacheStats{
		Memory: model.TierStats{Tiles: m.mem.Len(), Bytes: m.mem.Bytes()},
	}
	observability.SetMemoryTiles(st.Memory.Tiles)
	if m.disk == nil {
		return st
	}

	used, err := m.disk.TotalBytesUsed(ctx)
	if err != nil {
		m.storageError(ctx, "total", "", err)
		return st
	}
	tiles, err := m.disk.ListAllTiles(ctx)
	if err != nil {
		m.storageError(ctx, "list", "", err)
	}
	st.Disk = model.TierStats{Tiles: len(tiles), Bytes: used}
	if budget := m.Config().MaxDiskSize; budget > 0 {
		st.DiskUsagePercent = float64(used) / float64(budget) * 100
	}
	observability.SetDiskBytes(used)
	return st
}

// ClearAllCaches empties memory, usage counts and the route, then asks the
// disk tier to clear itself.
func (m *Manager) ClearAllCaches(ctx context.Context) error {
	m.mem.Purge()
	m.usage.Reset()
	m.route.ClearRoute()
	if m.disk == nil {
		return nil
	}
	if err := m.disk.Clear(ctx); err != nil {
		observability.IncStorageError("clear")
		return fmt.Errorf("clear disk tier: %w", err)
	}
	m.log.InfoContext(ctx, "all caches cleared")
	return nil
}

// UpdateConfig merges p into the running config. A new MaxMemoryTiles
// resizes the memory tier at once. MemoryTTL is fixed when the tier is
// built and only takes effect after a restart.
func (m *Manager) UpdateConfig(ctx context.Context, p config.Partial) (config.CacheConfig, error) {
	m.mu.Lock()
	merged := m.cfg.Merge(p)
	if err := merged.Validate(); err != nil {
		m.mu.Unlock()
		return m.Config(), fmt.Errorf("update config: %w", err)
	}
	prev := m.cfg
	m.cfg = merged
	// resize under m.mu so the tier's capacity matches the stored config
	evicted := 0
	if merged.MaxMemoryTiles != prev.MaxMemoryTiles {
		evicted = m.mem.Resize(merged.MaxMemoryTiles)
	}
	m.mu.Unlock()

	if merged.MaxMemoryTiles != prev.MaxMemoryTiles {
		m.log.InfoContext(ctx, "memory tier resized", "from", prev.MaxMemoryTiles, "to", merged.MaxMemoryTiles, "evicted", evicted)
	}
	if merged.MemoryTTL != prev.MemoryTTL {
		m.log.WarnContext(ctx, "memory ttl change applies after restart", "memory_ttl", merged.MemoryTTL)
	}
	if m.store != nil {
		if err := m.store.SaveConfig(ctx, merged); err != nil {
			m.storageError(ctx, "save_config", "", err)
		}
	}
	return merged, nil
}

// PruneExpired removes disk tiles not read within DiskTTL, at every zoom.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	ttl := m.Config().DiskTTL
	if ttl <= 0 || m.disk == nil {
		return 0, nil
	}
	tiles, err := m.disk.ListAllTiles(ctx)
	if err != nil {
		m.storageError(ctx, "list", "", err)
		return 0, nil
	}
	m.overlayMemoryAccess(tiles)

	cutoff := m.now().Add(-ttl)
	removed := 0
	var bytes int64
	for _, t := range tiles {
		if !t.LastAccess.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("prune: %w", err)
		}
		if size, ok := m.removeDisk(ctx, t.Key); ok {
			removed++
			bytes += size
		}
	}
	observability.ObserveEviction("disk", removed, bytes)
	if removed > 0 {
		m.log.InfoContext(ctx, "pruned expired tiles", "tiles", removed, "bytes", bytes, "disk_ttl", ttl)
	}
	return removed, nil
}

// InvalidateBounds drops every cached tile within [minZoom, maxZoom] that
// intersects b from both tiers and returns the number of distinct keys hit.
// Unlike reads, a failing disk listing is returned as an error.
func (m *Manager) InvalidateBounds(ctx context.Context, b model.Bounds, minZoom, maxZoom int) (int, error) {
	if minZoom > maxZoom {
		minZoom, maxZoom = maxZoom, minZoom
	}
	match := func(t model.CachedTile) bool {
		return t.Zoom >= minZoom && t.Zoom <= maxZoom && t.Bounds.Intersects(b)
	}

	hit := map[string]struct{}{}
	for _, key := range m.mem.Keys() {
		c, err := keys.Parse(key)
		if err != nil {
			continue
		}
		t := model.CachedTile{Key: key, Zoom: c.Z, Bounds: tilemath.TileBounds(c.Z, c.X, c.Y)}
		if match(t) && m.mem.Remove(key) {
			hit[key] = struct{}{}
		}
	}

	if m.disk != nil {
		tiles, err := m.disk.ListAllTiles(ctx)
		if err != nil {
			// stale tiles would survive on disk, so the caller must retry
			observability.IncStorageError("list")
			return len(hit), fmt.Errorf("invalidate: list disk tiles: %w", err)
		}
		for _, t := range tiles {
			fillBounds(&t)
			if !match(t) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return len(hit), fmt.Errorf("invalidate: %w", err)
			}
			if _, ok := m.removeDisk(ctx, t.Key); ok {
				hit[t.Key] = struct{}{}
			}
		}
	}
	for k := range hit {
		m.usage.Forget(k)
	}
	return len(hit), nil
}

// fillBounds derives Bounds and Zoom from the key for records stored
// without them.
func fillBounds(t *model.CachedTile) {
	if t.Bounds != (model.Bounds{}) {
		return
	}
	c, err := keys.Parse(t.Key)
	if err != nil {
		return
	}
	t.Zoom = c.Z
	t.Bounds = tilemath.TileBounds(c.Z, c.X, c.Y)
}
