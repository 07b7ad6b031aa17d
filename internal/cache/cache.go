// Package cache declares the tier and collaborator contracts of the tile
// cache engine.
package cache

import (
	"context"
	"errors"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

var (
	ErrNotFound           = errors.New("tile not found")
	ErrStorageUnavailable = errors.New("tile storage unavailable")
)

// DiskStore is durable tile storage. The engine queries it and issues
// remove commands; it never mutates records directly.
type DiskStore interface {
	// Get returns the tile and records the read on the stored record.
	Get(ctx context.Context, key string) (model.CachedTile, bool, error)
	Put(ctx context.Context, tile model.CachedTile) error
	TileByteSize(ctx context.Context, key string) (int64, error)
	RemoveTile(ctx context.Context, key string) error
	TotalBytesUsed(ctx context.Context) (int64, error)
	// ListAllTiles returns metadata only; Data is left empty.
	ListAllTiles(ctx context.Context) ([]model.CachedTile, error)
	Clear(ctx context.Context) error
}

// MemoryTier is the hot in-process tier.
type MemoryTier interface {
	Get(key string) (model.CachedTile, bool)
	Peek(key string) (model.CachedTile, bool)
	Add(tile model.CachedTile)
	Remove(key string) bool
	// EvictColdest drops up to n least recently used tiles.
	EvictColdest(n int) (tiles int, bytes int64)
	Resize(capacity int) (evicted int)
	Len() int
	Bytes() int64
	Keys() []string
	Purge()
}

// Fetcher downloads raw tile bytes for a map style.
type Fetcher interface {
	Fetch(ctx context.Context, c model.TileCoordinate, style string) ([]byte, error)
}

// ConfigStore persists runtime policy changes across restarts.
type ConfigStore interface {
	// LoadConfig reports ok=false when nothing was saved yet.
	LoadConfig(ctx context.Context) (cfg config.CacheConfig, ok bool, err error)
	SaveConfig(ctx context.Context, cfg config.CacheConfig) error
}
