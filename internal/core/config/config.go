package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds the tile cache policy knobs. Radii and distances are
// meters.
type CacheConfig struct {
	MaxMemoryTiles          int           `json:"max_memory_tiles"`
	MaxDiskSize             int64         `json:"max_disk_size"`
	MemoryTTL               time.Duration `json:"memory_ttl"`
	DiskTTL                 time.Duration `json:"disk_ttl"`
	PreloadRadius           float64       `json:"preload_radius"`
	SpeculativeLoadDistance float64       `json:"speculative_load_distance"`
}

// Partial carries runtime updates; nil fields keep their current value.
type Partial struct {
	MaxMemoryTiles          *int           `json:"max_memory_tiles,omitempty"`
	MaxDiskSize             *int64         `json:"max_disk_size,omitempty"`
	MemoryTTL               *time.Duration `json:"memory_ttl,omitempty"`
	DiskTTL                 *time.Duration `json:"disk_ttl,omitempty"`
	PreloadRadius           *float64       `json:"preload_radius,omitempty"`
	SpeculativeLoadDistance *float64       `json:"speculative_load_distance,omitempty"`
}

func DefaultCache() CacheConfig {
	return CacheConfig{
		MaxMemoryTiles:          500,
		MaxDiskSize:             500 << 20,
		MemoryTTL:               30 * time.Minute,
		DiskTTL:                 30 * 24 * time.Hour,
		PreloadRadius:           1000,
		SpeculativeLoadDistance: 2000,
	}
}

func (c CacheConfig) Merge(p Partial) CacheConfig {
	if p.MaxMemoryTiles != nil {
		c.MaxMemoryTiles = *p.MaxMemoryTiles
	}
	if p.MaxDiskSize != nil {
		c.MaxDiskSize = *p.MaxDiskSize
	}
	if p.MemoryTTL != nil {
		c.MemoryTTL = *p.MemoryTTL
	}
	if p.DiskTTL != nil {
		c.DiskTTL = *p.DiskTTL
	}
	if p.PreloadRadius != nil {
		c.PreloadRadius = *p.PreloadRadius
	}
	if p.SpeculativeLoadDistance != nil {
		c.SpeculativeLoadDistance = *p.SpeculativeLoadDistance
	}
	return c
}

func (c CacheConfig) Validate() error {
	var errs []error
	if c.MaxMemoryTiles <= 0 {
		errs = append(errs, fmt.Errorf("max_memory_tiles must be > 0, got %d", c.MaxMemoryTiles))
	}
	if c.MaxDiskSize <= 0 {
		errs = append(errs, fmt.Errorf("max_disk_size must be > 0, got %d", c.MaxDiskSize))
	}
	if c.MemoryTTL < 0 || c.DiskTTL < 0 {
		errs = append(errs, errors.New("ttls must not be negative"))
	}
	if c.PreloadRadius < 0 || c.SpeculativeLoadDistance < 0 {
		errs = append(errs, errors.New("radii must not be negative"))
	}
	return errors.Join(errs...)
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	DiskDriver      string
	BoltPath        string
	RedisAddr       string
	RedisPrefix     string
	TileURLTemplate string
	MapStyle        string
	FetchTimeout    time.Duration
	WarmWorkers     int
	MetricsEnabled  bool
	MetricsAddr     string
	Cache           CacheConfig
}

func FromEnv() Config {
	def := DefaultCache()
	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		DiskDriver:      strings.ToLower(getenv("DISK_DRIVER", "bolt")),
		BoltPath:        getenv("BOLT_PATH", "tiles.db"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:     getenv("REDIS_PREFIX", "tile"),
		TileURLTemplate: getenv("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
		MapStyle:        getenv("MAP_STYLE", "standard"),
		FetchTimeout:    getduration("FETCH_TIMEOUT", 10*time.Second),
		WarmWorkers:     getint("WARM_WORKERS", 8),
		MetricsEnabled:  getbool("METRICS_ENABLED", false),
		MetricsAddr:     getenv("METRICS_ADDR", ":9090"),
		Cache: CacheConfig{
			MaxMemoryTiles:          getint("CACHE_MAX_MEMORY_TILES", def.MaxMemoryTiles),
			MaxDiskSize:             getint64("CACHE_MAX_DISK_BYTES", def.MaxDiskSize),
			MemoryTTL:               getduration("CACHE_MEMORY_TTL", def.MemoryTTL),
			DiskTTL:                 getduration("CACHE_DISK_TTL", def.DiskTTL),
			PreloadRadius:           getfloat("CACHE_PRELOAD_RADIUS_M", def.PreloadRadius),
			SpeculativeLoadDistance: getfloat("CACHE_SPECULATIVE_DISTANCE_M", def.SpeculativeLoadDistance),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
