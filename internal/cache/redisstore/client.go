// Package redisstore is a disk tier backed by Redis, for deployments that
// share one tile cache between devices or processes.
//
// Each tile is a hash with "meta" (JSON, no body) and "data" fields. A
// per-style "sizes" hash maps tile key to byte size and doubles as the index.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
)

const driver = "redis"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb    *redis.Client
	prefix string
	style  string
	now    func() time.Time
}

var _ cache.DiskStore = (*Client)(nil)
var _ cache.ConfigStore = (*Client)(nil)

// New connects and pings. prefix and style namespace every key so several
// map styles can share one Redis.
func New(ctx context.Context, addr, prefix, style string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if prefix == "" {
		prefix = "tile"
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp(driver, "ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb, prefix: prefix, style: style, now: time.Now}, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *Client) tileKey(key string) string { return keys.Namespaced(c.prefix, c.style, "t:"+key) }
func (c *Client) sizesKey() string          { return keys.Namespaced(c.prefix, c.style, "sizes") }
func (c *Client) configKey() string         { return keys.Namespaced(c.prefix, c.style, "config") }

func (c *Client) observe(op string, start time.Time, err error) {
	observability.ObserveStoreOp(driver, op, err, time.Since(start).Seconds())
}

func asBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}

func (c *Client) Get(ctx context.Context, key string) (model.CachedTile, bool, error) {
	start := time.Now()
	vals, err := c.rdb.HMGet(ctx, c.tileKey(key), "meta", "data").Result()
	if err != nil {
		c.observe("get", start, err)
		return model.CachedTile{}, false, fmt.Errorf("redis HMGET %q: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		c.observe("get", start, nil)
		return model.CachedTile{}, false, nil
	}
	var t model.CachedTile
	if err := json.Unmarshal(asBytes(vals[0]), &t); err != nil {
		c.observe("get", start, err)
		return model.CachedTile{}, false, fmt.Errorf("decode tile meta %q: %w", key, err)
	}
	t.Touch(c.now())
	meta, _ := json.Marshal(t)
	err = c.rdb.HSet(ctx, c.tileKey(key), "meta", meta).Err()
	c.observe("get", start, err)
	if err != nil {
		return model.CachedTile{}, false, fmt.Errorf("redis HSET touch %q: %w", key, err)
	}
	t.Data = asBytes(vals[1])
	return t, true, nil
}

func (c *Client) Put(ctx context.Context, t model.CachedTile) error {
	start := time.Now()
	if t.Key == "" {
		return errors.New("redis put: empty tile key")
	}
	if t.Size <= 0 {
		t.Size = int64(len(t.Data))
	}
	if t.LastAccess.IsZero() {
		t.LastAccess = c.now()
	}
	data := t.Data
	t.Data = nil
	meta, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tile meta %q: %w", t.Key, err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.tileKey(t.Key), "meta", meta, "data", data)
		p.HSet(ctx, c.sizesKey(), t.Key, t.Size)
		return nil
	})
	c.observe("put", start, err)
	if err != nil {
		return fmt.Errorf("redis put %q: %w", t.Key, err)
	}
	return nil
}

func (c *Client) TileByteSize(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.HGet(ctx, c.sizesKey(), key).Int64()
	if errors.Is(err, redis.Nil) {
		c.observe("size", start, nil)
		return 0, fmt.Errorf("%w: %s", cache.ErrNotFound, key)
	}
	c.observe("size", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis HGET size %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) RemoveTile(ctx context.Context, key string) error {
	start := time.Now()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.tileKey(key))
		p.HDel(ctx, c.sizesKey(), key)
		return nil
	})
	c.observe("remove", start, err)
	if err != nil {
		return fmt.Errorf("redis remove %q: %w", key, err)
	}
	return nil
}

func (c *Client) TotalBytesUsed(ctx context.Context) (int64, error) {
	start := time.Now()
	vals, err := c.rdb.HVals(ctx, c.sizesKey()).Result()
	c.observe("total", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis HVALS sizes: %w", err)
	}
	var total int64
	for _, v := range vals {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			total += n
		}
	}
	return total, nil
}

// ListAllTiles drops index entries whose tile hash is gone.
func (c *Client) ListAllTiles(ctx context.Context) ([]model.CachedTile, error) {
	start := time.Now()
	ks, err := c.rdb.HKeys(ctx, c.sizesKey()).Result()
	if err != nil {
		c.observe("list", start, err)
		return nil, fmt.Errorf("redis HKEYS sizes: %w", err)
	}
	if len(ks) == 0 {
		c.observe("list", start, nil)
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(ks))
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range ks {
			cmds[i] = p.HGet(ctx, c.tileKey(k), "meta")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		c.observe("list", start, err)
		return nil, fmt.Errorf("redis list %d tiles: %w", len(ks), err)
	}
	out := make([]model.CachedTile, 0, len(ks))
	for _, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var t model.CachedTile
		if json.Unmarshal(b, &t) == nil {
			out = append(out, t)
		}
	}
	c.observe("list", start, nil)
	return out, nil
}

func (c *Client) Clear(ctx context.Context) error {
	start := time.Now()
	ks, err := c.rdb.HKeys(ctx, c.sizesKey()).Result()
	if err != nil {
		c.observe("clear", start, err)
		return fmt.Errorf("redis HKEYS sizes: %w", err)
	}
	del := make([]string, 0, len(ks)+1)
	for _, k := range ks {
		del = append(del, c.tileKey(k))
	}
	del = append(del, c.sizesKey())
	err = c.rdb.Del(ctx, del...).Err()
	c.observe("clear", start, err)
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(del), err)
	}
	return nil
}

func (c *Client) LoadConfig(ctx context.Context) (config.CacheConfig, bool, error) {
	b, err := c.rdb.Get(ctx, c.configKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return config.CacheConfig{}, false, nil
	}
	if err != nil {
		return config.CacheConfig{}, false, fmt.Errorf("redis GET config: %w", err)
	}
	var cfg config.CacheConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return config.CacheConfig{}, false, fmt.Errorf("decode config: %w", err)
	}
	return cfg, true, nil
}

func (c *Client) SaveConfig(ctx context.Context, cfg config.CacheConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := c.rdb.Set(ctx, c.configKey(), b, 0).Err(); err != nil {
		return fmt.Errorf("redis SET config: %w", err)
	}
	return nil
}
