// Package boltstore is the on-device disk tier backed by a bbolt file.
//
// Tile bodies and their metadata live in separate buckets so listing for
// eviction never reads image bytes. A running byte total is kept in the
// stats bucket and updated in the same transaction as every write. Reads
// only open read transactions; their LastAccess and AccessCount updates are
// buffered and written back in one batch.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
)

const driver = "bolt"

var (
	bucketData   = []byte("tiles")
	bucketMeta   = []byte("meta")
	bucketStats  = []byte("stats")
	bucketConfig = []byte("config")

	keyBytes  = []byte("bytes")
	keyPolicy = []byte("policy")
)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithOpenTimeout(d time.Duration) Option {
	return func(s *Store) { s.openTimeout = d }
}

// WithTouchFlush writes buffered reads back once maxPending keys are
// buffered or every has passed since the last flush.
func WithTouchFlush(every time.Duration, maxPending int) Option {
	return func(s *Store) {
		s.flushEvery = every
		s.maxPending = maxPending
	}
}

type touch struct {
	last time.Time
	n    int64
}

type Store struct {
	db          *bolt.DB
	now         func() time.Time
	openTimeout time.Duration

	tmu        sync.Mutex
	touches    map[string]touch
	lastFlush  time.Time
	flushEvery time.Duration
	maxPending int
}

var _ cache.DiskStore = (*Store)(nil)
var _ cache.ConfigStore = (*Store)(nil)

func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		now:         time.Now,
		openTimeout: 5 * time.Second,
		touches:     make(map[string]touch),
		flushEvery:  5 * time.Second,
		maxPending:  256,
	}
	for _, o := range opts {
		o(s)
	}
	s.lastFlush = s.now()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tile db dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: s.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open tile db %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketData, bucketMeta, bucketStats, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) Close() error {
	flushErr := s.flushTouches()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close tile db: %w", err)
	}
	return flushErr
}

// Ping reports whether the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return cache.ErrStorageUnavailable
		}
		return nil
	})
}

func (s *Store) observe(op string, start time.Time, err error) error {
	observability.ObserveStoreOp(driver, op, err, time.Since(start).Seconds())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("bolt %s: %w", op, err)
	}
	return err
}

func readTotal(tx *bolt.Tx) int64 {
	v := tx.Bucket(bucketStats).Get(keyBytes)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeTotal(tx *bolt.Tx, n int64) error {
	if n < 0 {
		n = 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return tx.Bucket(bucketStats).Put(keyBytes, buf[:])
}

func decodeMeta(v []byte) (model.CachedTile, error) {
	var t model.CachedTile
	if err := json.Unmarshal(v, &t); err != nil {
		return model.CachedTile{}, fmt.Errorf("decode tile meta: %w", err)
	}
	return t, nil
}

func encodeMeta(t model.CachedTile) ([]byte, error) {
	t.Data = nil
	return json.Marshal(t)
}

// Get returns the stored tile and records the read on its metadata.
func (s *Store) Get(ctx context.Context, key string) (model.CachedTile, bool, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return model.CachedTile{}, false, err
	}
	var (
		out   model.CachedTile
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		mv := tx.Bucket(bucketMeta).Get([]byte(key))
		if mv == nil {
			return nil
		}
		t, err := decodeMeta(mv)
		if err != nil {
			return err
		}
		t.Data = bytes.Clone(tx.Bucket(bucketData).Get([]byte(key)))
		out, found = t, true
		return nil
	})
	if err = s.observe("get", start, err); err != nil {
		return model.CachedTile{}, false, err
	}
	if found {
		if s.recordTouch(&out) {
			// the read itself succeeded; a failed flush is retried later
			_ = s.flushTouches()
		}
	}
	return out, found, nil
}

// recordTouch buffers a read of t, applies everything buffered for its key
// to t and reports whether a flush is due.
func (s *Store) recordTouch(t *model.CachedTile) bool {
	now := s.now()
	s.tmu.Lock()
	defer s.tmu.Unlock()
	p := s.touches[t.Key]
	p.n++
	if now.After(p.last) {
		p.last = now
	}
	s.touches[t.Key] = p
	applyTouch(t, p)
	return len(s.touches) >= s.maxPending || now.Sub(s.lastFlush) >= s.flushEvery
}

func applyTouch(t *model.CachedTile, p touch) {
	if p.last.After(t.LastAccess) {
		t.LastAccess = p.last
	}
	t.AccessCount += p.n
}

func (s *Store) dropTouch(key string) {
	s.tmu.Lock()
	delete(s.touches, key)
	s.tmu.Unlock()
}

// flushTouches writes buffered reads in a single transaction. On failure
// they are merged back into the buffer.
func (s *Store) flushTouches() error {
	s.tmu.Lock()
	pending := s.touches
	s.touches = make(map[string]touch)
	s.lastFlush = s.now()
	s.tmu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		for key, p := range pending {
			mv := meta.Get([]byte(key))
			if mv == nil {
				continue
			}
			t, err := decodeMeta(mv)
			if err != nil {
				continue
			}
			applyTouch(&t, p)
			enc, err := encodeMeta(t)
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(key), enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.tmu.Lock()
		for key, p := range pending {
			cur := s.touches[key]
			cur.n += p.n
			if p.last.After(cur.last) {
				cur.last = p.last
			}
			s.touches[key] = cur
		}
		s.tmu.Unlock()
	}
	return s.observe("flush_touches", start, err)
}

// Put stores or replaces a tile. Size is taken from Data when unset.
func (s *Store) Put(ctx context.Context, t model.CachedTile) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Key == "" {
		return errors.New("bolt put: empty tile key")
	}
	if t.Size <= 0 {
		t.Size = int64(len(t.Data))
	}
	if t.LastAccess.IsZero() {
		t.LastAccess = s.now()
	}
	enc, err := encodeMeta(t)
	if err != nil {
		return fmt.Errorf("bolt put %q: %w", t.Key, err)
	}
	s.dropTouch(t.Key)
	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		total := readTotal(tx)
		if old := meta.Get([]byte(t.Key)); old != nil {
			if prev, derr := decodeMeta(old); derr == nil {
				total -= prev.Size
			}
		}
		if err := meta.Put([]byte(t.Key), enc); err != nil {
			return err
		}
		if err := tx.Bucket(bucketData).Put([]byte(t.Key), t.Data); err != nil {
			return err
		}
		return writeTotal(tx, total+t.Size)
	})
	return s.observe("put", start, err)
}

func (s *Store) TileByteSize(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size int64
	err := s.db.View(func(tx *bolt.Tx) error {
		mv := tx.Bucket(bucketMeta).Get([]byte(key))
		if mv == nil {
			return fmt.Errorf("%w: %s", cache.ErrNotFound, key)
		}
		t, err := decodeMeta(mv)
		if err != nil {
			return err
		}
		size = t.Size
		return nil
	})
	if err = s.observe("size", start, err); err != nil {
		return 0, err
	}
	return size, nil
}

// RemoveTile is a no-op for unknown keys.
func (s *Store) RemoveTile(ctx context.Context, key string) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.dropTouch(key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		mv := meta.Get([]byte(key))
		if mv == nil {
			return nil
		}
		var size int64
		if t, derr := decodeMeta(mv); derr == nil {
			size = t.Size
		}
		if err := meta.Delete([]byte(key)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketData).Delete([]byte(key)); err != nil {
			return err
		}
		return writeTotal(tx, readTotal(tx)-size)
	})
	return s.observe("remove", start, err)
}

func (s *Store) TotalBytesUsed(ctx context.Context) (int64, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		total = readTotal(tx)
		return nil
	})
	if err = s.observe("total", start, err); err != nil {
		return 0, err
	}
	return total, nil
}

// ListAllTiles skips records whose metadata cannot be decoded.
func (s *Store) ListAllTiles(ctx context.Context) ([]model.CachedTile, error) {
	if err := s.flushTouches(); err != nil {
		return nil, err
	}
	start := time.Now()
	var out []model.CachedTile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := decodeMeta(v)
			if err != nil {
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err = s.observe("list", start, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear drops every tile. Saved config survives.
func (s *Store) Clear(ctx context.Context) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tmu.Lock()
	s.touches = make(map[string]touch)
	s.tmu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketData, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("drop bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreate bucket %s: %w", name, err)
			}
		}
		return writeTotal(tx, 0)
	})
	return s.observe("clear", start, err)
}

func (s *Store) LoadConfig(ctx context.Context) (config.CacheConfig, bool, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return config.CacheConfig{}, false, err
	}
	var (
		cfg config.CacheConfig
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get(keyPolicy)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		ok = true
		return nil
	})
	if err = s.observe("load_config", start, err); err != nil {
		return config.CacheConfig{}, false, err
	}
	return cfg, ok, nil
}

func (s *Store) SaveConfig(ctx context.Context, cfg config.CacheConfig) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put(keyPolicy, enc)
	})
	return s.observe("save_config", start, err)
}
