package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T, style string) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr(), "tile", style)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestPutGetRemove_HappyPath(t *testing.T) {
	rc, mr := newMini(t, "standard")
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rc.now = func() time.Time { return now }
	ctx := context.Background()

	in := model.CachedTile{Key: "14/8852/4818", Zoom: 14, Data: []byte("png-bytes")}
	if err := rc.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("tile:standard:t:14/8852/4818") {
		t.Fatalf("expected namespaced tile key; keys=%v", mr.Keys())
	}

	got, ok, err := rc.Get(ctx, in.Key)
	if err != nil || !ok {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}
	if string(got.Data) != "png-bytes" || got.Size != 9 || got.AccessCount != 1 || !got.LastAccess.Equal(now) {
		t.Fatalf("unexpected tile: %+v", got)
	}

	if n, err := rc.TileByteSize(ctx, in.Key); err != nil || n != 9 {
		t.Fatalf("size=%d err=%v", n, err)
	}
	if err := rc.RemoveTile(ctx, in.Key); err != nil {
		t.Fatalf("RemoveTile: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, in.Key); ok {
		t.Fatalf("tile still present after remove")
	}
	if _, err := rc.TileByteSize(ctx, in.Key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestTotalsListAndClear(t *testing.T) {
	rc, _ := newMini(t, "")
	ctx := context.Background()
	for i, n := range []int{100, 250, 50} {
		key := model.TileCoordinate{Z: 16, X: i, Y: 1}.Key()
		if err := rc.Put(ctx, model.CachedTile{Key: key, Zoom: 16, Data: make([]byte, n)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	total, err := rc.TotalBytesUsed(ctx)
	if err != nil || total != 400 {
		t.Fatalf("total=%d err=%v", total, err)
	}
	list, err := rc.ListAllTiles(ctx)
	if err != nil || len(list) != 3 {
		t.Fatalf("list=%d err=%v", len(list), err)
	}
	for _, tl := range list {
		if tl.Data != nil {
			t.Fatalf("listing must not carry bodies")
		}
	}

	if err := rc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if total, _ := rc.TotalBytesUsed(ctx); total != 0 {
		t.Fatalf("total after clear=%d", total)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	rc, _ := newMini(t, "standard")
	ctx := context.Background()
	if _, ok, err := rc.LoadConfig(ctx); ok || err != nil {
		t.Fatalf("fresh ok=%v err=%v", ok, err)
	}
	cfg := config.DefaultCache()
	cfg.PreloadRadius = 1500
	if err := rc.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, ok, err := rc.LoadConfig(ctx)
	if err != nil || !ok || got != cfg {
		t.Fatalf("got=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestServerDown_ReturnsErrors(t *testing.T) {
	rc, mr := newMini(t, "standard")
	mr.Close()
	ctx := context.Background()

	if _, _, err := rc.Get(ctx, "1/0/0"); err == nil {
		t.Fatalf("expected error on Get with server down")
	}
	if err := rc.Put(ctx, model.CachedTile{Key: "1/0/0", Data: []byte("x")}); err == nil {
		t.Fatalf("expected error on Put with server down")
	}
	if err := rc.Ping(ctx); !errors.Is(err, cache.ErrStorageUnavailable) {
		t.Fatalf("Ping err=%v", err)
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), "", "tile", "x"); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
