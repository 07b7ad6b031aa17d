package metrics

import (
	"strings"
	"testing"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
)

func TestProvider_ServesTileCollectors(t *testing.T) {
	p := New(BuildInfo{Version: "test"})
	// a second Init on the same registry is a no-op
	observability.Init(p.Registerer())

	observability.IncTileHit("memory")
	observability.IncTileMiss("disk")
	observability.ObserveEviction("disk", 3, 12_000_000)
	observability.ObserveStoreOp("bolt", "put", nil, 0.002)
	observability.SetMemoryTiles(500)

	body := scrape(t, p)
	for _, s := range []string{
		`tile_cache_results_total{outcome="hit",tier="memory"}`,
		`tile_cache_results_total{outcome="miss",tier="disk"}`,
		`tile_evictions_total{tier="disk"}`,
		`tile_evicted_bytes_total{tier="disk"}`,
		`tile_store_operation_duration_seconds_count{driver="bolt",op="put"}`,
		`tile_memory_tiles 500`,
	} {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}
}
