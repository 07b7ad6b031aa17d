package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

type call struct {
	b      model.Bounds
	lo, hi int
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeInvalidator) InvalidateBounds(_ context.Context, b model.Bounds, lo, hi int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{b, lo, hi})
	return 3, f.err
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type mapper struct{}

func (mapper) Bounds(cells []string) ([]model.Bounds, error) {
	out := make([]model.Bounds, 0, len(cells))
	for _, c := range cells {
		if c == "bad" {
			return nil, errors.New("invalid h3 cell")
		}
		out = append(out, model.Bounds{North: 1, South: 0, East: 1, West: 0})
	}
	return out, nil
}

func newRunner(t *testing.T, inv Invalidator) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := InvalidationConfig{Enabled: true, Driver: DriverKafka}
	return New(cfg, inv, mapper{}, Options{Register: reg}), reg
}

func message(t *testing.T, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func intp(v int) *int { return &v }

func TestBBoxEvent_AppliesZoomRange_AndIdempotency(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	ctx := context.Background()

	ev := Event{
		ID:      "roadworks-17",
		Source:  "osm",
		BBox:    &BBox{North: 59.4, South: 59.2, East: 18.2, West: 17.9},
		MinZoom: intp(12),
		MaxZoom: intp(18),
		Version: 1,
		Op:      "update",
	}
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.count() != 1 {
		t.Fatalf("calls=%d want 1", inv.count())
	}
	c := inv.calls[0]
	if c.lo != 12 || c.hi != 18 || c.b.North != 59.4 || c.b.West != 17.9 {
		t.Fatalf("unexpected call %+v", c)
	}

	// same version is skipped, newer applies
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if inv.count() != 1 {
		t.Fatalf("duplicate applied")
	}
	if got := testutil.ToFloat64(r.ms.actions.WithLabelValues("skip_version")); got != 1 {
		t.Fatalf("skip_version=%g", got)
	}
	ev.Version = 2
	_ = r.handleMessage(ctx, message(t, ev))
	if inv.count() != 2 {
		t.Fatalf("newer version not applied")
	}
}

func TestCellEvent_MapsEveryCell(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	ev := Event{H3Cells: []string{"a", "b"}, BBox: &BBox{North: 2, South: 1, East: 2, West: 1}, Version: 1}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.count() != 3 {
		t.Fatalf("calls=%d want 3 (bbox + 2 cells)", inv.count())
	}
	if lo, hi := inv.calls[0].lo, inv.calls[0].hi; lo != 0 || hi != MaxZoom {
		t.Fatalf("default zoom range=[%d,%d]", lo, hi)
	}
	if got := testutil.ToFloat64(r.ms.actions.WithLabelValues("delete")); got != 9 {
		t.Fatalf("delete=%g want 9", got)
	}
}

func TestBadMessages_AreCommittedNotRetried(t *testing.T) {
	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	ctx := context.Background()

	if err := r.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}); err != nil {
		t.Fatalf("decode error must not fail the claim: %v", err)
	}
	if err := r.handleMessage(ctx, message(t, Event{Version: 1})); err != nil {
		t.Fatalf("invalid event must not fail the claim: %v", err)
	}
	if err := r.handleMessage(ctx, message(t, Event{H3Cells: []string{"bad"}, Version: 1})); err != nil {
		t.Fatalf("unmappable event must not fail the claim: %v", err)
	}
	if inv.count() != 0 {
		t.Fatalf("bad events reached the cache")
	}
	if got := testutil.ToFloat64(r.ms.messages.WithLabelValues("decode_error")); got != 1 {
		t.Fatalf("decode_error=%g", got)
	}
	if got := testutil.ToFloat64(r.ms.messages.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid=%g", got)
	}
}

func TestInvalidatorError_AllowsRedelivery(t *testing.T) {
	inv := &fakeInvalidator{err: errors.New("disk unavailable")}
	r, _ := newRunner(t, inv)
	ev := Event{ID: "x", BBox: &BBox{North: 1, South: 0, East: 1, West: 0}, Version: 5}

	if err := r.handleMessage(context.Background(), message(t, ev)); err == nil {
		t.Fatalf("expected error")
	}
	inv.err = nil
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if inv.count() != 2 {
		t.Fatalf("redelivery was deduped: calls=%d", inv.count())
	}
}

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"empty region", Event{}, false},
		{"inverted bbox", Event{BBox: &BBox{North: 0, South: 1}}, false},
		{"out of range", Event{BBox: &BBox{North: 91, South: 0, East: 1, West: 0}}, false},
		{"zoom inverted", Event{H3Cells: []string{"c"}, MinZoom: intp(15), MaxZoom: intp(10)}, false},
		{"zoom too deep", Event{H3Cells: []string{"c"}, MaxZoom: intp(30)}, false},
		{"cells only", Event{H3Cells: []string{"c"}}, true},
		{"bbox", Event{BBox: &BBox{North: 1, South: 0, East: 1, West: 0}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.ev.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v ok=%v", err, tc.ok)
			}
		})
	}
}

func TestDedupeKey_StableForSameRegion(t *testing.T) {
	a := Event{H3Cells: []string{"b", "a"}}
	b := Event{H3Cells: []string{"a", "b"}}
	if a.DedupeKey() != b.DedupeKey() {
		t.Fatalf("cell order changed key")
	}
	c := Event{H3Cells: []string{"a", "b"}, MaxZoom: intp(12)}
	if c.DedupeKey() == b.DedupeKey() {
		t.Fatalf("zoom range ignored in key")
	}
}

func TestReadiness_DisabledIsReady(t *testing.T) {
	r := New(InvalidationConfig{Driver: DriverNone}, nil, nil, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start disabled: %v", err)
	}
	if ok, _ := r.Readiness(); !ok {
		t.Fatalf("disabled runner must be ready")
	}
	r.Stop()

	enabled, _ := newRunner(t, &fakeInvalidator{})
	if ok, _ := enabled.Readiness(); ok {
		t.Fatalf("unassigned runner reported ready")
	}
}

func TestMetrics_SharedRegistryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	inv := &fakeInvalidator{}
	cfg := InvalidationConfig{Enabled: true, Driver: DriverKafka}
	a := New(cfg, inv, mapper{}, Options{Register: reg})
	b := New(cfg, inv, mapper{}, Options{Register: reg})

	_ = a.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("x")})
	_ = b.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("y")})
	if got := testutil.ToFloat64(a.ms.messages.WithLabelValues("decode_error")); got != 2 {
		t.Fatalf("decode_error=%g want 2", got)
	}
}

func TestSaramaConfig(t *testing.T) {
	cfg := InvalidationConfig{InitialOldest: false, SASL: SASLConfig{Enable: true, Username: "u", Password: "p"}}
	sc, err := cfg.saramaConfig()
	if err != nil {
		t.Fatalf("saramaConfig: %v", err)
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetNewest || !sc.Net.SASL.Enable || sc.Net.SASL.User != "u" {
		t.Fatalf("unexpected sarama config")
	}
	cfg.SASL.Mechanism = "GSSAPI"
	if _, err := cfg.saramaConfig(); err == nil {
		t.Fatalf("expected unsupported mechanism error")
	}
	cfg.SASL = SASLConfig{}
	cfg.TLS = TLSConfig{Enable: true, CaFile: "/does/not/exist"}
	if _, err := cfg.saramaConfig(); err == nil {
		t.Fatalf("expected missing ca error")
	}
}
