// Package kafka consumes region invalidation events and drops the affected
// tiles from the cache.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

// Invalidator drops cached tiles touching b within a zoom range.
type Invalidator interface {
	InvalidateBounds(ctx context.Context, b model.Bounds, minZoom, maxZoom int) (int, error)
}

// CellMapper resolves H3 cell ids to boxes.
type CellMapper interface {
	Bounds(cells []string) ([]model.Bounds, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	inv      Invalidator
	mapper   CellMapper
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// DedupeSize bounds the number of regions whose last version is kept.
	DedupeSize int
}

func New(cfg InvalidationConfig, inv Invalidator, m CellMapper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		inv:    inv,
		mapper: m,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(opts.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.inv == nil {
		return errors.New("kafka runner: invalidator is required")
	}

	cfg, err := r.cfg.saramaConfig()
	if err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness is true once the group has assigned partitions. A disabled
// runner is always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only for failures worth redelivery.
// Undecodable or invalid events are counted and committed.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	r.ms.received(msg.Timestamp)

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.message("decode_error")
		r.log.Warn("dropping undecodable invalidation", "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.message("invalid")
		r.log.Warn("dropping invalid invalidation", "offset", msg.Offset, "err", err)
		return nil
	}

	err := r.apply(ctx, ev)
	if err != nil {
		r.ms.message("error")
	} else {
		r.ms.message("ok")
	}
	r.ms.processed(ev.Op, time.Since(start))
	return err
}

func (r *Runner) regions(ev Event) ([]model.Bounds, error) {
	var out []model.Bounds
	if b := ev.BBox; b != nil {
		out = append(out, model.Bounds{North: b.North, South: b.South, East: b.East, West: b.West})
	}
	if len(ev.H3Cells) > 0 {
		if r.mapper == nil {
			return nil, errors.New("event carries h3 cells but no cell mapper is configured")
		}
		bs, err := r.mapper.Bounds(ev.H3Cells)
		if err != nil {
			return nil, fmt.Errorf("map h3 cells: %w", err)
		}
		out = append(out, bs...)
	}
	return out, nil
}

func (r *Runner) apply(ctx context.Context, ev Event) error {
	key := ev.DedupeKey()
	if !r.ver.shouldApply(key, ev.Version) {
		r.ms.action("skip_version", 1)
		return nil
	}

	regions, err := r.regions(ev)
	if err != nil {
		r.ms.action("skip_unmappable", 1)
		r.log.Warn("invalidation region unmappable", "id", ev.ID, "err", err)
		return nil
	}
	lo, hi := ev.ZoomRange()
	total := 0
	for _, b := range regions {
		n, err := r.inv.InvalidateBounds(ctx, b, lo, hi)
		total += n
		if err != nil {
			// let a redelivery retry this version
			r.ver.forget(key)
			return fmt.Errorf("invalidate %+v: %w", b, err)
		}
	}
	r.ms.action("delete", total)
	r.log.Debug("region invalidated",
		"id", ev.ID, "source", ev.Source, "version", ev.Version,
		"regions", len(regions), "min_zoom", lo, "max_zoom", hi, "tiles", total)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
