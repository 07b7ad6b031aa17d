package kafka

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricSet is owned by one Runner. Registering against a registry that
// already holds the same collectors reuses them.
type metricSet struct {
	messages *prometheus.CounterVec   // by result
	actions  *prometheus.CounterVec   // by action, tiles for "delete"
	duration *prometheus.HistogramVec // by event op
	lag      prometheus.Gauge
}

func newMetricSet(reg prometheus.Registerer) *metricSet {
	m := &metricSet{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_inval_msgs_total",
			Help: "Invalidation messages consumed, by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_inval_apply_total",
			Help: "Invalidation outcomes; delete counts removed tiles.",
		}, []string{"action"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tile_inval_processing_seconds",
			Help:    "Time to apply one invalidation event.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"op"}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tile_inval_lag_seconds",
			Help: "Age of the last consumed message at receipt.",
		}),
	}
	if reg == nil {
		return m
	}
	m.messages = reuse(reg, m.messages)
	m.actions = reuse(reg, m.actions)
	m.duration = reuse(reg, m.duration)
	m.lag = reuse(reg, m.lag)
	return m
}

func reuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

func (m *metricSet) message(result string) {
	m.messages.WithLabelValues(result).Inc()
}

func (m *metricSet) action(name string, n int) {
	m.actions.WithLabelValues(name).Add(float64(n))
}

func (m *metricSet) processed(op string, d time.Duration) {
	if op == "" {
		op = "unknown"
	}
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *metricSet) received(ts time.Time) {
	if !ts.IsZero() {
		m.lag.Set(time.Since(ts).Seconds())
	}
}
