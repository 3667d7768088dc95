// Package metrics registers the collector's domain metrics: round timing,
// per-stage duration, and entity status gauges, following the teacher's
// promauto registration style.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mstate/collector/internal/round"
)

// Collector owns every collector-domain Prometheus metric and satisfies
// internal/round.Metrics.
type Collector struct {
	roundDuration *prometheus.HistogramVec
	roundsTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	groupStatus  *prometheus.GaugeVec
	coupleStatus *prometheus.GaugeVec

	mu            sync.Mutex
	lastRoundTime time.Time
	lastRoundGauge prometheus.Gauge
}

// New registers the collector's metrics against reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		roundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "collector",
				Subsystem: "round",
				Name:      "duration_seconds",
				Help:      "Duration of a full collection round.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"kind", "status"},
		),
		roundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "collector",
				Subsystem: "round",
				Name:      "total",
				Help:      "Total rounds run, by kind and outcome.",
			},
			[]string{"kind", "status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "collector",
				Subsystem: "round",
				Name:      "stage_duration_seconds",
				Help:      "Duration of one round stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		groupStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "collector",
				Subsystem: "storage",
				Name:      "groups",
				Help:      "Number of groups by derived status.",
			},
			[]string{"status"},
		),
		coupleStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "collector",
				Subsystem: "storage",
				Name:      "couples",
				Help:      "Number of couples by derived status.",
			},
			[]string{"status"},
		),
		lastRoundGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "collector",
				Subsystem: "round",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix timestamp of the last completed round.",
			},
		),
	}
}

// ObserveRoundDuration records one round's wall-clock time and outcome.
func (c *Collector) ObserveRoundDuration(kind round.Kind, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	k := string(kind)
	c.roundDuration.WithLabelValues(k, status).Observe(d.Seconds())
	c.roundsTotal.WithLabelValues(k, status).Inc()
}

// ObserveStageDuration records one stage's wall-clock time within a round.
func (c *Collector) ObserveStageDuration(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetLastRoundTime records when the most recent round completed.
func (c *Collector) SetLastRoundTime(t time.Time) {
	c.mu.Lock()
	c.lastRoundTime = t
	c.mu.Unlock()
	c.lastRoundGauge.Set(float64(t.Unix()))
}

// LastRoundTime returns the last recorded round completion time.
func (c *Collector) LastRoundTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRoundTime
}

// SetStatusCounts replaces the group/couple status gauges with fresh counts.
// It is not part of round.Metrics, so the orchestrator does not call it.
func (c *Collector) SetStatusCounts(groupCounts, coupleCounts map[string]int) {
	c.groupStatus.Reset()
	for status, n := range groupCounts {
		c.groupStatus.WithLabelValues(status).Set(float64(n))
	}
	c.coupleStatus.Reset()
	for status, n := range coupleCounts {
		c.coupleStatus.WithLabelValues(status).Set(float64(n))
	}
}
