package mesh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tudoscout"

// Metrics exposes exploration and fusion counters. A nil *Metrics is valid
// and records nothing, so library users and tests can skip it.
type Metrics struct {
	exploreCycles    *prometheus.CounterVec
	exploreDuration  prometheus.Histogram
	frontiers        *prometheus.GaugeVec
	goalsPublished   *prometheus.CounterVec
	blacklisted      *prometheus.CounterVec
	fusionCycles     *prometheus.CounterVec
	fusionDuration   prometheus.Histogram
	fusionConfidence prometheus.Gauge
	gridUpdates      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		exploreCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "explore_cycles_total",
			Help:      "Goal-selection cycles by outcome",
		}, []string{"outcome"}),
		exploreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "explore_cycle_duration_seconds",
			Help:      "Duration of goal-selection cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		frontiers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "frontier_cells",
			Help:      "Frontier cells found in the last cycle per category",
		}, []string{"category"}),
		goalsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "goals_published_total",
			Help:      "Goals published per agent",
		}, []string{"agent"}),
		blacklisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frontiers_skipped_total",
			Help:      "Frontier candidates skipped as unreachable per agent",
		}, []string{"agent"}),
		fusionCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fusion_cycles_total",
			Help:      "Map fusion cycles by layout",
		}, []string{"layout"}),
		fusionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fusion_cycle_duration_seconds",
			Help:      "Duration of map fusion cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		fusionConfidence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fusion_match_confidence",
			Help:      "Good feature matches in the last registration attempt",
		}),
		gridUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grid_updates_total",
			Help:      "Occupancy grid messages received per source",
		}, []string{"source"}),
	}
}

// ObserveExploreCycle records one goal-selection cycle.
func (m *Metrics) ObserveExploreCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.exploreCycles.WithLabelValues(outcome).Inc()
	m.exploreDuration.Observe(d.Seconds())
}

// SetFrontiers records the frontier count of one category.
func (m *Metrics) SetFrontiers(category string, n int) {
	if m == nil {
		return
	}
	m.frontiers.WithLabelValues(category).Set(float64(n))
}

// GoalPublished counts a goal for agent.
func (m *Metrics) GoalPublished(agent string) {
	if m == nil {
		return
	}
	m.goalsPublished.WithLabelValues(agent).Inc()
}

// FrontiersSkipped counts candidates filtered by frontier memory.
func (m *Metrics) FrontiersSkipped(agent string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.blacklisted.WithLabelValues(agent).Add(float64(n))
}

// ObserveFusion records one fusion cycle.
func (m *Metrics) ObserveFusion(layout string, confidence int, d time.Duration) {
	if m == nil {
		return
	}
	m.fusionCycles.WithLabelValues(layout).Inc()
	m.fusionConfidence.Set(float64(confidence))
	m.fusionDuration.Observe(d.Seconds())
}

// GridReceived counts an incoming grid message.
func (m *Metrics) GridReceived(source string) {
	if m == nil {
		return
	}
	m.gridUpdates.WithLabelValues(source).Inc()
}
