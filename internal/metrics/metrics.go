package metrics

import (
	"sync/atomic"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "computedrules"

// Observer records orchestrator events as Prometheus metrics.
// Store names are not used as labels since every session has its own.
type Observer struct {
	// Computations counts orchestrator events by outcome.
	// Labels: outcome (initial, recomputed, skipped, unchanged, failed)
	Computations *prometheus.CounterVec

	// ComputeDuration measures compute step latency.
	// Labels: outcome (initial, recomputed)
	ComputeDuration *prometheus.HistogramVec

	// Dependencies is the dependency set size seen by the latest event
	Dependencies prometheus.Gauge
}

// NewObserver registers orchestrator metrics with reg
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)

	return &Observer{
		Computations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Orchestrator events by outcome",
		}, []string{"outcome"}),
		ComputeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "compute_duration_seconds",
			Help:      "Time spent running compute steps",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"outcome"}),
		Dependencies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "dependencies",
			Help:      "Tracked dependency count of the most recent event",
		}),
	}
}

// Observe implements computed.Observer
func (o *Observer) Observe(e computed.Event) {
	o.Computations.WithLabelValues(string(e.Outcome)).Inc()
	o.Dependencies.Set(float64(e.Dependencies))

	switch e.Outcome {
	case computed.OutcomeInitial, computed.OutcomeRecomputed:
		o.ComputeDuration.WithLabelValues(string(e.Outcome)).Observe(e.Duration.Seconds())
	case computed.OutcomeFailed:
		logger.WarnRejectedMutation()
	}
}

// RegisterLogCounters exposes the logger's always-on counters through reg
func RegisterLogCounters(reg prometheus.Registerer) {
	factory := promauto.With(reg)

	counters := []struct {
		name string
		help string
		c    *atomic.Int64
	}{
		{"log_errors_total", "Errors reported, including sampled-out log lines", &logger.TotalErrors},
		{"log_warnings_total", "Warnings reported, including sampled-out log lines", &logger.TotalWarnings},
		{"http_5xx_total", "HTTP responses with a 5xx status", &logger.Total5xxErrors},
		{"http_4xx_total", "HTTP responses with a 4xx status", &logger.Total4xxErrors},
		{"http_400_total", "HTTP 400 responses", &logger.Total400Errors},
		{"http_404_total", "HTTP 404 responses", &logger.Total404Errors},
		{"http_409_total", "HTTP 409 responses", &logger.Total409Errors},
		{"http_422_total", "HTTP 422 responses", &logger.Total422Errors},
		{"rejected_mutations_total", "State updates rejected by validation or evaluation", &logger.RejectedMutations},
	}

	for _, c := range counters {
		c := c
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(c.c.Load()) })
	}
}
