// Package prometheus records pool and extraction outcomes as Prometheus
// metrics. A CLI run is short-lived, so metrics are flushed to a textfile for
// the node_exporter textfile collector instead of being served.
package prometheus

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bnema/placepool/internal/ports"
)

const namespace = "placepool"

var _ ports.Metrics = (*Recorder)(nil)

type Recorder struct {
	registry *prometheus.Registry

	acquires           *prometheus.CounterVec
	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		acquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_total",
				Help:      "Session acquisitions by outcome.",
			},
			[]string{"outcome"},
		),
		extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extraction_total",
				Help:      "Extraction runs by outcome.",
			},
			[]string{"outcome"},
		),
		extractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "Wall time of extraction runs in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
			},
			[]string{"outcome"},
		),
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveAcquire(outcome string) {
	r.acquires.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveExtraction(outcome string, elapsed time.Duration) {
	r.extractions.WithLabelValues(outcome).Inc()
	r.extractionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// WriteTextfile atomically writes every collected metric to path in the text
// exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}
