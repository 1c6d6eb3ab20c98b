// Package metrics records batch outcomes in Prometheus collectors and pushes
// them to a Pushgateway once the run finishes.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "autofill"

// Metrics holds the collectors for one run
type Metrics struct {
	registry *prometheus.Registry

	Products         *prometheus.CounterVec // outcome: updated, skipped, failed
	ImagesUploaded   prometheus.Counter
	ImagesRejected   *prometheus.CounterVec // reason
	Descriptions     prometheus.Counter
	PageFetches      *prometheus.CounterVec // result: ok, empty
	SearchQueries    *prometheus.CounterVec // kind: image, web
	ProductDuration  prometheus.Histogram
	PageConfidence   prometheus.Histogram
	LastRunTimestamp prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_total",
			Help:      "Products processed, by outcome.",
		}, []string{"outcome"}),
		ImagesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_uploaded_total",
			Help:      "Gallery images uploaded to the catalog.",
		}),
		ImagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_rejected_total",
			Help:      "Candidate images rejected, by reason.",
		}, []string{"reason"}),
		Descriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptions_updated_total",
			Help:      "Product descriptions written.",
		}),
		PageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_fetches_total",
			Help:      "Candidate page fetches, by result.",
		}, []string{"result"}),
		SearchQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Search provider queries, by kind.",
		}, []string{"kind"}),
		ProductDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "product_duration_seconds",
			Help:      "Time spent enriching one product.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		PageConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_confidence",
			Help:      "Confidence of scored candidate pages.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run.",
		}),
	}

	m.registry.MustRegister(
		m.Products,
		m.ImagesUploaded,
		m.ImagesRejected,
		m.Descriptions,
		m.PageFetches,
		m.SearchQueries,
		m.ProductDuration,
		m.PageConfidence,
		m.LastRunTimestamp,
	)
	return m
}

// Registry exposes the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends every collector to the Pushgateway at url under job, grouped by run id.
// An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job, runID string) error {
	if m == nil || url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
