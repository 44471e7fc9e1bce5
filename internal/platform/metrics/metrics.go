// Package metrics exposes the Prometheus instruments for the storage engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WritesTotal counts resource writes by type and outcome.
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhirstore_writes_total",
		Help: "Resource writes by resource type and outcome.",
	}, []string{"resource_type", "outcome"})

	// SearchDuration observes end-to-end search execution time.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhirstore_search_duration_seconds",
		Help:    "Search execution time by resource type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_type"})

	// SearchPartialTotal counts searches truncated by the scan budget.
	SearchPartialTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirstore_search_partial_total",
		Help: "Searches that returned a partial result set.",
	})

	// BatchSize observes the number of operations per atomic batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhirstore_batch_operations",
		Help:    "Operations per atomic batch.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	// ReindexedTotal counts resources reprocessed by reindex runs.
	ReindexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirstore_reindexed_resources_total",
		Help: "Resources reprocessed by reindex runs.",
	})

	// ImportedTotal counts resources ingested by bulk import, by outcome.
	ImportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhirstore_imported_resources_total",
		Help: "Resources ingested by bulk import, by outcome.",
	}, []string{"outcome"})
)
