// Package metrics registers the engine's Prometheus collectors on the
// default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store writes
	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_store_writes_total",
		Help: "Resource writes by type, action and outcome",
	}, []string{"resource_type", "action", "outcome"})

	WriteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_store_write_latency_seconds",
		Help:    "Latency of a committed resource write including indexing",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	ExtractionWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_extraction_warnings_total",
		Help: "Fields skipped by the parameter extractor",
	}, []string{"resource_type", "param"})

	// Search
	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_searches_total",
		Help: "Searches by resource type and outcome",
	}, []string{"resource_type", "outcome"})

	SearchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_search_latency_seconds",
		Help:    "Latency of search planning, execution and hydration",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_type"})

	// Bundles
	BundlesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_bundles_total",
		Help: "Batch and transaction bundles by type and outcome",
	}, []string{"type", "outcome"})

	BundleEntries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_bundle_entries",
		Help:    "Number of entries per submitted bundle",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(WriteLatency)
	prometheus.MustRegister(ExtractionWarnings)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SearchLatency)
	prometheus.MustRegister(BundlesTotal)
	prometheus.MustRegister(BundleEntries)
}

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// OutcomeLabel maps an error to an outcome label value.
func OutcomeLabel(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
