package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlightOperationsTotal counts the number of Flight operations (DoAction, DoGet, DoPut)
	FlightOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annbench_flight_operations_total",
			Help: "The total number of processed Arrow Flight operations",
		},
		[]string{"method", "status"},
	)

	// FlightDurationSeconds measures the latency of Flight operations
	FlightDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annbench_flight_duration_seconds",
			Help:    "Duration of Arrow Flight operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// SchemaOperationsTotal counts schema actions by type and outcome
	SchemaOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annbench_schema_operations_total",
			Help: "Total number of schema operations",
		},
		[]string{"action", "status"},
	)

	// ObjectsInsertedTotal counts objects accepted or rejected by the engine
	ObjectsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annbench_objects_inserted_total",
			Help: "Total number of objects submitted for insertion",
		},
		[]string{"class", "status"},
	)

	// BatchSize tracks the number of objects per insertion batch
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annbench_batch_size",
			Help:    "Objects per insertion batch",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	// SearchLatencySeconds measures engine-side near-vector search latency
	SearchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annbench_search_latency_seconds",
			Help:    "Latency of near-vector searches inside the engine",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"class"},
	)

	// SearchResultsCount tracks how many hits each search returned
	SearchResultsCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annbench_search_results_count",
			Help:    "Number of hits returned per search",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
		},
	)

	// CollectionObjects tracks the number of objects stored per class
	CollectionObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annbench_collection_objects",
			Help: "Number of objects stored per class",
		},
		[]string{"class"},
	)

	// SnapshotDurationSeconds measures the time to save or load an engine snapshot
	SnapshotDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annbench_snapshot_duration_seconds",
			Help:    "Duration of engine snapshot operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"op"},
	)

	// AdapterOperationsTotal counts harness lifecycle calls made on the adapter
	AdapterOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annbench_adapter_operations_total",
			Help: "Total number of adapter lifecycle calls",
		},
		[]string{"op", "status"},
	)

	// HandlerPanicsTotal counts panics recovered in Flight handlers
	HandlerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annbench_handler_panics_total",
			Help: "Total number of panics recovered in Flight handlers",
		},
		[]string{"method"},
	)

	// RunRecall records recall@k of the latest benchmark run per configuration
	RunRecall = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annbench_run_recall",
			Help: "Recall at k of the latest benchmark run",
		},
		[]string{"algorithm", "ef"},
	)

	// RunQPS records throughput of the latest benchmark run per configuration
	RunQPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annbench_run_qps",
			Help: "Queries per second of the latest benchmark run",
		},
		[]string{"algorithm", "ef"},
	)

	// BuildDurationSeconds measures index build time per constructor
	BuildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annbench_build_duration_seconds",
			Help:    "Time to fit an algorithm instance",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"constructor"},
	)

	// QueryLatencySeconds measures client-observed query latency in the adapter
	QueryLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annbench_query_latency_seconds",
			Help:    "Client-observed latency of adapter queries",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
)

// StatusLabel returns the outcome label used across counters.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
