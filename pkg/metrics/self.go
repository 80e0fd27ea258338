package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Self-monitoring metrics for the exporter itself. These use the
// "svc_tracker_" prefix to distinguish them from the svc_* catalog metrics.
//
// All metrics are pre-registered via RegisterSelfMetrics and updated
// imperatively by the scheduler, builder, servers and S3 archive code.
var (
	// CycleDuration tracks the duration of each polling cycle.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "svc_tracker_cycle_duration_seconds",
		Help:    "Duration of a complete polling cycle in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// Cycles counts finished cycles by outcome (success, partial, failed, overrun).
	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_cycles_total",
		Help: "Total number of polling cycles, partitioned by outcome.",
	}, []string{"outcome"})

	// CyclesSkipped counts ticks dropped because a cycle was still running.
	CyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "svc_tracker_cycles_skipped_total",
		Help: "Total number of poll ticks skipped because the previous cycle was still running.",
	})

	// APIRequests counts control plane calls per operation, including retries.
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_api_requests_total",
		Help: "Total number of control plane API calls, partitioned by operation.",
	}, []string{"operation"})

	// APIErrors counts failed control plane calls per operation and error kind.
	APIErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_api_errors_total",
		Help: "Total number of failed control plane API calls, partitioned by operation and error kind.",
	}, []string{"operation", "kind"})

	// APIRetries counts retried control plane calls per operation.
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_api_retries_total",
		Help: "Total number of control plane API call retries, partitioned by operation.",
	}, []string{"operation"})

	// ClusterBuildDuration tracks the time spent describing each cluster.
	ClusterBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "svc_tracker_cluster_build_duration_seconds",
		Help:    "Duration of describing one cluster in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"cluster"})

	// ContainerScrapeErrors counts failed container relay scrapes.
	ContainerScrapeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_container_scrape_errors_total",
		Help: "Total number of failed container metric relay scrapes, partitioned by container.",
	}, []string{"container"})

	// ScrapeRequests counts exposition requests by status code.
	ScrapeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "svc_tracker_scrape_requests_total",
		Help: "Total number of metrics exposition requests, partitioned by status code.",
	}, []string{"code"})

	// ScrapeDuration tracks exposition request latency by status code.
	ScrapeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "svc_tracker_scrape_duration_seconds",
		Help:    "Duration of metrics exposition requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"code"})

	// S3PersistDuration tracks the duration of S3 persist operations.
	S3PersistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "svc_tracker_s3_persist_duration_seconds",
		Help:    "Duration of S3 snapshot persist operations in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// RegisterSelfMetrics registers all self-monitoring metrics with the given
// Prometheus registry.
func RegisterSelfMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CycleDuration,
		Cycles,
		CyclesSkipped,
		APIRequests,
		APIErrors,
		APIRetries,
		ClusterBuildDuration,
		ContainerScrapeErrors,
		ScrapeRequests,
		ScrapeDuration,
		S3PersistDuration,
	)
}

// NewSnapshotAge returns a gauge reporting the age of the current snapshot
// in seconds. It reports NaN until the first snapshot is published.
func NewSnapshotAge(current func() *store.Snapshot, now func() time.Time) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "svc_tracker_snapshot_age_seconds",
		Help: "Age of the currently served snapshot in seconds.",
	}, func() float64 {
		snap := current()
		if snap == nil {
			return math.NaN()
		}
		return now().Sub(snap.CapturedAt).Seconds()
	})
}
