package repopool

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful sync
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of sync jobs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of sync job durations
	syncLatency *prometheus.HistogramVec
	// mirrorPushCount is a Counter vector of fanouts per mirror
	mirrorPushCount *prometheus.CounterVec
	// syncsInFlight is the number of sync jobs holding the in-flight guard
	syncsInFlight prometheus.Gauge
)

// EnableMetrics will enable metrics collection for sync jobs.
// Available metrics are...
//   - sync_count - (tags: repo,success)
//     A Counter for each sync job, tagged with the result (success=true|false)
//   - last_sync_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of the sync job latency per repo.
//   - mirror_push_count - (tags: mirror,success)
//     A Counter for each mirror fanout, skipped mirrors are not counted.
//   - syncs_in_flight
//     A Gauge of currently running or queued sync jobs.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastSyncTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_sync_timestamp",
		Help:      "Timestamp of the last successful repository sync",
	},
		[]string{"repo"},
	)

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_count",
		Help:      "Count of repository sync jobs",
	},
		[]string{
			// repository id
			"repo",
			// Whether the sync was successful or not
			"success",
		},
	)

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sync_latency_seconds",
		Help:      "Latency for repository sync jobs",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300, 600},
	},
		[]string{"repo"},
	)

	mirrorPushCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_push_count",
		Help:      "Count of pushes to mirror repositories",
	},
		[]string{
			// mirror repository id
			"mirror",
			"success",
		},
	)

	syncsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "syncs_in_flight",
		Help:      "Number of sync jobs in flight",
	})

	registerer.MustRegister(
		lastSyncTimestamp,
		syncCount,
		syncLatency,
		mirrorPushCount,
		syncsInFlight,
	)
}

// recordSync records a sync job result by updating all the relevant metrics
func recordSync(repo string, success bool, start time.Time) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil || syncLatency == nil {
		return
	}
	if success {
		lastSyncTimestamp.With(prometheus.Labels{
			"repo": repo,
		}).Set(float64(time.Now().Unix()))
	}
	syncCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
	syncLatency.WithLabelValues(repo).Observe(time.Since(start).Seconds())
}

func recordMirrorPush(mirror string, success bool) {
	if mirrorPushCount == nil {
		return
	}
	mirrorPushCount.With(prometheus.Labels{
		"mirror":  mirror,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func setSyncsInFlight(n int) {
	if syncsInFlight == nil {
		return
	}
	syncsInFlight.Set(float64(n))
}
