package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts applied update operations by kind
	// (put/remove/transform on the primary, backup_apply on a backup)
	// and outcome; only the "ok" outcome is recorded.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkv_operations_total",
			Help: "Total number of primary update operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	// BackupAckDuration times how long a primary waits between sending a
	// backup update and receiving the corresponding ack, per sync mode.
	BackupAckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dkv_backup_ack_duration_seconds",
			Help:    "Time between sending a backup update and receiving its ack",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sync_mode"},
	)

	// DeferredAckFlushesTotal counts deferred-ack buffer flushes by the
	// reason they were triggered (size threshold vs timer).
	DeferredAckFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkv_deferred_ack_flushes_total",
			Help: "Total number of deferred acknowledgement buffer flushes by trigger",
		},
		[]string{"trigger"},
	)

	// RemapsTotal counts update attempts that were remapped because the
	// acting node was stale relative to the current topology version.
	RemapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dkv_remaps_total",
			Help: "Total number of updates remapped due to stale topology",
		},
	)

	// EntryLockWaitDuration times how long a caller waited to acquire an
	// entry's per-key lock during ordered multi-key acquisition.
	EntryLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dkv_entry_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire an entry lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// NearUpdateDuration times a full near-node update round trip, from
	// client request to the point the caller's required acks are in.
	NearUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dkv_near_update_duration_seconds",
			Help:    "End-to-end duration of a near update request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		BackupAckDuration,
		DeferredAckFlushesTotal,
		RemapsTotal,
		EntryLockWaitDuration,
		NearUpdateDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation and reports its duration to a
// histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer running.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
