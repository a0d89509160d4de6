package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "domainctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Update batches by final result.",
		},
		[]string{"result"},
	)
	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Update batch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	participantCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "calls_total",
			Help:      "Calls made to participants.",
		},
		[]string{"participant", "call", "result"},
	)
	participantDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "call_duration_seconds",
			Help:      "Participant call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"participant", "call"},
	)
	outOfSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "out_of_sync_total",
			Help:      "Participants marked out-of-sync after rollback.",
		},
		[]string{"participant"},
	)
	resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "resyncs_total",
			Help:      "Full-model pushes to out-of-sync participants.",
		},
		[]string{"participant", "success"},
	)
	rollbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rollback_failures_total",
			Help:      "Local rollback replays that failed and left the model inconsistent.",
		},
	)
	serverPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serverpush",
			Name:      "results_total",
			Help:      "Server-tier push results by status.",
		},
		[]string{"status"},
	)
	participantsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "registered",
			Help:      "Currently registered participants.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			batches, batchDuration,
			participantCalls, participantDuration,
			outOfSync, resyncs, rollbackFailures,
			serverPushes, participantsGauge,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBatch(result string, duration time.Duration) {
	RegisterMetrics()
	batches.WithLabelValues(result).Inc()
	batchDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordParticipantCall(participant, call, result string, duration time.Duration) {
	RegisterMetrics()
	participantCalls.WithLabelValues(participant, call, result).Inc()
	participantDuration.WithLabelValues(participant, call).Observe(duration.Seconds())
}

func RecordOutOfSync(participant string) {
	RegisterMetrics()
	outOfSync.WithLabelValues(participant).Inc()
}

func RecordResync(participant string, success bool) {
	RegisterMetrics()
	resyncs.WithLabelValues(participant, strconv.FormatBool(success)).Inc()
}

func RecordRollbackFailure() {
	RegisterMetrics()
	rollbackFailures.Inc()
}

func RecordServerPush(status string) {
	RegisterMetrics()
	serverPushes.WithLabelValues(status).Inc()
}

func SetParticipants(n int) {
	RegisterMetrics()
	participantsGauge.Set(float64(n))
}
