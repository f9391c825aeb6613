package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus counters for the stock sync pipeline.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsIgnored    *prometheus.CounterVec
	syncRuns         *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	sharedWriteFails prometheus.Counter
	dispatchJobs     *prometheus.CounterVec
	queueFallbacks   prometheus.Counter
	deadLetterDepth  prometheus.Gauge
	sweepRuns        *prometheus.CounterVec
	erpRequests      *prometheus.CounterVec
	erpDuration      *prometheus.HistogramVec
}

// NewMetrics registers and returns the pipeline metrics.
func NewMetrics() *Metrics {
	eventsReceived := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_events_received_total",
		Help: "Normalized stock events accepted for processing, by kind.",
	}, []string{"kind"})

	eventsIgnored := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_events_ignored_total",
		Help: "Events dropped before synchronization, by reason.",
	}, []string{"reason"})

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_sync_runs_total",
		Help: "Synchronizer runs by origin and outcome.",
	}, []string{"origin", "status"})

	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depotsync_sync_duration_seconds",
		Help:    "Synchronizer run duration by origin.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin"})

	sharedWriteFails := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depotsync_shared_write_failures_total",
		Help: "Shared-deposit writes that failed and were reported per deposit.",
	})

	dispatchJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_dispatch_jobs_total",
		Help: "Dispatch outcomes by path (queue/inline) and result.",
	}, []string{"path", "result"})

	queueFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depotsync_queue_fallback_total",
		Help: "Times the broker was unreachable and inline dispatch was used.",
	})

	deadLetterDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depotsync_dead_letter_depth",
		Help: "Jobs parked in the dead-letter list awaiting inspection.",
	})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_sweep_runs_total",
		Help: "Reconciliation sweep outcomes per tenant pass.",
	}, []string{"status"})

	erpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_erp_requests_total",
		Help: "Outbound platform calls by operation and status class.",
	}, []string{"operation", "status"})

	erpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depotsync_erp_request_duration_seconds",
		Help:    "Outbound platform call latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	prometheus.MustRegister(
		eventsReceived,
		eventsIgnored,
		syncRuns,
		syncDuration,
		sharedWriteFails,
		dispatchJobs,
		queueFallbacks,
		deadLetterDepth,
		sweepRuns,
		erpRequests,
		erpDuration,
	)

	return &Metrics{
		eventsReceived:   eventsReceived,
		eventsIgnored:    eventsIgnored,
		syncRuns:         syncRuns,
		syncDuration:     syncDuration,
		sharedWriteFails: sharedWriteFails,
		dispatchJobs:     dispatchJobs,
		queueFallbacks:   queueFallbacks,
		deadLetterDepth:  deadLetterDepth,
		sweepRuns:        sweepRuns,
		erpRequests:      erpRequests,
		erpDuration:      erpDuration,
	}
}

// RecordEventReceived counts a normalized event entering the pipeline.
func (m *Metrics) RecordEventReceived(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(sanitizeLabel(kind)).Inc()
}

// RecordEventIgnored counts an event dropped before synchronization.
func (m *Metrics) RecordEventIgnored(reason string) {
	if m == nil {
		return
	}
	m.eventsIgnored.WithLabelValues(sanitizeLabel(reason)).Inc()
}

// RecordSyncRun counts one synchronizer run and its duration.
func (m *Metrics) RecordSyncRun(origin, status string, duration time.Duration) {
	if m == nil {
		return
	}
	originLabel := sanitizeLabel(origin)
	m.syncRuns.WithLabelValues(originLabel, sanitizeLabel(status)).Inc()
	m.syncDuration.WithLabelValues(originLabel).Observe(duration.Seconds())
}

// RecordSharedWriteFailure counts one failed shared-deposit propagation.
func (m *Metrics) RecordSharedWriteFailure() {
	if m == nil {
		return
	}
	m.sharedWriteFails.Inc()
}

// RecordDispatch counts a dispatch outcome on the given path.
func (m *Metrics) RecordDispatch(path, result string) {
	if m == nil {
		return
	}
	m.dispatchJobs.WithLabelValues(sanitizeLabel(path), sanitizeLabel(result)).Inc()
}

// RecordQueueFallback counts a degradation to inline dispatch.
func (m *Metrics) RecordQueueFallback() {
	if m == nil {
		return
	}
	m.queueFallbacks.Inc()
}

// SetDeadLetterDepth updates the dead-letter backlog gauge.
func (m *Metrics) SetDeadLetterDepth(value float64) {
	if m == nil {
		return
	}
	m.deadLetterDepth.Set(value)
}

// RecordSweep counts one reconciliation pass outcome.
func (m *Metrics) RecordSweep(status string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sanitizeLabel(status)).Inc()
}

// RecordERPRequest counts one outbound platform call.
func (m *Metrics) RecordERPRequest(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	operationLabel := sanitizeLabel(operation)
	m.erpRequests.WithLabelValues(operationLabel, sanitizeLabel(status)).Inc()
	m.erpDuration.WithLabelValues(operationLabel).Observe(duration.Seconds())
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
