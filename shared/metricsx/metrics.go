package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	messagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_messages_published_total",
			Help: "Messages published to the pub/sub transport by type.",
		},
		[]string{"type"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_messages_received_total",
			Help: "Messages accepted into the inbound queue by type.",
		},
		[]string{"type"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_messages_dropped_total",
			Help: "Inbound messages dropped at the queue boundary by reason.",
		},
		[]string{"reason"},
	)
	queueEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordination_queue_evictions_total",
			Help: "Buffered messages evicted because the queue bound was exceeded.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordination_queue_depth",
			Help: "Current depth of the inbound priority queue.",
		},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_handler_failures_total",
			Help: "Message handler failures by message type.",
		},
		[]string{"type"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordination_dispatch_latency_seconds",
			Help:    "Latency of one queue processing batch in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	heartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordination_heartbeat_failures_total",
			Help: "Heartbeat broadcasts that failed to publish.",
		},
	)
	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordination_pending_tasks",
			Help: "Distributed tasks awaiting a result.",
		},
	)
	taskRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordination_task_round_trip_seconds",
			Help:    "End-to-end latency of distributed tasks by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	executorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_executor_requests_total",
			Help: "Local executor invocations by outcome.",
		},
		[]string{"outcome"},
	)
	executorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordination_executor_latency_seconds",
			Help:    "Latency of local executor invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		messagesPublished, messagesReceived, messagesDropped,
		queueEvictions, queueDepth, handlerFailures, dispatchLatency,
		heartbeatFailures, pendingTasks, taskRoundTrip,
		executorRequests, executorLatency, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncMessagePublished(msgType string) {
	messagesPublished.WithLabelValues(msgType).Inc()
}

func IncMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

func IncMessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

func IncQueueEviction() {
	queueEvictions.Inc()
}

func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func IncHandlerFailure(msgType string) {
	handlerFailures.WithLabelValues(msgType).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

func IncHeartbeatFailure() {
	heartbeatFailures.Inc()
}

func SetPendingTasks(n int) {
	pendingTasks.Set(float64(n))
}

func ObserveTaskRoundTrip(outcome string, d time.Duration) {
	taskRoundTrip.WithLabelValues(outcome).Observe(d.Seconds())
}

func IncExecutorRequest(outcome string) {
	executorRequests.WithLabelValues(outcome).Inc()
}

func ObserveExecutorLatency(d time.Duration) {
	executorLatency.Observe(d.Seconds())
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
