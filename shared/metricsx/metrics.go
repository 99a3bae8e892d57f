package metricsx

import (
	"net/http"
	"strconv"
	"sync"
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
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_api_requests_total",
			Help: "Calls made to the energy backend API.",
		},
		[]string{"endpoint", "status"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_api_duration_seconds",
			Help:    "Energy backend API latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	upstreamBreakerOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_api_breaker_rejections_total",
			Help: "Calls rejected while the backend circuit was open.",
		},
	)
	sessionEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_evictions_total",
			Help: "Sessions cleared, by reason.",
		},
		[]string{"reason"},
	)
	hydrationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_hydration_timeouts_total",
			Help: "Hydrations forced complete by the fallback timer.",
		},
	)
	chatSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat sends by outcome.",
		},
		[]string{"outcome"},
	)
	storageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_storage_failures_total",
			Help: "Durable client storage failures by backend and op.",
		},
		[]string{"backend", "op"},
	)
	activityPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_publish_failures_total",
			Help: "Activity events that could not be published.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
	activityArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_archived_total",
			Help: "Activity events handled by the archiver, by outcome.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpLatency,
			upstreamRequests,
			upstreamLatency,
			upstreamBreakerOpen,
			sessionEvictions,
			hydrationTimeouts,
			chatSends,
			storageFailures,
			activityPublishFailures,
			influxWriteFailures,
			kafkaConsumerLag,
			activityArchived,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument labels requests by the mux pattern that matched so ids in
// paths do not explode the label set.
func Instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(srw, r)
		path := "unmatched"
		if mux != nil {
			if _, pattern := mux.Handler(r); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(srw.statusCode)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveUpstream(endpoint string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	upstreamRequests.WithLabelValues(endpoint, label).Inc()
	upstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func IncUpstreamBreakerOpen() {
	upstreamBreakerOpen.Inc()
}

func IncSessionEviction(reason string) {
	sessionEvictions.WithLabelValues(reason).Inc()
}

func IncHydrationTimeout() {
	hydrationTimeouts.Inc()
}

func IncChatSend(outcome string) {
	chatSends.WithLabelValues(outcome).Inc()
}

func IncStorageFailure(backend string, op string) {
	storageFailures.WithLabelValues(backend, op).Inc()
}

func IncActivityPublishFailure() {
	activityPublishFailures.Inc()
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

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncActivityArchived(outcome string) {
	activityArchived.WithLabelValues(outcome).Inc()
}
