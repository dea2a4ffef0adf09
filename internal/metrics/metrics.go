package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phantom_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
		[]string{"server_id"},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_frames_total",
			Help: "Total number of wire frames processed",
		},
		[]string{"frame_type", "direction"}, // direction: inbound, outbound
	)

	// Message metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_messages_total",
			Help: "Total number of encrypted messages routed",
		},
		[]string{"delivered"}, // true, false
	)

	MessageDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phantom_message_delivery_latency_seconds",
			Help:    "Time from message store to recipient fan-out in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
	)

	KeyExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_key_exchanges_total",
			Help: "Total number of key-exchange handshake frames forwarded",
		},
		[]string{"stage"}, // initiate, response
	)

	// Authentication metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_auth_attempts_total",
			Help: "Total number of Ed25519 challenge-response authentication attempts",
		},
		[]string{"result"}, // success, failure
	)

	// HTTP metrics (health checks, /metrics scrapes)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phantom_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phantom_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"action"}, // connection, auth, message
	)

	// Media metrics
	MediaUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phantom_media_uploads_total",
			Help: "Total number of media ciphertext uploads accepted",
		},
	)

	MediaUploadSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phantom_media_upload_size_bytes",
			Help:    "Size of uploaded media ciphertext in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 1GB
		},
	)

	// Message store metrics
	ExpiredMessagesCleanedUp = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phantom_expired_messages_cleaned_up_total",
			Help: "Total number of retention-expired messages pruned from the store",
		},
	)

	// Audit logging metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phantom_audit_queue_depth",
			Help: "Current number of events queued for the audit batch writer",
		},
	)

	AuditEventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phantom_audit_events_processed_total",
			Help: "Total number of audit events written to the security log",
		},
	)

	AuditDroppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phantom_audit_dropped_events_total",
			Help: "Total number of audit events dropped because the queue was full",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count/duration metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame records one wire frame crossing the dispatcher in the
// given direction.
func RecordFrame(frameType, direction string) {
	FramesTotal.WithLabelValues(frameType, direction).Inc()
}

// RecordMessage records a routed message and whether it reached at
// least one of the recipient's devices.
func RecordMessage(delivered bool) {
	MessagesTotal.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

// RecordDeliveryLatency records message delivery latency.
func RecordDeliveryLatency(latency time.Duration) {
	MessageDeliveryLatency.Observe(latency.Seconds())
}

// RecordKeyExchange records a key-exchange or key-exchange-response
// frame forwarded by the dispatcher.
func RecordKeyExchange(stage string) {
	KeyExchangesTotal.WithLabelValues(stage).Inc()
}

// RecordAuthAttempt records an authentication attempt outcome.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AuthAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rejected request for the given action.
func RecordRateLimitHit(action string) {
	RateLimitHits.WithLabelValues(action).Inc()
}

// RecordMediaUpload records an accepted media upload.
func RecordMediaUpload(sizeBytes int64) {
	MediaUploadsTotal.Inc()
	MediaUploadSize.Observe(float64(sizeBytes))
}
