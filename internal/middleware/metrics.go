package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_cache_hits_total",
		Help: "Total number of chat cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_cache_misses_total",
		Help: "Total number of chat cache misses",
	})

	fallbackServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_fallback_served_total",
		Help: "Total number of times fallback content was served",
	}, []string{"operation"})

	// Remote store metrics
	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_store_operations_total",
		Help: "Total number of remote store operations",
	}, []string{"operation", "status"})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_client_store_operation_duration_seconds",
		Help:    "Duration of remote store operations including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_retry_attempts_total",
		Help: "Total number of retried store attempts",
	}, []string{"operation"})

	// Cache storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_storage_operations_total",
		Help: "Total number of cache storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_client_storage_operation_duration_seconds",
		Help:    "Duration of cache storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Message metrics
	optimisticSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_optimistic_sends_total",
		Help: "Total number of optimistic sends",
	}, []string{"status"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_messages_received_total",
		Help: "Total number of chat records merged into a session",
	}, []string{"source"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_commands_executed_total",
		Help: "Total number of slash commands executed",
	}, []string{"command"})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_rate_limit_exceeded_total",
		Help: "Total number of sends rejected by the rate limiter",
	})

	sessionLogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_session_log_size",
		Help: "Number of records in the active session log",
	})

	online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_online",
		Help: "1 when the connectivity adapter reports online",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordFallbackServed records fallback content returned by an operation
func (m *Metrics) RecordFallbackServed(operation string) {
	fallbackServed.WithLabelValues(operation).Inc()
}

// RecordStoreOperation records a remote store operation
func (m *Metrics) RecordStoreOperation(operation, status string, duration time.Duration) {
	storeOperations.WithLabelValues(operation, status).Inc()
	storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry records a retried attempt
func (m *Metrics) RecordRetry(operation string) {
	retryAttempts.WithLabelValues(operation).Inc()
}

// RecordStorageOperation records a cache storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOptimisticSend records the outcome of an optimistic send
func (m *Metrics) RecordOptimisticSend(status string) {
	optimisticSends.WithLabelValues(status).Inc()
}

// RecordMessageReceived records a record merged from the given source
func (m *Metrics) RecordMessageReceived(source string) {
	messagesReceived.WithLabelValues(source).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// SetSessionLogSize sets the session log size
func (m *Metrics) SetSessionLogSize(size int) {
	sessionLogSize.Set(float64(size))
}

// SetOnline sets the connectivity gauge
func (m *Metrics) SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
		return
	}
	online.Set(0)
}

// NewRouter builds the metrics router with a health check endpoint
func NewRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return router
}

// NewServer wraps a router in an HTTP server on the given port
func NewServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
