package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wayl"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "path"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups that found a value.",
		},
		[]string{"prefix"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found nothing.",
		},
		[]string{"prefix"},
	)

	cacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Duration of cache operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
		[]string{"operation"},
	)

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by a rate limiter.",
		},
		[]string{"limiter"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service"},
	)

	circuitCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "calls_total",
			Help:      "Calls routed through circuit breakers by outcome.",
		},
		[]string{"service", "outcome"},
	)

	modelCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "cache_size",
			Help:      "Number of models currently loaded.",
		},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "load_duration_seconds",
			Help:      "Time spent loading a model.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"model"},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "inference_duration_seconds",
			Help:      "Time spent generating a response.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"model"},
	)

	inferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "requests_total",
			Help:      "Inference requests by model and outcome.",
		},
		[]string{"model", "status"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events recorded by type.",
		},
		[]string{"event_type"},
	)

	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Background tasks by final status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Duration of background tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	healthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_health_status",
			Help: "Component health (0 ok, 1 warning, 2 error, 3 critical).",
		},
		[]string{"component"},
	)

	cpuUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Host CPU usage percentage.",
		},
	)

	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_memory_usage_bytes",
			Help: "Host memory in use.",
		},
	)

	diskUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_disk_usage_bytes",
			Help: "Disk space in use on the root volume.",
		},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "processed_total",
			Help:      "Token payments by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		cacheHits,
		cacheMisses,
		cacheOpDuration,
		rateLimitRejections,
		circuitState,
		circuitCalls,
		modelCacheSize,
		modelLoadDuration,
		inferenceDuration,
		inferenceRequests,
		auditEvents,
		taskRuns,
		taskDuration,
		healthStatus,
		cpuUsage,
		memoryUsage,
		diskUsage,
		payments,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Paths are labelled with the matched chi route pattern to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePattern(r)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func CacheHit(prefix string)  { cacheHits.WithLabelValues(prefix).Inc() }
func CacheMiss(prefix string) { cacheMisses.WithLabelValues(prefix).Inc() }

func ObserveCacheOp(op string, start time.Time) {
	cacheOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func RateLimited(limiter string) { rateLimitRejections.WithLabelValues(limiter).Inc() }

func SetCircuitState(service string, state int) {
	circuitState.WithLabelValues(service).Set(float64(state))
}

func CircuitCall(service, outcome string) {
	circuitCalls.WithLabelValues(service, outcome).Inc()
}

func SetModelCacheSize(n int) { modelCacheSize.Set(float64(n)) }

func ObserveModelLoad(model string, d time.Duration) {
	modelLoadDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordInference records one generation attempt.
func RecordInference(model string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	inferenceRequests.WithLabelValues(model, status).Inc()
	inferenceDuration.WithLabelValues(model).Observe(d.Seconds())
}

func AuditEvent(eventType string) { auditEvents.WithLabelValues(eventType).Inc() }

func RecordTask(status string, d time.Duration) {
	taskRuns.WithLabelValues(status).Inc()
	if d > 0 {
		taskDuration.Observe(d.Seconds())
	}
}

func SetHealthStatus(component string, level int) {
	healthStatus.WithLabelValues(component).Set(float64(level))
}

func SetSystemUsage(cpuPercent float64, memBytes, diskBytes uint64) {
	cpuUsage.Set(cpuPercent)
	memoryUsage.Set(float64(memBytes))
	diskUsage.Set(float64(diskBytes))
}

func Payment(status string) { payments.WithLabelValues(status).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
