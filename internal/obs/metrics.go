package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Issuance outcomes used as the "outcome" label.
const (
	OutcomeIssued       = "issued"
	OutcomeUnauthorized = "unauthorized"
	OutcomeStoreError   = "store_error"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ready",
		Help: "1 when the permission store answered the last readiness probe.",
	})

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_tokens_issued_total",
			Help: "Token issuance attempts by outcome.",
		},
		[]string{"outcome"},
	)

	permissionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_permissions_created_total",
		Help: "Permission records created in the store.",
	})

	identityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_identity_request_duration_seconds",
			Help:    "Latency of identity provider introspection calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ready, tokensIssued, permissionsCreated, identityDuration,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveIssuance counts a token issuance attempt.
func ObserveIssuance(outcome string) {
	tokensIssued.WithLabelValues(outcome).Inc()
}

// ObservePermissionCreated counts a permission record created by the broker.
func ObservePermissionCreated() {
	permissionsCreated.Inc()
}

// ObserveIdentityRequest records the duration of an identity provider call.
func ObserveIdentityRequest(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	identityDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-type document paths so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const docs = "/v1/documents/"
	if strings.HasPrefix(p, docs) {
		rest := strings.Trim(strings.TrimPrefix(p, docs), "/")
		if rest != "" && !strings.Contains(rest, "/") {
			return docs + ":type"
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
