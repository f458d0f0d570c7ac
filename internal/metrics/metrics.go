package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trivita_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	sweepTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_sweep_ticks_total",
			Help: "Sweep ticks by outcome",
		},
		[]string{"outcome"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trivita_sweep_duration_seconds",
			Help:    "Wall time of one sweep tick",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	slotsSeeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trivita_slots_seeded_total",
			Help: "Slots inserted by seeding",
		},
	)

	slotTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_slot_transitions_total",
			Help: "Slot status transitions by target status",
		},
		[]string{"status"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_deliveries_total",
			Help: "Delivery attempts by target kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	quickActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_quick_actions_total",
			Help: "Quick actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	logSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_log_signals_total",
			Help: "Log signals emitted for quick-log actions",
		},
		[]string{"outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trivita_circuit_breaker_state",
			Help: "Delivery channel breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trivita_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivita_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trivita_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trivita_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTick records one sweep tick. outcome is "ok", "error" or "skipped".
func RecordTick(outcome string, duration time.Duration) {
	sweepTicks.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		sweepDuration.Observe(duration.Seconds())
	}
}

func RecordSeeded(n int) {
	slotsSeeded.Add(float64(n))
}

// RecordTransition counts a slot entering status.
func RecordTransition(status string) {
	slotTransitions.WithLabelValues(status).Inc()
}

func RecordDelivery(kind, outcome string) {
	deliveries.WithLabelValues(kind, outcome).Inc()
}

func RecordQuickAction(action, outcome string) {
	quickActions.WithLabelValues(action, outcome).Inc()
}

func RecordLogSignal(outcome string) {
	logSignals.WithLabelValues(outcome).Inc()
}

// SetBreakerState exports a breaker state as its numeric value.
func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern,
// so path parameters do not explode the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
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
