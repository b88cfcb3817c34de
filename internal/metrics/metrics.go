// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they do
// not collide with host-level collectors when the gateway is embedded. The
// /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// botgate_inflight_requests
	inFlight prometheus.Gauge

	// botgate_requests_total{vendor,status}
	requestsTotal *prometheus.CounterVec

	// botgate_request_duration_seconds{vendor}
	requestDuration *prometheus.HistogramVec

	// botgate_upstream_attempts_total{vendor,outcome}
	upstreamAttempts *prometheus.CounterVec

	// botgate_fallback_hops_total{vendor,reason}
	fallbackHops *prometheus.CounterVec

	// botgate_fallback_exhausted_total{vendor}
	fallbackExhausted *prometheus.CounterVec

	// botgate_circuit_breaker_state{route} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// botgate_circuit_breaker_transitions_total{route,to_state}
	breakerTransitions *prometheus.CounterVec

	// botgate_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// botgate_budget_rejections_total{bot}
	budgetRejections *prometheus.CounterVec

	// botgate_tokens_total{vendor,direction}
	tokensTotal *prometheus.CounterVec

	// botgate_usage_log_dropped_total
	usageLogDropped prometheus.Counter

	// botgate_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botgate_inflight_requests",
			Help: "Current number of in-flight proxy requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_requests_total",
				Help: "Total number of proxy requests handled",
			},
			[]string{"vendor", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botgate_request_duration_seconds",
				Help:    "End-to-end request duration in seconds, including upstream streaming",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"vendor"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_upstream_attempts_total",
				Help: "Upstream attempts by outcome (success, rate_limit, overloaded, timeout, upstream_error, client_error)",
			},
			[]string{"vendor", "outcome"},
		),

		fallbackHops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_fallback_hops_total",
				Help: "Fallback hops taken after a failed upstream attempt",
			},
			[]string{"vendor", "reason"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_fallback_exhausted_total",
				Help: "Requests that ran out of fallback candidates",
			},
			[]string{"vendor"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botgate_circuit_breaker_state",
				Help: "Circuit breaker state per route (0=closed, 1=open, 2=half-open)",
			},
			[]string{"route"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"route", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_ratelimit_total",
				Help: "Rate limit decisions (allowed, blocked)",
			},
			[]string{"result"},
		),

		budgetRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_budget_rejections_total",
				Help: "Requests rejected because a bot exceeded its spend limit",
			},
			[]string{"bot"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botgate_tokens_total",
				Help: "Token usage extracted from upstream responses",
			},
			[]string{"vendor", "direction"},
		),

		usageLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_usage_log_dropped_total",
			Help: "Usage log records dropped because the writer queue was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botgate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.fallbackHops,
		r.fallbackExhausted,
		r.breakerState,
		r.breakerTransitions,
		r.rateLimitTotal,
		r.budgetRejections,
		r.tokensTotal,
		r.usageLogDropped,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records a completed proxy request.
func (r *Registry) ObserveRequest(vendor string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(vendor, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(vendor).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt and its outcome.
func (r *Registry) ObserveUpstreamAttempt(vendor, outcome string) {
	r.upstreamAttempts.WithLabelValues(vendor, outcome).Inc()
}

// RecordFallbackHop records a hop to the next candidate after a failure.
func (r *Registry) RecordFallbackHop(vendor, reason string) {
	r.fallbackHops.WithLabelValues(vendor, reason).Inc()
}

// RecordFallbackExhausted records a request that ran out of candidates.
func (r *Registry) RecordFallbackExhausted(vendor string) {
	r.fallbackExhausted.WithLabelValues(vendor).Inc()
}

// RecordRateLimit records a rate limit decision ("allowed" or "blocked").
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordBudgetRejection records a spend-limit rejection for a bot.
func (r *Registry) RecordBudgetRejection(botID string) {
	r.budgetRejections.WithLabelValues(botID).Inc()
}

// AddTokens records extracted token usage.
func (r *Registry) AddTokens(vendor string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "output").Add(float64(outputTokens))
	}
}

// RecordUsageLogDropped counts a usage log record lost to backpressure.
func (r *Registry) RecordUsageLogDropped() { r.usageLogDropped.Inc() }

// SetBuildInfo publishes the build version once at startup.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker updates the breaker gauge for a route and counts
// transitions so flapping is visible even between scrapes.
func (r *Registry) SetCircuitBreaker(route string, state int64) {
	v := float64(state)
	r.cbMu.Lock()
	prev, seen := r.lastCBState[route]
	r.lastCBState[route] = v
	r.cbMu.Unlock()

	r.breakerState.WithLabelValues(route).Set(v)
	if seen && prev != v {
		var label string
		switch state {
		case 0:
			label = "closed"
		case 1:
			label = "open"
		default:
			label = "half-open"
		}
		r.breakerTransitions.WithLabelValues(route, label).Inc()
	}
}

// Handler returns the fasthttp handler serving the Prometheus exposition.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
