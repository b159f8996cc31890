// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_tokens_total{provider,direction,estimated}
	tokensTotal *prometheus.CounterVec

	// gateway_key_cache_total{result}
	keyCacheTotal *prometheus.CounterVec

	// gateway_usage_entries_total{event} — enqueued|settled|redelivered|dead
	usageEntries *prometheus.CounterVec

	// gateway_settlement_batches_total{outcome}
	settlementBatches *prometheus.CounterVec

	// gateway_stream_finalize_total{reason}
	streamFinalize *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token counts recorded per provider and direction",
			},
			[]string{"provider", "direction", "estimated"},
		),

		keyCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_cache_total",
				Help: "API key cache lookups by result (hit, miss, negative_*)",
			},
			[]string{"result"},
		),

		usageEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_usage_entries_total",
				Help: "Usage log entries by lifecycle event",
			},
			[]string{"event"},
		),

		settlementBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_settlement_batches_total",
				Help: "Settlement batch deliveries by outcome (acked, nacked)",
			},
			[]string{"outcome"},
		),

		streamFinalize: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_finalize_total",
				Help: "Stream finalizations by trigger reason (flush, abort, pump_error)",
			},
			[]string{"reason"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream dispatches by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information; always 1, labelled with the version",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.tokensTotal,
		r.keyCacheTotal,
		r.usageEntries,
		r.settlementBatches,
		r.streamFinalize,
		r.upstreamAttempts,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track concurrent requests.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// AddTokens records prompt and completion token counts for a provider.
func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int, estimated bool) {
	est := strconv.FormatBool(estimated)
	r.tokensTotal.WithLabelValues(provider, "prompt", est).Add(float64(promptTokens))
	r.tokensTotal.WithLabelValues(provider, "completion", est).Add(float64(completionTokens))
}

// KeyCacheResult implements keystore.Observer.
func (r *Registry) KeyCacheResult(result string) {
	r.keyCacheTotal.WithLabelValues(result).Inc()
}

// UsageEvent counts usage-entry lifecycle events.
func (r *Registry) UsageEvent(event string, n int) {
	r.usageEntries.WithLabelValues(event).Add(float64(n))
}

// SettlementBatch counts one settlement delivery attempt.
func (r *Registry) SettlementBatch(outcome string) {
	r.settlementBatches.WithLabelValues(outcome).Inc()
}

// StreamFinalized counts a stream finalization by its trigger.
func (r *Registry) StreamFinalized(reason string) {
	r.streamFinalize.WithLabelValues(reason).Inc()
}

// UpstreamAttempt counts one upstream dispatch.
func (r *Registry) UpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}
