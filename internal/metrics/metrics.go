// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	DigestLookups *prometheus.CounterVec

	GatewayPending      prometheus.Gauge
	GatewayTransactions *prometheus.CounterVec
	GatewayClients      prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sp_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sp_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sp_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sp_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sp_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		DigestLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sp_proxy_digest_lookups_total",
			Help: "Request digest lookups by result (hit, refresh, error).",
		}, []string{"result"}),

		GatewayPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sp_proxy_gateway_pending_transactions",
			Help: "Tunneled requests awaiting a response from the gateway client.",
		}),

		GatewayTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sp_proxy_gateway_transactions_total",
			Help: "Tunneled requests by outcome (resolved, timeout, canceled, unavailable, disconnected, discarded).",
		}, []string{"outcome"}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sp_proxy_gateway_client_connected",
			Help: "1 while a gateway client is connected.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.DigestLookups,
		m.GatewayPending,
		m.GatewayTransactions,
		m.GatewayClients,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "MERGE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label for Prometheus metrics.
// Site paths are arbitrary, so only the API family is kept.
func NormalizeRoute(path string) string {
	lower := strings.ToLower(path)
	switch {
	case lower == "/config", lower == "/healthz", lower == "/proxy/status", lower == "/metrics":
		return lower
	case strings.HasSuffix(lower, "/_api/$batch"):
		return "batch"
	case strings.Contains(lower, "/_api/") || strings.HasSuffix(lower, "/_api"):
		return "rest"
	case strings.HasSuffix(lower, "/_vti_bin/client.svc/processquery"):
		return "csom"
	case strings.Contains(lower, "/_vti_bin/") && strings.HasSuffix(lower, ".asmx"):
		return "soap"
	case strings.Contains(lower, "/_vti_bin/"):
		return "vti_bin"
	default:
		return "other"
	}
}
