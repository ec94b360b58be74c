// Package metrics exposes the server's Prometheus instrumentation,
// grounded on the gauge/counter/registration shape the pack's own
// WebSocket proxy (h3ws2h1ws-proxy) uses for its /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive is the current live session count.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_tunnel_sessions_active",
		Help: "Number of currently open tunnel sessions.",
	})
	// SessionsCreatedTotal counts successful logins.
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_tunnel_sessions_created_total",
		Help: "Total tunnel sessions successfully opened.",
	})
	// SessionsClosedTotal counts sessions removed from the registry, by
	// logout or by reaping.
	SessionsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_tunnel_sessions_closed_total",
		Help: "Total tunnel sessions removed from the registry (logout or reaping).",
	})
	// RequestsTotal counts HTTP session-endpoint requests that reached the
	// outbound drain, by endpoint and outcome (the Error field's message,
	// or "" on success). Requests rejected before the drain are not
	// counted.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_tunnel_requests_total",
		Help: "Requests to /api/session-family endpoints by outcome.",
	}, []string{"endpoint", "error"})
	// BytesForwardedTotal counts payload bytes moved by direction.
	BytesForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_tunnel_bytes_forwarded_total",
		Help: "Payload bytes forwarded by direction.",
	}, []string{"dir"}) // "inbound" (client->backend) or "outbound" (backend->client)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsCreatedTotal,
		SessionsClosedTotal,
		RequestsTotal,
		BytesForwardedTotal,
	)
}

// Handler serves the standard Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
