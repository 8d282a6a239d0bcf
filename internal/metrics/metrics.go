// Package metrics defines the Prometheus collectors exported on the
// internal listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tunnel sessions

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of tunnel sessions currently attached to this node",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_total",
			Help: "Total number of tunnel handshake attempts",
		},
		[]string{"status"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_session_duration_seconds",
			Help:    "Tunnel session lifetime in seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_streams_active",
			Help: "Number of in-flight tunnel streams on this node",
		},
	)

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_streams_total",
			Help: "Total number of tunnel streams opened",
		},
		[]string{"kind", "status"},
	)

	// Route registry

	RouteClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_route_claims_total",
			Help: "Total number of hostname claim attempts",
		},
		[]string{"status"},
	)

	RouteRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_route_renewals_total",
			Help: "Total number of lease renewal attempts",
		},
		[]string{"status"},
	)

	// Ingress and inter-node proxy

	IngressRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_ingress_requests_total",
			Help: "Total number of public requests by dispatch outcome",
		},
		[]string{"route", "status_code"},
	)

	IngressRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_ingress_request_duration_seconds",
			Help:    "Public request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	ProxyHopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_proxy_hops_total",
			Help: "Total number of requests forwarded to a peer node",
		},
		[]string{"status"},
	)

	RelayedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_relayed_bytes_total",
			Help: "Total bytes relayed through tunnels",
		},
		[]string{"direction"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_rate_limited_total",
			Help: "Total number of requests rejected by per-tunnel rate limits",
		},
	)
)
