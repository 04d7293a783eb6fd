// Package metrics holds the Prometheus collectors for tunnels, bridges, health
// pings and the control API. Collectors are usable before registration;
// MustRegister exposes them on the default registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TunnelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsrx_tunnels_active",
		Help: "Number of tunnels with a live listener.",
	})

	BridgesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsrx_bridges_active",
		Help: "Number of TCP connections currently bridged to a WebSocket.",
	})

	BridgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrx_bridges_total",
		Help: "Total number of completed bridges.",
	})

	BridgedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrx_bridged_bytes_total",
			Help: "Payload bytes forwarded by bridges, labeled by direction.",
		},
		[]string{"direction"}, // tcp_to_ws, ws_to_tcp
	)

	ConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrx_connect_failures_total",
		Help: "Outbound WebSocket connects that failed and stopped their tunnel.",
	})

	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrx_transport_errors_total",
			Help: "Bridges that ended with a transport error, labeled by failing side.",
		},
		[]string{"side"},
	)

	PingLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsrx_ping_latency_seconds",
		Help:    "Estimated one-way latency from successful health checks.",
		Buckets: prometheus.DefBuckets,
	})

	PingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrx_ping_failures_total",
		Help: "Health pings that failed.",
	})

	PingfallEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrx_pingfall_evictions_total",
		Help: "Tunnels evicted by the pingfall policy.",
	})

	ScopesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsrx_scopes",
			Help: "Number of registered scopes, labeled by state.",
		},
		[]string{"state"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrx_http_requests_total",
			Help: "Control API requests, labeled by method and status code.",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsrx_http_request_duration_seconds",
			Help:    "Control API request latencies, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector on the default registry. Extra calls
// are ignored.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TunnelsActive,
			BridgesActive,
			BridgesTotal,
			BridgedBytesTotal,
			ConnectFailures,
			TransportErrors,
			PingLatencySeconds,
			PingFailures,
			PingfallEvictions,
			ScopesByState,
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBridge records a finished bridge
func ObserveBridge(tcpToWS, wsToTCP int64) {
	BridgesTotal.Inc()
	BridgedBytesTotal.WithLabelValues("tcp_to_ws").Add(float64(tcpToWS))
	BridgedBytesTotal.WithLabelValues("ws_to_tcp").Add(float64(wsToTCP))
}

// ObservePing records a health check result in milliseconds; -1 is a failure
func ObservePing(latencyMs int) {
	if latencyMs < 0 {
		PingFailures.Inc()
		return
	}
	PingLatencySeconds.Observe((time.Duration(latencyMs) * time.Millisecond).Seconds())
}

// ObserveHTTP records one control API request
func ObserveHTTP(method string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}
