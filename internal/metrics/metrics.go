// Package metrics exposes relay and session metrics on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric of the process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsActive, FramesTotal,
		ToolCallsTotal, ToolDuration,
		StoreErrorsTotal, CacheSize,
	)
}

// Frame directions.
const (
	DirectionToServer = "to_server"
	DirectionToClient = "to_client"
)

// Frame actions.
const (
	ActionForwarded  = "forwarded"
	ActionRewritten  = "rewritten"
	ActionSuppressed = "suppressed"
	ActionMalformed  = "malformed"
	ActionUI         = "ui"
	ActionLimited    = "rate_limited"
)

// SessionsActive is the number of open relay connections.
var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Open client relay connections.",
	},
)

// FramesTotal counts frames by direction and what the relay did with them.
var FramesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Frames processed by the relay.",
	},
	[]string{"direction", "action"},
)

// ToolCallsTotal counts tool dispatches by outcome.
var ToolCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_tool_calls_total",
		Help: "Tool calls dispatched.",
	},
	[]string{"tool", "status"}, // ok | error
)

// ToolDuration is tool handler latency in seconds.
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "relay_tool_duration_seconds",
		Help:    "Tool handler latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// StoreErrorsTotal counts durable store failures by operation.
var StoreErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "session_store_errors_total",
		Help: "Durable session store errors.",
	},
	[]string{"op"},
)

// CacheSize is the number of sessions held in memory.
var CacheSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "session_cache_size",
		Help: "Sessions cached in memory.",
	},
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
