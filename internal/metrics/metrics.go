// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	CompletionsTotal   *prometheus.CounterVec
	StreamChunksTotal  prometheus.Counter
	ToolCallsTotal     *prometheus.CounterVec
	RecursionDepth     prometheus.Histogram
	CompletionDuration *prometheus.HistogramVec
}

// New registers the collectors on the given registerer. Pass
// prometheus.DefaultRegisterer for the process registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_completions_total",
			Help: "Completions processed, by backend host and finish reason.",
		}, []string{"host", "finish_reason"}),

		StreamChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_stream_chunks_total",
			Help: "Streaming chunks forwarded to callers.",
		}),

		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tool_calls_total",
			Help: "Tool calls dispatched, by kind.",
		}, []string{"kind"}),

		RecursionDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_recursion_depth",
			Help:    "Chat recursion depth reached per completion.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),

		CompletionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_completion_duration_seconds",
			Help:    "Completion latency by backend host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
	}
}
