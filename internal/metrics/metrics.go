// Package metrics exposes the Prometheus instruments of the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// CommandsExecuted counts shell commands by outcome (ok, error, timeout).
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "commands_executed_total",
		Help:      "Shell commands executed, by outcome.",
	}, []string{"outcome"})

	// ProcessesStarted counts background processes spawned.
	ProcessesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "processes_started_total",
		Help:      "Background processes started.",
	})

	// CodeExecutions counts interpreter runs by language.
	CodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "code_executions_total",
		Help:      "Interpreter executions, by language.",
	}, []string{"language"})

	// ProxyRequests counts requests forwarded to exposed ports.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "proxy_requests_total",
		Help:      "Requests forwarded to exposed ports, by status class.",
	}, []string{"kind"})

	// ActiveStreams gauges currently open SSE streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandboxd",
		Name:      "active_streams",
		Help:      "Open server-sent event streams.",
	})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sandboxd",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
