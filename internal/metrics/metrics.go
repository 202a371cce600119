// Package metrics exposes Prometheus instrumentation for the execution service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsStarted counts execution start requests accepted.
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelab_executions_started_total",
		Help: "Number of executions accepted by the orchestrator.",
	})

	// ExecutionsFinished counts executions by terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelab_executions_finished_total",
		Help: "Number of executions reaching a terminal state, by status.",
	}, []string{"status"})

	// PoolInUse tracks leased worker slots.
	PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelab_pool_slots_in_use",
		Help: "Worker pool slots currently leased.",
	})

	// Subscribers tracks live WebSocket subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelab_ws_subscribers",
		Help: "Connected execution-output WebSocket subscribers.",
	})

	// SessionsSwept counts sessions closed by the TTL sweeper.
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelab_sessions_swept_total",
		Help: "Sessions closed by the inactivity sweeper.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
