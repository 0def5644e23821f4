// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserplane"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions currently in the active state.",
	})
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Session create attempts by result.",
	}, []string{"result"})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Sessions that ended, by reason.",
	}, []string{"reason"})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands executed, by command and outcome kind.",
	}, []string{"command", "outcome"})
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time spent executing a command on the engine.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"command"})
	LaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_launch_duration_seconds",
		Help:      "Time from launch request until the engine passed its readiness check.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
	}, []string{"backend"})
	PoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pool_busy",
		Help:      "Workers currently running an engine call.",
	})
)

// Close reasons
const (
	ReasonDeleted  = "deleted"
	ReasonExpired  = "expired"
	ReasonFailed   = "failed"
	ReasonShutdown = "shutdown"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	OutcomeSuccess = "success"
	UnknownCommand = "unknown"
)

// ObserveCommand records one command execution.
func ObserveCommand(command, outcome string, elapsed time.Duration) {
	Commands.WithLabelValues(command, outcome).Inc()
	CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
