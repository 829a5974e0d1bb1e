package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/ota-deploy-state/internal/reconcile"
)

// Tick results recorded by ticksTotal.
const (
	TickCompleted = "completed"
	TickSkipped   = "skipped"
)

var (
	reconcileDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ota",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one reconciler run in seconds",
			// Most runs are a handful of HTTP calls; the tail covers retry delays.
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"backend", "instance"},
	)

	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "state_transitions_total",
			Help:      "Total number of committed reconciler state transitions",
		},
		[]string{"backend", "instance", "to"},
	)

	reconcileTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "reconcile_terminal_total",
			Help:      "Total number of reconciler runs by the terminal state they settled in",
		},
		[]string{"backend", "instance", "state"},
	)

	attemptsRemainingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ota",
			Name:      "reconcile_attempts_remaining",
			Help:      "Attempts left in the retry budget of the current reconciler run",
		},
		[]string{"backend", "instance"},
	)

	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "poll_ticks_total",
			Help:      "Total number of poll ticks by result",
		},
		[]string{"result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileDurationHistogram,
		stateTransitionsTotal,
		reconcileTerminalTotal,
		attemptsRemainingGauge,
		ticksTotal,
	)
}

// Metrics records reconciler progress on the controller-runtime registry.
type Metrics struct{}

var _ reconcile.Observer = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Transition counts a committed state change.
func (m *Metrics) Transition(backend, instance, _, to string) {
	stateTransitionsTotal.WithLabelValues(backend, instance, to).Inc()
}

// Terminal counts a run settling in state.
func (m *Metrics) Terminal(backend, instance, state string) {
	reconcileTerminalTotal.WithLabelValues(backend, instance, state).Inc()
}

// AttemptsRemaining records the retry budget of the current run.
func (m *Metrics) AttemptsRemaining(backend, instance string, remaining int) {
	attemptsRemainingGauge.WithLabelValues(backend, instance).Set(float64(remaining))
}

// ObserveDuration records the duration of one reconciler run in seconds.
func (m *Metrics) ObserveDuration(backend, instance string, durationSeconds float64) {
	reconcileDurationHistogram.WithLabelValues(backend, instance).Observe(durationSeconds)
}

// RecordTick counts a poll tick by result.
func (m *Metrics) RecordTick(result string) {
	ticksTotal.WithLabelValues(result).Inc()
}

// Forget removes the per-instance series of a Vault instance that is no longer
// declared, so its last values do not linger.
func (m *Metrics) Forget(backend, instance string) {
	attemptsRemainingGauge.DeleteLabelValues(backend, instance)
	reconcileDurationHistogram.DeleteLabelValues(backend, instance)
}
