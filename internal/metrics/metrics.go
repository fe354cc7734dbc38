// Package metrics exposes admission and feedback-loop counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	admitDecisions *prometheus.CounterVec
	admitDuration  prometheus.Histogram
	transitions    *prometheus.CounterVec
	abuseActions   *prometheus.CounterVec
	riskLevels     *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wathrottle_admit_decisions_total",
			Help: "Admission decisions by result and reason",
		}, []string{"result", "reason"}),
		admitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wathrottle_admit_duration_seconds",
			Help:    "Time spent deciding one admission",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wathrottle_state_transitions_total",
			Help: "Sender warm-up state transitions",
		}, []string{"from", "to", "trigger"}),
		abuseActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wathrottle_abuse_actions_total",
			Help: "Restriction actions emitted by abuse rules and escalation",
		}, []string{"action"}),
		riskLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wathrottle_risk_level_changes_total",
			Help: "Risk level changes by entity type and new level",
		}, []string{"entity_type", "level"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wathrottle_events_dropped_total",
			Help: "Events dropped because a subscriber was full",
		}, []string{"subscriber"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wathrottle_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admitDecisions,
		m.admitDuration,
		m.transitions,
		m.abuseActions,
		m.riskLevels,
		m.eventsDropped,
		m.breakerState,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAdmit(allow bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.admitDecisions.WithLabelValues(strconv.FormatBool(allow), reason).Inc()
	m.admitDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Transition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, trigger).Inc()
}

func (m *Metrics) AbuseAction(action string) {
	if m == nil {
		return
	}
	m.abuseActions.WithLabelValues(action).Inc()
}

func (m *Metrics) RiskLevelChange(entityType, level string) {
	if m == nil {
		return
	}
	m.riskLevels.WithLabelValues(entityType, level).Inc()
}

func (m *Metrics) EventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
