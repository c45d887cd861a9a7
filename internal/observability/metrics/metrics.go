package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arterial/traffic-grid-controller/api/events"
)

// Metrics holds every collector on one injected registry; nothing writes
// to the prometheus default registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal         *prometheus.CounterVec
	decisionsTotal      *prometheus.CounterVec
	decisionLatency     prometheus.Histogram
	signalChangesTotal  *prometheus.CounterVec
	rlFallbacksTotal    prometheus.Counter
	failSafeTripsTotal  prometheus.Counter
	corridorActivations prometheus.Counter
	overridesTotal      *prometheus.CounterVec
	modeGauge           *prometheus.GaugeVec
}

// New registers every collector on the given registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, fmt.Errorf("metrics require a registry")
	}
	m := &Metrics{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgc", Name: "events_total",
			Help: "Events published on the bus by name.",
		}, []string{"name"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgc", Name: "decisions_total",
			Help: "Decision sets emitted by strategy.",
		}, []string{"strategy"}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tgc", Name: "decision_latency_ms",
			Help:    "Decision latency per tick in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}),
		signalChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgc", Name: "signal_changes_total",
			Help: "Applied signal changes by resulting state.",
		}, []string{"state"}),
		rlFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgc", Name: "rl_fallbacks_total",
			Help: "Learned-policy failures that fell back to rules.",
		}),
		failSafeTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgc", Name: "failsafe_trips_total",
			Help: "Fail-safe entries.",
		}),
		corridorActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgc", Name: "corridor_activations_total",
			Help: "Emergency corridor activations.",
		}),
		overridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgc", Name: "overrides_total",
			Help: "Manual override lifecycle steps.",
		}, []string{"action"}),
		modeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tgc", Name: "mode",
			Help: "Current system mode (1 for the active mode).",
		}, []string{"mode"}),
	}

	collectors := []prometheus.Collector{
		m.eventsTotal, m.decisionsTotal, m.decisionLatency,
		m.signalChangesTotal, m.rlFallbacksTotal, m.failSafeTripsTotal,
		m.corridorActivations, m.overridesTotal, m.modeGauge,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge installs a polled gauge (bus queue depth, scheduler
// backlog) backed by the supplied closure.
func (m *Metrics) RegisterGauge(name, help string, value func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tgc", Name: name, Help: help,
	}, value))
}

// RecordRLFallback counts one policy failure that fell back to rules.
func (m *Metrics) RecordRLFallback() {
	m.rlFallbacksTotal.Inc()
}

// Deliver implements the event-bus subscriber: every published event
// feeds the counters, so instrumentation rides the existing event flow.
func (m *Metrics) Deliver(_ context.Context, event events.Event) error {
	m.eventsTotal.WithLabelValues(string(event.Name)).Inc()

	switch event.Name {
	case events.AgentDecision:
		strategy := event.Attributes["strategy"]
		if strategy == "" {
			strategy = "unknown"
		}
		m.decisionsTotal.WithLabelValues(strategy).Inc()
		if raw := event.Attributes["latency_ms"]; raw != "" {
			if latency, err := strconv.ParseFloat(raw, 64); err == nil {
				m.decisionLatency.Observe(latency)
			}
		}
	case events.SignalChange:
		state := event.Attributes["state"]
		if state == "" {
			state = "unknown"
		}
		m.signalChangesTotal.WithLabelValues(state).Inc()
	case events.FailSafeTriggered:
		m.failSafeTripsTotal.Inc()
	case events.EmergencyActivated:
		m.corridorActivations.Inc()
	case events.OverrideCreated:
		m.overridesTotal.WithLabelValues("created").Inc()
	case events.OverrideCancelled:
		m.overridesTotal.WithLabelValues("cancelled").Inc()
	case events.ModeChanged:
		if to := event.Attributes["to"]; to != "" {
			m.setMode(to)
		}
	}
	return nil
}

func (m *Metrics) setMode(active string) {
	for _, mode := range []string{"NORMAL", "EMERGENCY", "INCIDENT", "FAIL_SAFE"} {
		value := 0.0
		if mode == active {
			value = 1.0
		}
		m.modeGauge.WithLabelValues(mode).Set(value)
	}
}
