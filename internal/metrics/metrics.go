package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/send-throttle/internal/domain"
	"github.com/notifyhub/send-throttle/internal/eventlog"
	"github.com/notifyhub/send-throttle/internal/gate"
	"github.com/notifyhub/send-throttle/internal/sender"
	"github.com/notifyhub/send-throttle/internal/tier"
	"github.com/notifyhub/send-throttle/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	GateDecisions     *prometheus.CounterVec
	GateLatency       *prometheus.HistogramVec
	TierLookups       *prometheus.CounterVec
	SenderTransitions *prometheus.CounterVec
	CircuitBreaks     *prometheus.CounterVec
	EventsRecorded    *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	EventWriteErrors  prometheus.Counter
	EventBufferDepth  prometheus.Gauge
	StorageBreaker    *prometheus.GaugeVec
	JanitorRuns       *prometheus.CounterVec
	JanitorRemoved    *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_decisions_total",
			Help: "Gate decisions by outcome and limiting bucket scope.",
		}, []string{"outcome", "scope"}),

		GateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "throttle_decision_seconds",
			Help:    "Time spent deciding one CheckAndConsume call.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),

		TierLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_tier_lookups_total",
			Help: "Tier resolutions by result (hit, miss, fallback, error).",
		}, []string{"result"}),

		SenderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_sender_transitions_total",
			Help: "Sender lifecycle stage changes.",
		}, []string{"from", "to"}),

		CircuitBreaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_sender_circuit_breaks_total",
			Help: "Sender circuit breaker trips by resulting pause kind.",
		}, []string{"kind"}),

		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_events_recorded_total",
			Help: "Throttle events accepted into the write buffer.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_events_dropped_total",
			Help: "Throttle events discarded because the write buffer was full.",
		}),
		EventWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_event_write_errors_total",
			Help: "Failed batch writes to the throttle event repository.",
		}),
		EventBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttle_event_buffer_depth",
			Help: "Throttle events waiting to be written.",
		}),

		StorageBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_storage_breaker_open",
			Help: "1 while the storage circuit breaker is open or half-open.",
		}, []string{"breaker"}),

		JanitorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_janitor_runs_total",
			Help: "Janitor job runs by job and result.",
		}, []string{"job", "result"}),
		JanitorRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_janitor_removed_total",
			Help: "Rows removed by janitor jobs.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.GateDecisions,
		m.GateLatency,
		m.TierLookups,
		m.SenderTransitions,
		m.CircuitBreaks,
		m.EventsRecorded,
		m.EventsDropped,
		m.EventWriteErrors,
		m.EventBufferDepth,
		m.StorageBreaker,
		m.JanitorRuns,
		m.JanitorRemoved,
	)

	return m
}

// The hook constructors below keep the observed packages free of any
// Prometheus import.

func (m *Metrics) GateHooks() gate.Hooks {
	return gate.Hooks{
		OnDecision: func(outcome, scope string, elapsed time.Duration) {
			m.GateDecisions.WithLabelValues(outcome, scope).Inc()
			m.GateLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
		},
	}
}

func (m *Metrics) TierHooks() tier.Hooks {
	return tier.Hooks{
		OnResolve: func(result string) {
			m.TierLookups.WithLabelValues(result).Inc()
		},
	}
}

func (m *Metrics) SenderHooks() sender.Hooks {
	return sender.Hooks{
		OnTransition: func(from, to domain.SenderStage) {
			m.SenderTransitions.WithLabelValues(string(from), string(to)).Inc()
		},
		OnCircuitBreak: func(suspended bool) {
			kind := string(domain.StageCooldown)
			if suspended {
				kind = string(domain.StageSuspended)
			}
			m.CircuitBreaks.WithLabelValues(kind).Inc()
		},
	}
}

func (m *Metrics) EventLogHooks() eventlog.Hooks {
	return eventlog.Hooks{
		OnRecorded: func(t domain.ThrottleEventType) {
			m.EventsRecorded.WithLabelValues(string(t)).Inc()
		},
		OnDropped:    m.EventsDropped.Inc,
		OnWriteError: m.EventWriteErrors.Inc,
		OnDepth: func(depth int) {
			m.EventBufferDepth.Set(float64(depth))
		},
	}
}

// BreakerStateHook is set as bucket.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateHook() func(name, state string) {
	return func(name, state string) {
		open := 0.0
		if state != "closed" {
			open = 1
		}
		m.StorageBreaker.WithLabelValues(name).Set(open)
	}
}

func (m *Metrics) JanitorHooks() worker.Hooks {
	return worker.Hooks{
		OnRun: func(job string, removed int64, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.JanitorRuns.WithLabelValues(job, result).Inc()
			m.JanitorRemoved.WithLabelValues(job).Add(float64(removed))
		},
	}
}
