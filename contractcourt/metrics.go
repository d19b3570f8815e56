package contractcourt

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "chancore"
	metricsSubsystem = "monitor"
)

// monitorMetrics are the prometheus collectors of a ChainMonitor.
type monitorMetrics struct {
	// channels is the number of monitors per state.
	channels *prometheus.GaugeVec

	breaches        prometheus.Counter
	penalties       prometheus.Counter
	persistFailures prometheus.Counter
}

func newMonitorMetrics() *monitorMetrics {
	return &monitorMetrics{
		channels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "channels",
				Help:      "Number of channel monitors per state.",
			},
			[]string{"state"},
		),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "breaches_detected_total",
			Help:      "Revoked commitments seen on chain.",
		}),
		penalties: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "penalties_broadcast_total",
			Help:      "Justice transactions handed to the broadcaster.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "channel_failures_total",
			Help:      "Monitor updates or writes that failed, each " +
				"one stopping a channel.",
		}),
	}
}

// register adds all collectors to the registerer.
func (m *monitorMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.channels, m.breaches, m.penalties, m.persistFailures,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// observeEvent bumps the counter matching an event.
func (m *monitorMetrics) observeEvent(e MonitorEvent) {
	switch e.Type {
	case EventBreachDetected:
		m.breaches.Inc()
	case EventPenaltyBroadcast:
		m.penalties.Inc()
	}
}

// setStates replaces the per-state gauges.
func (m *monitorMetrics) setStates(counts map[MonitorState]int) {
	for _, s := range []MonitorState{
		StateActive, StateBreachDetected, StatePenaltyBroadcast,
		StateResolved,
	} {
		m.channels.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
