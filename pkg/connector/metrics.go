// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sessions   *prometheus.GaugeVec
	reconnects prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wa_relay_sessions",
			Help: "Live sessions by connection state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_relay_reconnects_total",
			Help: "Sessions replaced after a non-logout disconnect.",
		}),
	}
	for _, st := range allStates {
		if st != StateLoggedOut {
			m.sessions.WithLabelValues(st.String())
		}
	}
	if reg == nil {
		return m, nil
	}
	for _, col := range []prometheus.Collector{m.sessions, m.reconnects} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register connector metrics: %w", err)
		}
	}
	return m, nil
}

// observeState keeps the gauge in step with state changes. Logged out
// sessions are gone, so they are not counted.
func (m *metrics) observeState(_ string, from, to State) {
	if from != stateNone && from != StateLoggedOut {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != StateLoggedOut {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}
