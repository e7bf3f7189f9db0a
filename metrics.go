package srej

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the transfer counters exported by a server. All fields are
// optional for sessions: a nil *Metrics disables accounting.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	DataPackets       prometheus.Counter
	Retransmissions   prometheus.Counter
	BytesSent         prometheus.Counter
	ForceAdvances     prometheus.Counter
}

// NewMetrics builds the counter set and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_sessions_started_total",
			Help: "Transfer sessions accepted by the server",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_sessions_completed_total",
			Help: "Transfer sessions that ran through the EOF exchange without error, acknowledged or not",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_sessions_failed_total",
			Help: "Transfer sessions terminated by handshake or I/O failure",
		}),
		DataPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_data_packets_total",
			Help: "First transmissions of data packets",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_retransmissions_total",
			Help: "Data packets resent due to SREJ, timeout or duplicate RR",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_bytes_sent_total",
			Help: "File payload bytes sent, retransmissions included",
		}),
		ForceAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosrej_force_advances_total",
			Help: "Packets skipped by the bounded retry escape hatch",
		}),
	}
	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsCompleted,
		m.SessionsFailed,
		m.DataPackets,
		m.Retransmissions,
		m.BytesSent,
		m.ForceAdvances,
	)
	return m
}

// nil-safe increment helpers, sessions call these without caring whether
// metrics are enabled

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) sessionCompleted() {
	if m != nil {
		m.SessionsCompleted.Inc()
	}
}

func (m *Metrics) sessionFailed() {
	if m != nil {
		m.SessionsFailed.Inc()
	}
}

func (m *Metrics) dataPacket(bytes int) {
	if m != nil {
		m.DataPackets.Inc()
		m.BytesSent.Add(float64(bytes))
	}
}

func (m *Metrics) retransmission(bytes int) {
	if m != nil {
		m.Retransmissions.Inc()
		m.BytesSent.Add(float64(bytes))
	}
}

func (m *Metrics) forceAdvance() {
	if m != nil {
		m.ForceAdvances.Inc()
	}
}
