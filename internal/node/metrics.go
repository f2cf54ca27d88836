// ABOUTME: Prometheus collectors for envelope traffic and peer connections.

package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on envelopes_dropped_total.
const (
	dropDuplicate = "duplicate"
	dropUnhandled = "unhandled"
	dropHandler   = "handler_error"
	dropProtocol  = "protocol"
	dropStopping  = "stopping"
)

// Metrics holds the collectors shared by every node in a process. A nil
// *Metrics records nothing.
type Metrics struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	connects *prometheus.CounterVec
	active   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coven_senses_envelopes_sent_total",
			Help: "Envelopes written to a peer connection",
		}, []string{"node", "type"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coven_senses_envelopes_received_total",
			Help: "Envelopes decoded from a peer connection",
		}, []string{"node", "type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coven_senses_envelopes_dropped_total",
			Help: "Inbound envelopes or frames that were not dispatched",
		}, []string{"node", "reason"}),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coven_senses_connect_attempts_total",
			Help: "Outbound dial and handshake attempts",
		}, []string{"node", "peer", "result"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coven_senses_connections_active",
			Help: "Live peer connections",
		}, []string{"node"}),
	}
}

func (m *Metrics) envelopeSent(node, typ string) {
	if m != nil {
		m.sent.WithLabelValues(node, typ).Inc()
	}
}

func (m *Metrics) envelopeReceived(node, typ string) {
	if m != nil {
		m.received.WithLabelValues(node, typ).Inc()
	}
}

func (m *Metrics) envelopeDropped(node, reason string) {
	if m != nil {
		m.dropped.WithLabelValues(node, reason).Inc()
	}
}

func (m *Metrics) connectAttempt(node, peer string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connects.WithLabelValues(node, peer, result).Inc()
}

func (m *Metrics) setActive(node string, n int) {
	if m != nil {
		m.active.WithLabelValues(node).Set(float64(n))
	}
}
