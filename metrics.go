package talkspace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a session. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec
	Messages        *prometheus.CounterVec
	Reconnects      prometheus.Counter
	DecodeErrors    *prometheus.CounterVec
}

var connectionStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateErrored}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// ConnectionState is 1 for the current state and 0 for the others.
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talkspace_connection_state",
			Help: "Current realtime connection state",
		}, []string{"state"}),

		// Messages counts chat traffic by event: "sent", "received",
		// "typing", "notification", "reconciled" or "rolled_back".
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkspace_messages_total",
			Help: "Total number of realtime payloads processed",
		}, []string{"event"}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkspace_reconnects_total",
			Help: "Total number of scheduled reconnect attempts",
		}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkspace_decode_errors_total",
			Help: "Total number of inbound payloads dropped as undecodable",
		}, []string{"destination"}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionState, m.Messages, m.Reconnects, m.DecodeErrors)
	}
	m.setState(StateDisconnected)
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) count(event string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(event).Inc()
}

func (m *Metrics) received(kind string) {
	switch kind {
	case "message":
		m.count("received")
	default:
		m.count(kind)
	}
}

func (m *Metrics) published(destination string) {
	if destination == DestinationChatSend {
		m.count("sent")
	}
}

func (m *Metrics) reconciled() { m.count("reconciled") }

func (m *Metrics) rolledBack() { m.count("rolled_back") }

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) decodeError(destination string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(destination).Inc()
}
