package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors a Client updates.
type Metrics struct {
	framesSent          *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	unroutable          prometheus.Counter
	handlerPanics       prometheus.Counter
	pendingReplies      prometheus.Gauge
	registeredAddresses prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and one-off clients want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kephasbus",
				Subsystem: "client",
				Name:      "frames_sent_total",
				Help:      "Envelopes written to the transport, by type",
			},
			[]string{"type"},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kephasbus",
				Subsystem: "client",
				Name:      "frames_received_total",
				Help:      "Envelopes read from the transport, by type",
			},
			[]string{"type"},
		),
		unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kephasbus",
			Subsystem: "client",
			Name:      "unroutable_frames_total",
			Help:      "Inbound envelopes with no handler and no pending reply",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kephasbus",
			Subsystem: "client",
			Name:      "handler_panics_total",
			Help:      "Handler invocations that panicked",
		}),
		pendingReplies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kephasbus",
			Subsystem: "client",
			Name:      "pending_replies",
			Help:      "Requests waiting for a reply",
		}),
		registeredAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kephasbus",
			Subsystem: "client",
			Name:      "registered_addresses",
			Help:      "Addresses with at least one local handler",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesSent,
			m.framesReceived,
			m.unroutable,
			m.handlerPanics,
			m.pendingReplies,
			m.registeredAddresses,
		)
	}
	return m
}
