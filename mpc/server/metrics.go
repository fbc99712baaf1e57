package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's prometheus collectors, registered on their own
// registry so several servers can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Connections   prometheus.Gauge
	SessionEvents *prometheus.CounterVec
	Requests      *prometheus.CounterVec
	RelayedFrames prometheus.Counter
	DroppedFrames *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mpcrelay",
			Name:      "connections",
			Help:      "Number of authenticated client connections.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpcrelay",
			Name:      "session_events_total",
			Help:      "Session lifecycle transitions by kind.",
		}, []string{"kind"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpcrelay",
			Name:      "requests_total",
			Help:      "Server channel requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RelayedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpcrelay",
			Name:      "relayed_frames_total",
			Help:      "Peer frames forwarded between clients.",
		}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpcrelay",
			Name:      "dropped_frames_total",
			Help:      "Frames the relay could not handle, by reason.",
		}, []string{"reason"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpcrelay",
			Name:      "dropped_session_events_total",
			Help:      "Session events a lagging subscriber missed, by kind.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(
		m.Connections,
		m.SessionEvents,
		m.Requests,
		m.RelayedFrames,
		m.DroppedFrames,
		m.DroppedEvents,
	)
	return m
}
