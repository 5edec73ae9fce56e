// Package metrics exposes engine activity as Prometheus metrics.
//
// A Collector observes frames through engine.ConnFrameHook and events
// through engine.ConnEventHandler; ConnOptions wires both.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/engine"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// Collector counts frames, endpoint lifecycle events and deliveries of
// one or more connections. It implements prometheus.Collector.
type Collector struct {
	frames       *prometheus.CounterVec
	connections  *prometheus.CounterVec
	sessions     *prometheus.CounterVec
	links        *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	dispositions *prometheus.CounterVec
	credit       *prometheus.GaugeVec
}

// New returns a Collector whose metric names start with namespace.
func New(namespace string) *Collector {
	return &Collector{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames sent and received, by direction and performative.",
		}, []string{"direction", "performative"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events.",
		}, []string{"event"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Link lifecycle events, by local role.",
		}, []string{"event", "role"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_received_total",
			Help:      "Incoming deliveries, by result.",
		}, []string{"result"}),
		dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispositions_received_total",
			Help:      "Delivery state updates from the peer, by state.",
		}, []string{"state"}),
		credit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_credit",
			Help:      "Last credit reported for a link.",
		}, []string{"link"}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.frames, c.connections, c.sessions, c.links, c.deliveries, c.dispositions, c.credit,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// ConnOptions returns the options that connect the collector to a
// connection. Events are passed on to next when it is not nil.
func (c *Collector) ConnOptions(next func(engine.Event)) []engine.ConnOption {
	return []engine.ConnOption{
		engine.ConnFrameHook(c.ObserveFrame),
		engine.ConnEventHandler(func(ev engine.Event) {
			c.ObserveEvent(ev)
			if next != nil {
				next(ev)
			}
		}),
	}
}

// ObserveFrame counts one frame.
func (c *Collector) ObserveFrame(outgoing bool, fr frames.Frame) {
	direction := "received"
	if outgoing {
		direction = "sent"
	}
	c.frames.WithLabelValues(direction, performative(fr.Body)).Inc()
}

// ObserveEvent updates the metrics affected by ev.
func (c *Collector) ObserveEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.ConnectionOpened:
		c.connections.WithLabelValues("opened").Inc()
	case engine.ConnectionClosed:
		c.connections.WithLabelValues("closed").Inc()
	case engine.ConnectionFailed:
		c.connections.WithLabelValues("failed").Inc()
	case engine.SessionBegan:
		c.sessions.WithLabelValues("began").Inc()
	case engine.SessionEnded:
		c.sessions.WithLabelValues("ended").Inc()
	case engine.LinkAttached:
		c.links.WithLabelValues("attached", roleLabel(ev.Link)).Inc()
	case engine.LinkDetached:
		c.links.WithLabelValues("detached", roleLabel(ev.Link)).Inc()
		if ev.Link != nil {
			c.credit.DeleteLabelValues(ev.Link.Name())
		}
	case engine.CreditUpdated:
		if ev.Link != nil {
			c.credit.WithLabelValues(ev.Link.Name()).Set(float64(ev.Credit))
		}
	case engine.DeliveryReceived:
		c.deliveries.WithLabelValues("complete").Inc()
	case engine.DeliveryAborted:
		c.deliveries.WithLabelValues("aborted").Inc()
	case engine.DeliveryIncomplete:
		c.deliveries.WithLabelValues("incomplete").Inc()
	case engine.DispositionUpdated:
		var state encoding.DeliveryState
		if ev.Delivery != nil {
			state = ev.Delivery.RemoteState()
		}
		c.dispositions.WithLabelValues(stateLabel(state)).Inc()
	}
}

func roleLabel(l engine.Link) string {
	if l == nil {
		return "unknown"
	}
	if l.Role() == encoding.RoleSender {
		return "sender"
	}
	return "receiver"
}

func performative(body frames.Body) string {
	switch body.(type) {
	case nil:
		return "empty"
	case *frames.Open:
		return "open"
	case *frames.Begin:
		return "begin"
	case *frames.Attach:
		return "attach"
	case *frames.Flow:
		return "flow"
	case *frames.Transfer:
		return "transfer"
	case *frames.Disposition:
		return "disposition"
	case *frames.Detach:
		return "detach"
	case *frames.End:
		return "end"
	case *frames.Close:
		return "close"
	case *frames.SASLMechanisms:
		return "sasl-mechanisms"
	case *frames.SASLInit:
		return "sasl-init"
	case *frames.SASLChallenge:
		return "sasl-challenge"
	case *frames.SASLResponse:
		return "sasl-response"
	case *frames.SASLOutcome:
		return "sasl-outcome"
	default:
		return "unknown"
	}
}

func stateLabel(state encoding.DeliveryState) string {
	switch state.(type) {
	case nil:
		return "none"
	case *encoding.StateAccepted:
		return "accepted"
	case *encoding.StateRejected:
		return "rejected"
	case *encoding.StateReleased:
		return "released"
	case *encoding.StateModified:
		return "modified"
	case *encoding.StateReceived:
		return "received"
	case *encoding.StateDeclared:
		return "declared"
	case *encoding.TransactionalState:
		return "transactional"
	default:
		return "unknown"
	}
}
