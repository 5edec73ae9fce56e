package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/engine"
	"github.com/acogoluegnes/qpid-protonj2/frames"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

func peerBytes(t *testing.T, bodies ...frames.Body) []byte {
	t.Helper()
	var buf buffer.Buffer
	frames.NewProtoHeader(frames.ProtoAMQP).Append(&buf)
	for _, body := range bodies {
		require.NoError(t, frames.WriteFrame(&buf, frames.Frame{Type: frames.TypeAMQP, Body: body}))
	}
	return buf.Detach()
}

func TestCollectorObservesConnection(t *testing.T) {
	col := New("amqp")
	var seen int
	conn, err := engine.New(col.ConnOptions(func(engine.Event) { seen++ })...)
	require.NoError(t, err)

	require.NoError(t, conn.Open())
	s, err := conn.NewSession()
	require.NoError(t, err)
	require.NoError(t, s.Begin())
	r, err := s.NewReceiver(engine.LinkName("r"))
	require.NoError(t, err)
	require.NoError(t, r.Attach())

	zero := uint16(0)
	id := uint32(0)
	_, err = conn.Write(peerBytes(t,
		&frames.Open{ContainerID: "peer", MaxFrameSize: 65536},
		&frames.Begin{RemoteChannel: &zero, IncomingWindow: 10, OutgoingWindow: 10, HandleMax: 8},
		&frames.Attach{Name: "r", Handle: 0, Role: encoding.RoleSender},
	))
	require.NoError(t, err)
	require.NoError(t, r.AddCredit(2))

	var tr buffer.Buffer
	require.NoError(t, frames.WriteFrame(&tr, frames.Frame{Type: frames.TypeAMQP, Body: &frames.Transfer{
		Handle: 0, DeliveryID: &id, DeliveryTag: []byte("t"), Payload: []byte("x"),
	}}))
	_, err = conn.Write(tr.Detach())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(col.connections.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.sessions.WithLabelValues("began")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.links.WithLabelValues("attached", "receiver")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.deliveries.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.frames.WithLabelValues("sent", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.frames.WithLabelValues("sent", "flow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.frames.WithLabelValues("received", "transfer")))
	assert.Equal(t, 4, seen)
}

func TestCollectorEvents(t *testing.T) {
	col := New("amqp")
	col.ObserveEvent(engine.ConnectionFailed{})
	col.ObserveEvent(engine.DispositionUpdated{})
	col.ObserveEvent(engine.DeliveryAborted{})
	col.ObserveEvent(engine.DeliveryIncomplete{})
	col.ObserveEvent(engine.LinkDetached{})
	col.ObserveFrame(false, frames.Frame{})

	assert.Equal(t, 1.0, testutil.ToFloat64(col.connections.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.dispositions.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.deliveries.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.deliveries.WithLabelValues("incomplete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.links.WithLabelValues("detached", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.frames.WithLabelValues("received", "empty")))
}

func TestCollectorRegisters(t *testing.T) {
	col := New("amqp")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))

	col.ObserveEvent(engine.SessionEnded{})
	expected := `
# HELP amqp_session_events_total Session lifecycle events.
# TYPE amqp_session_events_total counter
amqp_session_events_total{event="ended"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "amqp_session_events_total")
	assert.NoError(t, err)
}

func TestStateLabel(t *testing.T) {
	tests := []struct {
		state encoding.DeliveryState
		want  string
	}{
		{&encoding.StateAccepted{}, "accepted"},
		{&encoding.StateRejected{}, "rejected"},
		{&encoding.StateReleased{}, "released"},
		{&encoding.StateModified{}, "modified"},
		{&encoding.StateReceived{}, "received"},
		{&encoding.StateDeclared{}, "declared"},
		{&encoding.TransactionalState{}, "transactional"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, stateLabel(tt.state))
		})
	}
}
