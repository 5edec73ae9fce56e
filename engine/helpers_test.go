package engine

import (
	"math"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

func uint32Ptr(n uint32) *uint32 { return &n }

func uint16Ptr(n uint16) *uint16 { return &n }

func newTestConn(t testing.TB, opts ...ConnOption) *Conn {
	t.Helper()
	base := []ConnOption{ConnContainerID("test")}
	if tt, ok := t.(*testing.T); ok {
		base = append(base, ConnLogger(testr.NewWithOptions(tt, testr.Options{Verbosity: 2})))
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func protoHeader(id frames.ProtoID) []byte {
	var buf buffer.Buffer
	frames.NewProtoHeader(id).Append(&buf)
	return buf.Detach()
}

func frameBytes(t testing.TB, typ uint8, channel uint16, body frames.Body) []byte {
	t.Helper()
	var buf buffer.Buffer
	require.NoError(t, frames.WriteFrame(&buf, frames.Frame{Type: typ, Channel: channel, Body: body}))
	return buf.Detach()
}

// peerWrite feeds AMQP frames from the peer, failing the test on error.
func peerWrite(t testing.TB, c *Conn, channel uint16, bodies ...frames.Body) {
	t.Helper()
	for _, body := range bodies {
		_, err := c.Write(frameBytes(t, frames.TypeAMQP, channel, body))
		require.NoError(t, err)
	}
}

// peerWriteErr feeds one frame and returns the connection error.
func peerWriteErr(t testing.TB, c *Conn, channel uint16, body frames.Body) error {
	t.Helper()
	_, err := c.Write(frameBytes(t, frames.TypeAMQP, channel, body))
	return err
}

// outputFrames decodes the buffered output, skipping protocol headers.
func outputFrames(t testing.TB, c *Conn) []frames.Frame {
	t.Helper()
	r := buffer.New(c.Output())
	var out []frames.Frame
	for r.Len() > 0 {
		if b := r.Bytes(); len(b) >= 4 && string(b[:4]) == "AMQP" {
			_, ok, err := frames.ReadProtoHeader(r)
			require.NoError(t, err)
			require.True(t, ok)
			continue
		}
		fr, ok, err := frames.ReadFrame(r, math.MaxUint32)
		require.NoError(t, err)
		require.True(t, ok, "incomplete frame in output")
		out = append(out, fr)
	}
	return out
}

// onlyFrame returns the single frame written since the last call.
func onlyFrame(t testing.TB, c *Conn) frames.Frame {
	t.Helper()
	out := outputFrames(t, c)
	require.Len(t, out, 1, "frames: %v", out)
	return out[0]
}

var peerOpen = &frames.Open{
	ContainerID:  "peer",
	MaxFrameSize: 65536,
	ChannelMax:   16,
}

// openConn returns a connection that exchanged headers and Open with
// the peer. Output and events are drained.
func openConn(t testing.TB, open *frames.Open, opts ...ConnOption) *Conn {
	t.Helper()
	c := newTestConn(t, opts...)
	require.NoError(t, c.Open())
	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)
	peerWrite(t, c, 0, open)
	require.Equal(t, ConnOpened, c.State())
	c.Output()
	c.Events()
	return c
}

// activeSession begins a session on channel 0 and answers it from the
// peer's channel 0.
func activeSession(t testing.TB, c *Conn, peerBegin *frames.Begin, opts ...SessionOption) *Session {
	t.Helper()
	s, err := c.NewSession(opts...)
	require.NoError(t, err)
	require.NoError(t, s.Begin())

	if peerBegin == nil {
		peerBegin = &frames.Begin{IncomingWindow: 100, OutgoingWindow: 100, HandleMax: 63}
	}
	b := *peerBegin
	b.RemoteChannel = uint16Ptr(s.Channel())
	peerWrite(t, c, 0, &b)
	require.Equal(t, SessionStateActive, s.State())
	c.Output()
	c.Events()
	return s
}

func attachedReceiver(t testing.TB, s *Session, opts ...LinkOption) *Receiver {
	t.Helper()
	r, err := s.NewReceiver(append([]LinkOption{LinkName("receiver"), LinkSourceAddress("queue")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, r.Attach())
	peerWrite(t, s.Conn(), 0, &frames.Attach{
		Name:   "receiver",
		Handle: 7,
		Role:   encoding.RoleSender,
		Source: &encoding.Source{Address: "queue"},
		Target: &encoding.Target{},
	})
	require.Equal(t, LinkStateAttached, r.State())
	s.Conn().Output()
	s.Conn().Events()
	return r
}

func attachedSender(t testing.TB, s *Session, peerAttach *frames.Attach, opts ...LinkOption) *Sender {
	t.Helper()
	sn, err := s.NewSender(append([]LinkOption{LinkName("sender"), LinkTargetAddress("queue")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, sn.Attach())

	if peerAttach == nil {
		peerAttach = &frames.Attach{}
	}
	a := *peerAttach
	a.Name = "sender"
	a.Handle = 3
	a.Role = encoding.RoleReceiver
	a.Target = &encoding.Target{Address: "queue"}
	peerWrite(t, s.Conn(), 0, &a)
	require.Equal(t, LinkStateAttached, sn.State())
	s.Conn().Output()
	s.Conn().Events()
	return sn
}

// grantCredit sends the peer receiver's Flow for the sender attached by
// attachedSender.
func grantCredit(t testing.TB, sn *Sender, deliveryCount, credit uint32) {
	t.Helper()
	peerWrite(t, sn.Session().Conn(), 0, &frames.Flow{
		NextIncomingID: uint32Ptr(sn.Session().NextOutgoingID()),
		IncomingWindow: 100,
		OutgoingWindow: 100,
		Handle:         uint32Ptr(3),
		DeliveryCount:  uint32Ptr(deliveryCount),
		LinkCredit:     uint32Ptr(credit),
	})
}

func requireCondition(t testing.TB, err error, cond encoding.ErrorCondition) {
	t.Helper()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, cond, pe.Condition)
}

func eventsOfType[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}
