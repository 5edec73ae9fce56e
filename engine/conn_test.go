package engine

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

func TestConnOpenNegotiation(t *testing.T) {
	c := newTestConn(t, ConnMaxFrameSize(8192), ConnChannelMax(100), ConnHostname("broker"))
	require.Equal(t, ConnUninitialized, c.State())
	require.NoError(t, c.Open())

	out := c.Output()
	require.True(t, bytes.HasPrefix(out, protoHeader(frames.ProtoAMQP)), "output %x", out)
	require.Equal(t, ConnOpenSent, c.State())

	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)
	peerWrite(t, c, 0, &frames.Open{ContainerID: "peer", MaxFrameSize: 4096, ChannelMax: 1000})

	assert.Equal(t, ConnOpened, c.State())
	assert.Equal(t, uint32(4096), c.MaxFrameSize())
	assert.Equal(t, uint16(100), c.ChannelMax())

	events := c.Events()
	require.Len(t, events, 1)
	opened, ok := events[0].(ConnectionOpened)
	require.True(t, ok)
	assert.Equal(t, "peer", opened.Remote.ContainerID)
}

func TestConnOpenFrame(t *testing.T) {
	c := newTestConn(t, ConnIdleTimeout(30*time.Second), ConnProperty("product", "test"))
	require.NoError(t, c.Open())

	fr := onlyFrame(t, c)
	open, ok := fr.Body.(*frames.Open)
	require.True(t, ok, "got %s", fr)
	assert.Equal(t, "test", open.ContainerID)
	assert.Equal(t, uint32(DefaultMaxFrameSize), open.MaxFrameSize)
	assert.Equal(t, uint16(DefaultChannelMax), open.ChannelMax)
	assert.Equal(t, 30*time.Second, open.IdleTimeout)
	assert.Equal(t, "test", open.Properties["product"])

	assert.ErrorIs(t, c.Open(), ErrIllegalState)
}

func TestConnDefaultContainerID(t *testing.T) {
	c1, err := New()
	require.NoError(t, err)
	c2, err := New()
	require.NoError(t, err)
	assert.NotEmpty(t, c1.ContainerID())
	assert.NotEqual(t, c1.ContainerID(), c2.ContainerID())
}

func TestConnOptionErrors(t *testing.T) {
	tests := []struct {
		label string
		opt   ConnOption
	}{
		{"max frame size", ConnMaxFrameSize(511)},
		{"channel max", ConnChannelMax(0)},
		{"idle timeout", ConnIdleTimeout(-time.Second)},
		{"container id", ConnContainerID("")},
		{"property key", ConnProperty("", "x")},
		{"xoauth2 bearer", ConnSASLXOAUTH2("user", "", 512)},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, err := New(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestConnOutputLimitedBeforeOpen(t *testing.T) {
	c := newTestConn(t, ConnProperty("padding", strings.Repeat("x", 600)))
	assert.Equal(t, uint32(frames.MinMaxFrameSize), c.MaxFrameSize())

	err := c.Open()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max frame size 512")
}

func TestConnAnswersHeader(t *testing.T) {
	c := newTestConn(t)

	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)
	assert.Equal(t, protoHeader(frames.ProtoAMQP), c.Output())
	assert.Equal(t, ConnHeaderExchanged, c.State())

	peerWrite(t, c, 0, &frames.Open{ContainerID: "peer", MaxFrameSize: 4294967295, ChannelMax: 65535})
	assert.Equal(t, ConnOpenReceived, c.State())

	require.NoError(t, c.Open())
	assert.Equal(t, ConnOpened, c.State())
	fr := onlyFrame(t, c)
	assert.IsType(t, &frames.Open{}, fr.Body)
}

func TestConnChunkedInput(t *testing.T) {
	c := newTestConn(t)
	require.NoError(t, c.Open())
	c.Output()

	input := append(protoHeader(frames.ProtoAMQP), frameBytes(t, frames.TypeAMQP, 0, peerOpen)...)
	for i := range input {
		_, err := c.Write(input[i : i+1])
		require.NoError(t, err)
	}
	assert.Equal(t, ConnOpened, c.State())
}

func TestConnUnexpectedProtocolHeader(t *testing.T) {
	c := newTestConn(t)
	require.NoError(t, c.Open())

	_, err := c.Write(protoHeader(frames.ProtoSASL))
	require.Error(t, err)
	assert.Equal(t, err, c.Err())

	_, err = c.Write(nil)
	assert.Equal(t, c.Err(), err)
}

func TestConnFatalErrors(t *testing.T) {
	tests := []struct {
		label string
		input func(t *testing.T) []byte
		cond  encoding.ErrorCondition
	}{
		{
			label: "unknown channel",
			input: func(t *testing.T) []byte {
				return frameBytes(t, frames.TypeAMQP, 5, &frames.End{})
			},
			cond: encoding.ErrorFramingError,
		},
		{
			label: "malformed body",
			input: func(t *testing.T) []byte {
				return []byte{0, 0, 0, 12, 2, 0, 0, 0, 0x00, 0x53, 0x10, 0xff}
			},
			cond: encoding.ErrorDecodeError,
		},
		{
			label: "oversized frame",
			input: func(t *testing.T) []byte {
				return []byte{0, 1, 0, 1, 2, 0, 0, 0}
			},
			cond: encoding.ErrorFramingError,
		},
		{
			label: "second open",
			input: func(t *testing.T) []byte {
				return frameBytes(t, frames.TypeAMQP, 0, peerOpen)
			},
			cond: encoding.ErrorNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			c := openConn(t, peerOpen, ConnMaxFrameSize(4096))

			_, err := c.Write(tt.input(t))
			require.Error(t, err)

			fr := onlyFrame(t, c)
			cl, ok := fr.Body.(*frames.Close)
			require.True(t, ok, "got %s", fr)
			require.NotNil(t, cl.Error)
			assert.Equal(t, tt.cond, cl.Error.Condition)

			events := eventsOfType[ConnectionFailed](c.Events())
			require.Len(t, events, 1)
			assert.Equal(t, err, events[0].Err)

			// the failure is sticky
			_, err2 := c.Write([]byte{0})
			assert.Equal(t, err, err2)
			_, err2 = c.NewSession()
			assert.Equal(t, err, err2)
		})
	}
}

func TestConnExpectsOpenFirst(t *testing.T) {
	c := newTestConn(t)
	require.NoError(t, c.Open())
	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)

	err = peerWriteErr(t, c, 0, &frames.Begin{IncomingWindow: 1, OutgoingWindow: 1})
	requireCondition(t, err, encoding.ErrorFramingError)
}

func TestConnPeerMaxFrameSizeTooSmall(t *testing.T) {
	c := newTestConn(t)
	require.NoError(t, c.Open())
	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)

	err = peerWriteErr(t, c, 0, &frames.Open{ContainerID: "peer", MaxFrameSize: 100, ChannelMax: 1})
	requireCondition(t, err, encoding.ErrorFrameSizeTooSmall)
}

func TestConnClose(t *testing.T) {
	c := openConn(t, peerOpen)

	require.NoError(t, c.Close(&encoding.Error{Condition: encoding.ErrorConnectionForced, Description: "bye"}))
	assert.Equal(t, ConnCloseSent, c.State())
	cl, ok := onlyFrame(t, c).Body.(*frames.Close)
	require.True(t, ok)
	assert.Equal(t, encoding.ErrorConnectionForced, cl.Error.Condition)

	assert.ErrorIs(t, c.Close(nil), ErrIllegalState)

	// frames other than Close are ignored once Close is sent
	peerWrite(t, c, 3, &frames.End{})
	assert.Empty(t, c.Events())

	peerWrite(t, c, 0, &frames.Close{})
	assert.Equal(t, ConnClosed, c.State())
	closed := eventsOfType[ConnectionClosed](c.Events())
	require.Len(t, closed, 1)
	assert.Nil(t, closed[0].Error)
}

func TestConnCloseReceived(t *testing.T) {
	c := openConn(t, peerOpen)

	remoteErr := &encoding.Error{Condition: encoding.ErrorInternalError, Description: "shutting down"}
	peerWrite(t, c, 0, &frames.Close{Error: remoteErr})
	assert.Equal(t, ConnCloseReceived, c.State())

	closed := eventsOfType[ConnectionClosed](c.Events())
	require.Len(t, closed, 1)
	assert.Equal(t, remoteErr, closed[0].Error)

	_, err := c.NewSession()
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, c.Close(nil))
	assert.Equal(t, ConnClosed, c.State())

	// no frame is valid after the peer's Close
	err = peerWriteErr(t, c, 0, &frames.Close{})
	assert.Error(t, err)
}

func TestConnIdleTimeout(t *testing.T) {
	c := openConn(t, peerOpen, ConnIdleTimeout(time.Second))

	next, err := c.Tick(600 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, next)

	// input resets the timer
	_, err = c.Write(frameBytes(t, frames.TypeAMQP, 0, nil))
	require.NoError(t, err)
	next, err = c.Tick(600 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, next)

	_, err = c.Tick(400 * time.Millisecond)
	requireCondition(t, err, encoding.ErrorResourceLimitExceeded)

	cl, ok := onlyFrame(t, c).Body.(*frames.Close)
	require.True(t, ok)
	assert.Equal(t, encoding.ErrorResourceLimitExceeded, cl.Error.Condition)
}

func TestConnHeartbeat(t *testing.T) {
	open := *peerOpen
	open.IdleTimeout = 10 * time.Second
	c := openConn(t, &open)

	next, err := c.Tick(4 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, next)
	assert.Empty(t, c.Output())

	next, err = c.Tick(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, next)
	assert.Equal(t, []byte{0, 0, 0, 8, 2, 0, 0, 0}, c.Output())
}

func TestConnNoTimers(t *testing.T) {
	c := openConn(t, peerOpen)
	next, err := c.Tick(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, next)
	assert.Empty(t, c.Output())
}

func TestConnCallbacks(t *testing.T) {
	var (
		out    bytes.Buffer
		events []Event
		hooked []bool
	)
	c := newTestConn(t,
		ConnOutput(func(p []byte) { out.Write(p) }),
		ConnFrameHook(func(outgoing bool, fr frames.Frame) { hooked = append(hooked, outgoing) }),
	)
	c.handler = func(ev Event) {
		events = append(events, ev)
		// handlers may drive the engine
		if _, ok := ev.(ConnectionOpened); ok {
			s, err := c.NewSession()
			require.NoError(t, err)
			require.NoError(t, s.Begin())
		}
	}

	require.NoError(t, c.Open())
	_, err := c.Write(protoHeader(frames.ProtoAMQP))
	require.NoError(t, err)
	peerWrite(t, c, 0, peerOpen)

	assert.Empty(t, c.Output())
	assert.Empty(t, c.Events())
	require.Len(t, events, 1)
	assert.Equal(t, []bool{true, false, true}, hooked)

	// header, open and begin went to the callback
	r := out.Bytes()
	require.True(t, bytes.HasPrefix(r, protoHeader(frames.ProtoAMQP)))
}

func TestProtocolErrorMessage(t *testing.T) {
	err := protocolErrorf(encoding.ErrorWindowViolation, "window %d", 0)
	assert.Equal(t, "amqp: amqp:session:window-violation: window 0", err.Error())

	wrapped := errors.Wrap(err, "context")
	var pe *ProtocolError
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, encoding.ErrorWindowViolation, asAMQPError(wrapped).Condition)
	assert.Equal(t, encoding.ErrorFramingError, asAMQPError(errors.New("other")).Condition)
}
