// Package engine implements the AMQP 1.0 connection, session and link
// state machines without performing any I/O.
//
// Received bytes are fed with Conn.Write. Encoded output is handed to the
// ConnOutput callback, or buffered for Conn.Output. Timekeeping is driven
// by Conn.Tick. A Conn is not safe for concurrent use; all calls for a
// connection, including calls from event handlers, must come from a
// single goroutine.
package engine

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// ConnState is the state of a connection endpoint.
type ConnState uint8

// Connection states
const (
	ConnUninitialized ConnState = iota
	ConnHeaderExchanged
	ConnOpenSent
	ConnOpenReceived
	ConnOpened
	ConnCloseSent
	ConnCloseReceived
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnUninitialized:
		return "Uninitialized"
	case ConnHeaderExchanged:
		return "HeaderExchanged"
	case ConnOpenSent:
		return "OpenSent"
	case ConnOpenReceived:
		return "OpenReceived"
	case ConnOpened:
		return "Opened"
	case ConnCloseSent:
		return "CloseSent"
	case ConnCloseReceived:
		return "CloseReceived"
	case ConnClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnState(%d)", uint8(s))
	}
}

// Conn is an AMQP connection endpoint.
type Conn struct {
	log logr.Logger

	// configuration
	containerID         string
	hostname            string
	maxFrameSize        uint32
	channelMax          uint16
	idleTimeout         time.Duration
	properties          map[encoding.Symbol]interface{}
	offeredCapabilities []encoding.Symbol
	output              func([]byte)
	handler             func(Event)
	frameHook           func(outgoing bool, fr frames.Frame)

	// SASL, nil when not configured
	sasl *saslClient

	rx      buffer.Buffer
	tx      buffer.Buffer
	rxState func() (more bool, err error)

	// protocol header of the layer being negotiated
	expectProto    frames.ProtoID
	headerSent     bool
	headerReceived bool

	openRequested bool
	openSent      bool
	openReceived  bool
	closeSent     bool
	closeReceived bool

	remoteOpen       *frames.Open
	peerMaxFrameSize uint32
	peerChannelMax   uint16
	peerIdleTimeout  time.Duration

	sessions       map[uint16]*Session // by local channel
	remoteSessions map[uint16]*Session // by remote channel

	sinceInput  time.Duration
	sinceOutput time.Duration

	events      []Event
	dispatching bool
	lastState   ConnState

	err error
}

// New returns an unopened connection configured by opts.
func New(opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		log:            logr.Discard(),
		containerID:    uuid.NewString(),
		maxFrameSize:   DefaultMaxFrameSize,
		channelMax:     DefaultChannelMax,
		expectProto:    frames.ProtoAMQP,
		sessions:       make(map[uint16]*Session),
		remoteSessions: make(map[uint16]*Session),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.sasl != nil {
		c.expectProto = frames.ProtoSASL
	}
	c.rxState = c.readProtoHeader
	return c, nil
}

// ContainerID returns the local container-id.
func (c *Conn) ContainerID() string { return c.containerID }

// RemoteOpen returns the peer's Open, or nil before it is received.
func (c *Conn) RemoteOpen() *frames.Open { return c.remoteOpen }

// Err returns the error that failed the connection, if any.
func (c *Conn) Err() error { return c.err }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	switch {
	case c.closeSent && c.closeReceived:
		return ConnClosed
	case c.closeSent:
		return ConnCloseSent
	case c.closeReceived:
		return ConnCloseReceived
	case c.openSent && c.openReceived:
		return ConnOpened
	case c.openSent:
		return ConnOpenSent
	case c.openReceived:
		return ConnOpenReceived
	case c.headerSent && c.headerReceived:
		return ConnHeaderExchanged
	default:
		return ConnUninitialized
	}
}

// MaxFrameSize returns the largest frame that may currently be sent.
func (c *Conn) MaxFrameSize() uint32 {
	if !c.openReceived {
		return frames.MinMaxFrameSize
	}
	if c.peerMaxFrameSize < c.maxFrameSize {
		return c.peerMaxFrameSize
	}
	return c.maxFrameSize
}

// ChannelMax returns the highest usable channel number.
func (c *Conn) ChannelMax() uint16 {
	if c.openReceived && c.peerChannelMax < c.channelMax {
		return c.peerChannelMax
	}
	return c.channelMax
}

// Open sends the protocol header and Open. When SASL is configured the
// SASL exchange runs first and Open is sent once it succeeds.
func (c *Conn) Open() error {
	if c.err != nil {
		return c.err
	}
	if c.openRequested {
		return illegalStatef("connection already opened")
	}
	c.openRequested = true

	var err error
	if c.sasl != nil && !c.sasl.done {
		if !c.sasl.headerSent {
			c.sendProtoHeader(frames.ProtoSASL)
			c.sasl.headerSent = true
		}
	} else {
		if !c.headerSent {
			c.sendProtoHeader(frames.ProtoAMQP)
		}
		err = c.sendOpen()
	}
	c.flush()
	return err
}

func (c *Conn) sendOpen() error {
	c.openSent = true
	return c.send(0, &frames.Open{
		ContainerID:         c.containerID,
		Hostname:            c.hostname,
		MaxFrameSize:        c.maxFrameSize,
		ChannelMax:          c.channelMax,
		IdleTimeout:         c.idleTimeout,
		OfferedCapabilities: c.offeredCapabilities,
		Properties:          c.properties,
	})
}

// Close sends Close, with e as the error when not nil.
func (c *Conn) Close(e *encoding.Error) error {
	if c.err != nil {
		return c.err
	}
	if !c.openSent {
		return illegalStatef("connection not open")
	}
	if c.closeSent {
		return illegalStatef("connection already closed")
	}
	c.closeSent = true
	c.discardIncomplete()
	err := c.send(0, &frames.Close{Error: e})
	c.flush()
	return err
}

// Output returns and clears the buffered output. It is always empty
// when a ConnOutput callback is configured.
func (c *Conn) Output() []byte {
	return c.tx.Detach()
}

// Events returns and clears the queued events. It is always empty when a
// ConnEventHandler is configured.
func (c *Conn) Events() []Event {
	events := c.events
	c.events = nil
	return events
}

// Write feeds received bytes to the connection. Bytes may be split at
// any boundary. The returned error is the connection failure, if any.
func (c *Conn) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(p) > 0 {
		c.sinceInput = 0
	}

	c.rx.Append(p)
	for {
		more, err := c.rxState()
		if err != nil {
			c.fail(err)
			break
		}
		if !more {
			break
		}
	}
	c.rx.Reclaim()
	c.flush()

	return len(p), c.err
}

// Tick advances the connection clock by elapsed. It sends an empty frame
// when half the peer's idle timeout has passed without output, and fails
// the connection when the local idle timeout passes without input.
//
// The returned duration is the delay until Tick must be called again, or
// 0 when no timer is active.
func (c *Conn) Tick(elapsed time.Duration) (time.Duration, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.sinceInput += elapsed
	c.sinceOutput += elapsed

	if c.idleTimeout > 0 && c.sinceInput >= c.idleTimeout {
		c.fail(protocolErrorf(encoding.ErrorResourceLimitExceeded, "local idle timeout %s expired", c.idleTimeout))
		c.flush()
		return 0, c.err
	}

	var next time.Duration
	if heartbeat := c.peerIdleTimeout / 2; heartbeat > 0 && c.openSent && !c.closeSent {
		if c.sinceOutput >= heartbeat {
			if err := c.writeFrame(frames.Frame{Type: frames.TypeAMQP}); err != nil {
				c.fail(err)
				c.flush()
				return 0, c.err
			}
		}
		next = heartbeat - c.sinceOutput
	}
	if c.idleTimeout > 0 {
		if d := c.idleTimeout - c.sinceInput; next == 0 || d < next {
			next = d
		}
	}

	c.flush()
	return next, nil
}

// NewSession allocates the lowest free channel for a new session. The
// session is begun with Session.Begin.
func (c *Conn) NewSession(opts ...SessionOption) (*Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.closeSent || c.closeReceived {
		return nil, illegalStatef("connection closing")
	}

	channel, ok := c.freeChannel()
	if !ok {
		return nil, illegalStatef("no free channel, channel-max %d", c.ChannelMax())
	}

	s := newSession(c, channel)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.resetWindows()
	c.sessions[channel] = s
	return s, nil
}

func (c *Conn) freeChannel() (uint16, bool) {
	max := c.ChannelMax()
	for ch := uint32(0); ch <= uint32(max); ch++ {
		if _, used := c.sessions[uint16(ch)]; !used {
			return uint16(ch), true
		}
	}
	return 0, false
}

// fail puts the connection in its terminal failed state. Close is sent
// when the AMQP layer is open and Close was not sent yet.
func (c *Conn) fail(err error) {
	if c.err != nil {
		return
	}
	c.err = err

	amqpErr := asAMQPError(err)
	c.log.Error(err, "connection failed", "condition", amqpErr.Condition)

	c.discardIncomplete()
	if c.openSent && !c.closeSent {
		c.closeSent = true
		_ = c.send(0, &frames.Close{Error: amqpErr})
	}
	c.emit(ConnectionFailed{Conn: c, Err: err})
	c.logState()
}

func (c *Conn) emit(ev Event) {
	c.events = append(c.events, ev)
}

// flush dispatches queued events and hands buffered output to the
// output callback.
func (c *Conn) flush() {
	if c.handler != nil && !c.dispatching {
		c.dispatching = true
		for len(c.events) > 0 {
			ev := c.events[0]
			c.events = c.events[1:]
			c.handler(ev)
		}
		c.events = nil
		c.dispatching = false
	}

	if c.output != nil && c.tx.Len() > 0 {
		c.output(c.tx.Detach())
	}
}

func (c *Conn) logState() {
	if st := c.State(); st != c.lastState {
		c.log.V(2).Info("connection state", "from", c.lastState, "to", st)
		c.lastState = st
	}
}

func (c *Conn) sendProtoHeader(id frames.ProtoID) {
	h := frames.NewProtoHeader(id)
	h.Append(&c.tx)
	c.sinceOutput = 0
	if id == frames.ProtoAMQP {
		c.headerSent = true
	}
	c.log.V(1).Info("TX", "header", h)
	c.logState()
}

// send writes an AMQP frame on channel.
func (c *Conn) send(channel uint16, body frames.Body) error {
	return c.writeFrame(frames.Frame{Type: frames.TypeAMQP, Channel: channel, Body: body})
}

func (c *Conn) writeFrame(fr frames.Frame) error {
	var buf buffer.Buffer
	if err := frames.WriteFrame(&buf, fr); err != nil {
		return err
	}

	max := c.MaxFrameSize()
	if fr.Type == frames.TypeSASL {
		max = c.sasl.maxFrameSize
	}
	if uint64(buf.Len()) > uint64(max) {
		return errors.Errorf("frame size of %d exceeds max frame size %d", buf.Len(), max)
	}

	c.tx.Append(buf.Bytes())
	c.sinceOutput = 0

	if c.frameHook != nil {
		c.frameHook(true, fr)
	}
	c.log.V(1).Info("TX", "frame", fr)
	c.logState()
	return nil
}

func (c *Conn) readProtoHeader() (bool, error) {
	h, ok, err := frames.ReadProtoHeader(&c.rx)
	if err != nil || !ok {
		return false, err
	}
	c.log.V(1).Info("RX", "header", h)

	if h.ProtoID != c.expectProto {
		return false, errors.Errorf("unexpected protocol header %s, expected %s", h.ProtoID, c.expectProto)
	}

	switch h.ProtoID {
	case frames.ProtoSASL:
		if !c.sasl.headerSent {
			c.sendProtoHeader(frames.ProtoSASL)
			c.sasl.headerSent = true
		}
	case frames.ProtoAMQP:
		c.headerReceived = true
		if !c.headerSent {
			c.sendProtoHeader(frames.ProtoAMQP)
		}
	default:
		return false, errors.Errorf("unsupported protocol header %s", h)
	}

	c.logState()
	c.rxState = c.readFrames
	return true, nil
}

func (c *Conn) readFrames() (bool, error) {
	inSASL := c.sasl != nil && !c.sasl.done

	max := c.maxFrameSize
	if inSASL {
		max = c.sasl.maxFrameSize
	}

	fr, ok, err := frames.ReadFrame(&c.rx, max)
	if err != nil || !ok {
		return false, err
	}

	if c.frameHook != nil {
		c.frameHook(false, fr)
	}
	c.log.V(1).Info("RX", "frame", fr)

	if inSASL {
		if fr.Type != frames.TypeSASL {
			return false, errors.Errorf("unexpected frame type %#02x during SASL negotiation", fr.Type)
		}
		return true, c.sasl.handle(c, fr.Body)
	}
	if fr.Type != frames.TypeAMQP {
		return false, protocolErrorf(encoding.ErrorFramingError, "unexpected frame type %#02x", fr.Type)
	}

	err = c.handleFrame(fr)
	c.logState()
	return true, err
}

// saslComplete switches input to the AMQP protocol header and sends ours,
// followed by Open when it was requested.
func (c *Conn) saslComplete() error {
	c.sasl.done = true
	c.expectProto = frames.ProtoAMQP
	c.rxState = c.readProtoHeader

	c.sendProtoHeader(frames.ProtoAMQP)
	if c.openRequested {
		return c.sendOpen()
	}
	return nil
}

func (c *Conn) handleFrame(fr frames.Frame) error {
	// empty frames only keep the connection alive
	if fr.Body == nil {
		return nil
	}

	if c.closeReceived {
		return protocolErrorf(encoding.ErrorNotAllowed, "frame received after close: %s", fr.Body)
	}

	if !c.openReceived {
		open, ok := fr.Body.(*frames.Open)
		if !ok {
			return protocolErrorf(encoding.ErrorFramingError, "expected open, received %s", fr.Body)
		}
		return c.handleOpen(open)
	}

	switch body := fr.Body.(type) {
	case *frames.Open:
		return protocolErrorf(encoding.ErrorNotAllowed, "unexpected second open")
	case *frames.Close:
		c.handleClose(body)
		return nil
	}

	// only Close is of interest once ours is sent
	if c.closeSent {
		return nil
	}

	if begin, ok := fr.Body.(*frames.Begin); ok {
		return c.handleBegin(fr.Channel, begin)
	}

	s, ok := c.remoteSessions[fr.Channel]
	if !ok {
		return protocolErrorf(encoding.ErrorFramingError, "frame on unknown channel %d: %s", fr.Channel, fr.Body)
	}
	return s.handle(fr.Body)
}

func (c *Conn) handleOpen(open *frames.Open) error {
	if open.MaxFrameSize < frames.MinMaxFrameSize {
		return protocolErrorf(encoding.ErrorFrameSizeTooSmall, "peer max-frame-size %d is less than %d", open.MaxFrameSize, frames.MinMaxFrameSize)
	}

	c.openReceived = true
	c.remoteOpen = open
	c.peerMaxFrameSize = open.MaxFrameSize
	c.peerChannelMax = open.ChannelMax
	c.peerIdleTimeout = open.IdleTimeout

	c.emit(ConnectionOpened{Conn: c, Remote: open})
	return nil
}

func (c *Conn) handleClose(cl *frames.Close) {
	c.closeReceived = true
	if cl.Error != nil {
		c.log.Info("connection closed by peer", "error", cl.Error)
	}
	c.discardIncomplete()
	c.emit(ConnectionClosed{Conn: c, Error: cl.Error})
}

// discardIncomplete drops every delivery still being assembled.
func (c *Conn) discardIncomplete() {
	for _, s := range c.sessions {
		for _, l := range s.links {
			l.discardIncomplete()
		}
	}
}

func (c *Conn) handleBegin(channel uint16, begin *frames.Begin) error {
	if channel > c.channelMax {
		return protocolErrorf(encoding.ErrorFramingError, "begin on channel %d exceeds channel-max %d", channel, c.channelMax)
	}
	if _, ok := c.remoteSessions[channel]; ok {
		return protocolErrorf(encoding.ErrorFramingError, "begin on channel %d already in use", channel)
	}

	var s *Session
	if begin.RemoteChannel != nil {
		s = c.sessions[*begin.RemoteChannel]
		if s == nil || !s.beginSent || s.beginReceived {
			return protocolErrorf(encoding.ErrorFramingError, "begin refers to unknown channel %d", *begin.RemoteChannel)
		}
	} else {
		local, ok := c.freeChannel()
		if !ok {
			return protocolErrorf(encoding.ErrorResourceLimitExceeded, "no free channel for begin on channel %d", channel)
		}
		s = newSession(c, local)
		s.resetWindows()
		c.sessions[local] = s
	}

	s.remoteChannel = channel
	c.remoteSessions[channel] = s
	s.handleBegin(begin)

	c.emit(SessionBegan{Session: s})
	return nil
}
