package engine

import (
	"fmt"
	"sort"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// SessionState is the state of a session endpoint.
type SessionState uint8

// Session states
const (
	SessionStateIdle SessionState = iota
	SessionStateBeginSent
	SessionStateBeginReceived
	SessionStateActive
	SessionStateEndSent
	SessionStateEndReceived
	SessionStateEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "Idle"
	case SessionStateBeginSent:
		return "BeginSent"
	case SessionStateBeginReceived:
		return "BeginReceived"
	case SessionStateActive:
		return "Active"
	case SessionStateEndSent:
		return "EndSent"
	case SessionStateEndReceived:
		return "EndReceived"
	case SessionStateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(s))
	}
}

// Session is an AMQP session endpoint.
type Session struct {
	conn          *Conn
	channel       uint16
	remoteChannel uint16

	beginSent     bool
	beginReceived bool
	endSent       bool
	endReceived   bool
	remoteBegin   *frames.Begin
	err           *ProtocolError

	incomingWindowSize uint32
	outgoingWindowSize uint32
	handleMax          uint32
	remoteHandleMax    uint32

	// outgoing transfers
	nextOutgoingID       uint32
	outgoingWindow       uint32
	remoteIncomingWindow uint32
	nextDeliveryID       uint32

	// incoming transfers
	nextIncomingID       uint32
	incomingWindow       uint32
	remoteOutgoingWindow uint32

	links       map[uint32]*link // by local handle
	remoteLinks map[uint32]*link // by remote handle

	// unsettled deliveries by delivery-id
	outgoing map[uint32]*Delivery
	incoming map[uint32]*Delivery

	lastState SessionState
}

func newSession(c *Conn, channel uint16) *Session {
	return &Session{
		conn:               c,
		channel:            channel,
		incomingWindowSize: DefaultWindow,
		outgoingWindowSize: DefaultWindow,
		handleMax:          DefaultMaxLink,
		links:              make(map[uint32]*link),
		remoteLinks:        make(map[uint32]*link),
		outgoing:           make(map[uint32]*Delivery),
		incoming:           make(map[uint32]*Delivery),
	}
}

func (s *Session) resetWindows() {
	s.incomingWindow = s.incomingWindowSize
	s.outgoingWindow = s.outgoingWindowSize
}

// Conn returns the connection the session belongs to.
func (s *Session) Conn() *Conn { return s.conn }

// Channel returns the local channel number.
func (s *Session) Channel() uint16 { return s.channel }

// RemoteChannel returns the peer's channel number, if its Begin was
// received.
func (s *Session) RemoteChannel() (uint16, bool) { return s.remoteChannel, s.beginReceived }

// RemoteBegin returns the peer's Begin, or nil.
func (s *Session) RemoteBegin() *frames.Begin { return s.remoteBegin }

// Err returns the protocol error the session was ended with locally.
func (s *Session) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// IncomingWindow returns the number of transfer frames the peer may
// still send.
func (s *Session) IncomingWindow() uint32 { return s.incomingWindow }

// OutgoingWindow returns the number of transfer frames that may be sent
// before the local outgoing window is exhausted.
func (s *Session) OutgoingWindow() uint32 { return s.outgoingWindow }

// RemoteIncomingWindow returns the number of transfer frames the peer
// currently accepts.
func (s *Session) RemoteIncomingWindow() uint32 { return s.remoteIncomingWindow }

// NextOutgoingID returns the transfer-id of the next outgoing frame.
func (s *Session) NextOutgoingID() uint32 { return s.nextOutgoingID }

// NextIncomingID returns the expected transfer-id of the next incoming frame.
func (s *Session) NextIncomingID() uint32 { return s.nextIncomingID }

// State returns the current session state.
func (s *Session) State() SessionState {
	switch {
	case s.endSent && s.endReceived:
		return SessionStateEnded
	case s.endSent:
		return SessionStateEndSent
	case s.endReceived:
		return SessionStateEndReceived
	case s.beginSent && s.beginReceived:
		return SessionStateActive
	case s.beginSent:
		return SessionStateBeginSent
	case s.beginReceived:
		return SessionStateBeginReceived
	default:
		return SessionStateIdle
	}
}

func (s *Session) logState() {
	if st := s.State(); st != s.lastState {
		s.conn.log.V(2).Info("session state", "channel", s.channel, "from", s.lastState, "to", st)
		s.lastState = st
	}
}

// Begin sends Begin. For a session initiated by the peer this answers
// its Begin.
func (s *Session) Begin() error {
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if s.beginSent {
		return illegalStatef("session on channel %d already begun", s.channel)
	}
	if !c.openSent || c.closeSent || c.closeReceived {
		return illegalStatef("connection not open (%s)", c.State())
	}

	begin := &frames.Begin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if s.beginReceived {
		ch := s.remoteChannel
		begin.RemoteChannel = &ch
	}

	s.beginSent = true
	err := c.send(s.channel, begin)
	s.logState()
	c.flush()
	return err
}

// End sends End, with e as the error when not nil.
func (s *Session) End(e *encoding.Error) error {
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if !s.beginSent {
		return illegalStatef("session on channel %d not begun", s.channel)
	}
	if s.endSent {
		return illegalStatef("session on channel %d already ended", s.channel)
	}

	err := s.sendEnd(e)
	c.flush()
	return err
}

func (s *Session) sendEnd(e *encoding.Error) error {
	s.endSent = true
	for _, l := range s.links {
		l.discardIncomplete()
	}
	err := s.conn.send(s.channel, &frames.End{Error: e})
	if s.endReceived {
		s.release()
	}
	s.logState()
	return err
}

// Flow sends the session flow state to the peer.
func (s *Session) Flow() error {
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if s.State() != SessionStateActive {
		return illegalStatef("session on channel %d not active (%s)", s.channel, s.State())
	}
	err := s.writeFlow(&frames.Flow{})
	c.flush()
	return err
}

// writeFlow fills the session fields of fl and sends it. Sending any
// Flow restores the incoming window.
func (s *Session) writeFlow(fl *frames.Flow) error {
	s.incomingWindow = s.incomingWindowSize
	if s.beginReceived {
		id := s.nextIncomingID
		fl.NextIncomingID = &id
	}
	fl.IncomingWindow = s.incomingWindow
	fl.NextOutgoingID = s.nextOutgoingID
	fl.OutgoingWindow = s.outgoingWindow
	return s.conn.send(s.channel, fl)
}

// endWithError ends the session because of a session level protocol error.
func (s *Session) endWithError(pe *ProtocolError) {
	s.conn.log.Error(pe, "ending session", "channel", s.channel)
	s.err = pe
	if !s.endSent {
		_ = s.sendEnd(pe.amqpError())
	}
}

// release forgets a session that has ended on both sides.
func (s *Session) release() {
	delete(s.conn.sessions, s.channel)
}

func (s *Session) handleBegin(begin *frames.Begin) {
	s.beginReceived = true
	s.remoteBegin = begin
	s.nextIncomingID = begin.NextOutgoingID
	s.remoteIncomingWindow = begin.IncomingWindow
	s.remoteOutgoingWindow = begin.OutgoingWindow
	s.remoteHandleMax = begin.HandleMax
	s.logState()
}

// handle processes a frame routed to the session. Errors returned are
// connection fatal; session and link errors are handled here.
func (s *Session) handle(body frames.Body) error {
	if s.endSent {
		if end, ok := body.(*frames.End); ok {
			s.handleEnd(end)
		}
		return nil
	}

	var err error
	switch body := body.(type) {
	case *frames.Attach:
		err = s.handleAttach(body)
	case *frames.Flow:
		err = s.handleFlow(body)
	case *frames.Transfer:
		err = s.handleTransfer(body)
	case *frames.Disposition:
		s.handleDisposition(body)
	case *frames.Detach:
		err = s.handleDetach(body)
	case *frames.End:
		s.handleEnd(body)
	default:
		err = protocolErrorf(encoding.ErrorNotAllowed, "unexpected frame %s on channel %d", body, s.remoteChannel)
	}
	s.logState()
	return err
}

func (s *Session) checkHandle(handle uint32) error {
	if handle > s.handleMax {
		return protocolErrorf(encoding.ErrorFramingError, "handle %d exceeds handle-max %d", handle, s.handleMax)
	}
	return nil
}

// remoteLink resolves a remote handle. ok is false when the session was
// ended because the handle is not attached.
func (s *Session) remoteLink(handle uint32) (l *link, ok bool, err error) {
	if err := s.checkHandle(handle); err != nil {
		return nil, false, err
	}
	l, ok = s.remoteLinks[handle]
	if !ok {
		s.endWithError(protocolErrorf(encoding.ErrorUnattachedHandle, "handle %d is not attached", handle))
		return nil, false, nil
	}
	return l, true, nil
}

func (s *Session) handleAttach(a *frames.Attach) error {
	if err := s.checkHandle(a.Handle); err != nil {
		return err
	}
	if _, ok := s.remoteLinks[a.Handle]; ok {
		s.endWithError(protocolErrorf(encoding.ErrorHandleInUse, "handle %d already attached", a.Handle))
		return nil
	}

	// our role is the opposite of the peer's
	l := s.pendingLink(a.Name, !a.Role)
	if l == nil {
		handle, ok := s.freeHandle()
		if !ok {
			s.endWithError(protocolErrorf(encoding.ErrorResourceLimitExceeded, "no free handle for link %q", a.Name))
			return nil
		}
		if a.Role == encoding.RoleSender {
			l = newReceiver(s, handle).link
		} else {
			l = newSender(s, handle).link
		}
		l.name = a.Name
		s.links[handle] = l
	}

	l.remoteHandle = a.Handle
	s.remoteLinks[a.Handle] = l
	l.handleAttach(a)

	s.conn.emit(LinkAttached{Link: l.self})
	return nil
}

// pendingLink finds a locally attached link with name and role awaiting
// the peer's Attach.
func (s *Session) pendingLink(name string, role encoding.Role) *link {
	for _, l := range s.links {
		if l.name == name && l.role == role && l.attachSent && !l.attachReceived {
			return l
		}
	}
	return nil
}

func (s *Session) freeHandle() (uint32, bool) {
	max := s.handleMax
	if s.beginReceived && s.remoteHandleMax < max {
		max = s.remoteHandleMax
	}
	for h := uint64(0); h <= uint64(max); h++ {
		if _, used := s.links[uint32(h)]; !used {
			return uint32(h), true
		}
	}
	return 0, false
}

func (s *Session) handleFlow(fl *frames.Flow) error {
	nextIncoming := uint32(0) // our initial outgoing transfer-id
	if fl.NextIncomingID != nil {
		nextIncoming = *fl.NextIncomingID
	}
	s.remoteIncomingWindow = remaining(fl.IncomingWindow, serialDiff(s.nextOutgoingID, nextIncoming))
	s.remoteOutgoingWindow = fl.OutgoingWindow
	s.outgoingWindow = s.outgoingWindowSize

	if fl.Handle == nil {
		if fl.Echo {
			return s.writeFlow(&frames.Flow{})
		}
		return nil
	}

	l, ok, err := s.remoteLink(*fl.Handle)
	if !ok || l.detachSent {
		return err
	}
	return l.self.handleFlow(fl)
}

func (s *Session) handleTransfer(t *frames.Transfer) error {
	if s.incomingWindow == 0 {
		s.endWithError(protocolErrorf(encoding.ErrorWindowViolation, "transfer received with incoming window 0"))
		return nil
	}
	s.incomingWindow--
	s.nextIncomingID++

	l, ok, err := s.remoteLink(t.Handle)
	if !ok || l.detachSent {
		return err
	}
	return l.self.handleTransfer(t)
}

// handleDisposition applies a disposition range. The peer's role selects
// the index: a receiver refers to our outgoing deliveries.
func (s *Session) handleDisposition(d *frames.Disposition) {
	index := s.incoming
	if d.Role == encoding.RoleReceiver {
		index = s.outgoing
	}

	last := d.First
	if d.Last != nil {
		last = *d.Last
	}

	var matched []*Delivery
	if span := last - d.First; !serialLess(last, d.First) && uint64(span) < uint64(len(index)) {
		for id := d.First; ; id++ {
			if dl, ok := index[id]; ok {
				matched = append(matched, dl)
			}
			if id == last {
				break
			}
		}
	} else {
		for id, dl := range index {
			if serialInRange(id, d.First, last) {
				matched = append(matched, dl)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return serialLess(matched[i].id, matched[j].id)
		})
	}

	for _, dl := range matched {
		dl.remoteUpdate(d.State, d.Settled)
	}
}

func (s *Session) handleDetach(d *frames.Detach) error {
	l, ok, err := s.remoteLink(d.Handle)
	if !ok {
		return err
	}

	l.detachReceived = true
	l.remoteClosed = d.Closed
	l.remoteError = d.Error
	delete(s.remoteLinks, d.Handle)
	l.discardIncomplete()

	s.conn.emit(LinkDetached{Link: l.self, Closed: d.Closed, Error: d.Error})
	if l.detachSent {
		l.release()
	}
	return nil
}

func (s *Session) handleEnd(end *frames.End) {
	s.endReceived = true
	delete(s.conn.remoteSessions, s.remoteChannel)
	for _, l := range s.links {
		l.discardIncomplete()
	}

	if end.Error != nil {
		s.conn.log.Info("session ended by peer", "channel", s.channel, "error", end.Error)
	}
	s.conn.emit(SessionEnded{Session: s, Error: end.Error})
	if s.endSent {
		s.release()
	}
}
