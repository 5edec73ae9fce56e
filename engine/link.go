package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// LinkState is the state of a link endpoint.
type LinkState uint8

// Link states
const (
	LinkStateUnattached LinkState = iota
	LinkStateAttachSent
	LinkStateAttachReceived
	LinkStateAttached
	LinkStateDetachSent
	LinkStateDetachReceived
	LinkStateDetached
)

func (s LinkState) String() string {
	switch s {
	case LinkStateUnattached:
		return "Unattached"
	case LinkStateAttachSent:
		return "AttachSent"
	case LinkStateAttachReceived:
		return "AttachReceived"
	case LinkStateAttached:
		return "Attached"
	case LinkStateDetachSent:
		return "DetachSent"
	case LinkStateDetachReceived:
		return "DetachReceived"
	case LinkStateDetached:
		return "Detached"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(s))
	}
}

// Link is implemented by *Sender and *Receiver.
type Link interface {
	Name() string
	Handle() uint32
	Role() encoding.Role
	Session() *Session
	State() LinkState
	Credit() uint32
	DeliveryCount() uint32
	RemoteAttach() *frames.Attach
	Attach() error
	Detach(e *encoding.Error) error
	Close(e *encoding.Error) error

	handleFlow(fl *frames.Flow) error
	handleTransfer(t *frames.Transfer) error
}

// link holds the state shared by senders and receivers.
type link struct {
	self    Link
	session *Session

	name         string
	handle       uint32
	remoteHandle uint32
	role         encoding.Role

	source              *encoding.Source
	target              *encoding.Target
	coordinator         *encoding.Coordinator
	senderSettleMode    *encoding.SenderSettleMode
	receiverSettleMode  *encoding.ReceiverSettleMode
	maxMessageSize      uint64
	properties          map[encoding.Symbol]interface{}
	desiredCapabilities []encoding.Symbol

	attachSent     bool
	attachReceived bool
	detachSent     bool
	detachReceived bool
	closed         bool
	remoteClosed   bool
	remoteAttach   *frames.Attach
	remoteError    *encoding.Error

	// flow control, in the sense of our role
	deliveryCount        uint32
	initialDeliveryCount uint32
	linkCredit           uint32
	available            uint32
	drain                bool

	lastState LinkState
}

func (s *Session) newLink(role encoding.Role, handle uint32) *link {
	return &link{
		session: s,
		name:    uuid.NewString(),
		handle:  handle,
		role:    role,
	}
}

// openLink allocates a handle for a locally initiated link.
func (s *Session) openLink(role encoding.Role, opts []LinkOption) (*link, error) {
	c := s.conn
	if c.err != nil {
		return nil, c.err
	}
	if s.endSent || s.endReceived {
		return nil, illegalStatef("session on channel %d ended", s.channel)
	}

	handle, ok := s.freeHandle()
	if !ok {
		return nil, illegalStatef("no free handle on channel %d", s.channel)
	}

	l := s.newLink(role, handle)
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.initialDeliveryCount = l.deliveryCount
	s.links[handle] = l
	return l, nil
}

func (l *link) ensureSource() *encoding.Source {
	if l.source == nil {
		l.source = new(encoding.Source)
	}
	return l.source
}

func (l *link) ensureTarget() *encoding.Target {
	if l.target == nil {
		l.target = new(encoding.Target)
	}
	return l.target
}

// Name returns the link name.
func (l *link) Name() string { return l.name }

// Handle returns the local handle.
func (l *link) Handle() uint32 { return l.handle }

// Role returns the local role.
func (l *link) Role() encoding.Role { return l.role }

// Session returns the session the link belongs to.
func (l *link) Session() *Session { return l.session }

// Credit returns the current link credit.
func (l *link) Credit() uint32 { return l.linkCredit }

// DeliveryCount returns the current delivery-count.
func (l *link) DeliveryCount() uint32 { return l.deliveryCount }

// RemoteAttach returns the peer's Attach, or nil.
func (l *link) RemoteAttach() *frames.Attach { return l.remoteAttach }

// Source returns the local source terminus.
func (l *link) Source() *encoding.Source { return l.source }

// Target returns the local target terminus.
func (l *link) Target() *encoding.Target { return l.target }

// State returns the current link state.
func (l *link) State() LinkState {
	switch {
	case l.detachSent && l.detachReceived:
		return LinkStateDetached
	case l.detachSent:
		return LinkStateDetachSent
	case l.detachReceived:
		return LinkStateDetachReceived
	case l.attachSent && l.attachReceived:
		return LinkStateAttached
	case l.attachSent:
		return LinkStateAttachSent
	case l.attachReceived:
		return LinkStateAttachReceived
	default:
		return LinkStateUnattached
	}
}

func (l *link) logState() {
	if st := l.State(); st != l.lastState {
		l.session.conn.log.V(2).Info("link state", "name", l.name, "handle", l.handle, "from", l.lastState, "to", st)
		l.lastState = st
	}
}

func (l *link) receiverSettle() encoding.ReceiverSettleMode {
	if l.receiverSettleMode == nil {
		return encoding.ModeFirst
	}
	return *l.receiverSettleMode
}

func (l *link) senderSettle() encoding.SenderSettleMode {
	if l.senderSettleMode == nil {
		return encoding.ModeMixed
	}
	return *l.senderSettleMode
}

// Attach sends Attach. For a link initiated by the peer this answers its
// Attach.
func (l *link) Attach() error {
	s := l.session
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if l.attachSent {
		return illegalStatef("link %q already attached", l.name)
	}
	if !s.beginSent || s.endSent || s.endReceived {
		return illegalStatef("session on channel %d not active (%s)", s.channel, s.State())
	}

	attach := &frames.Attach{
		Name:                l.name,
		Handle:              l.handle,
		Role:                l.role,
		SenderSettleMode:    l.senderSettleMode,
		ReceiverSettleMode:  l.receiverSettleMode,
		Source:              l.source,
		Target:              l.target,
		Coordinator:         l.coordinator,
		MaxMessageSize:      l.maxMessageSize,
		DesiredCapabilities: l.desiredCapabilities,
		Properties:          l.properties,
	}
	if l.role == encoding.RoleSender {
		attach.InitialDeliveryCount = l.deliveryCount
	}

	l.attachSent = true
	err := c.send(s.channel, attach)
	if err == nil && l.attachReceived {
		err = l.attached()
	}
	l.logState()
	c.flush()
	return err
}

func (l *link) handleAttach(a *frames.Attach) {
	l.attachReceived = true
	l.remoteAttach = a

	if !l.attachSent {
		// peer initiated: adopt its view of the termini
		l.source = a.Source
		l.target = a.Target
		l.coordinator = a.Coordinator
		l.senderSettleMode = a.SenderSettleMode
		l.receiverSettleMode = a.ReceiverSettleMode
	} else if l.role == encoding.RoleReceiver {
		// the sender decides how it settles
		l.senderSettleMode = a.SenderSettleMode
	} else {
		l.receiverSettleMode = a.ReceiverSettleMode
	}

	if l.role == encoding.RoleReceiver {
		l.deliveryCount = a.InitialDeliveryCount
	}

	if l.attachSent {
		if err := l.attached(); err != nil {
			l.session.conn.log.Error(err, "sending deferred flow", "link", l.name)
		}
	}
	l.logState()
}

// attached runs once both Attach frames are exchanged.
func (l *link) attached() error {
	if r, ok := l.self.(*Receiver); ok && r.flowPending {
		r.flowPending = false
		return l.writeFlow()
	}
	return nil
}

// writeFlow sends the link flow state.
func (l *link) writeFlow() error {
	handle := l.handle
	credit := l.linkCredit
	fl := &frames.Flow{
		Handle:     &handle,
		LinkCredit: &credit,
		Drain:      l.drain,
	}
	if l.role == encoding.RoleSender || l.attachReceived {
		dc := l.deliveryCount
		fl.DeliveryCount = &dc
	}
	if l.role == encoding.RoleSender && l.available > 0 {
		available := l.available
		fl.Available = &available
	}
	return l.session.writeFlow(fl)
}

// Detach sends Detach without closing the link.
func (l *link) Detach(e *encoding.Error) error {
	return l.detach(false, e)
}

// Close sends Detach with the closed flag set.
func (l *link) Close(e *encoding.Error) error {
	return l.detach(true, e)
}

func (l *link) detach(closed bool, e *encoding.Error) error {
	s := l.session
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if !l.attachSent && !l.attachReceived {
		return illegalStatef("link %q not attached", l.name)
	}
	if l.detachSent {
		return illegalStatef("link %q already detached", l.name)
	}
	if s.endSent || s.endReceived {
		return illegalStatef("session on channel %d ended", s.channel)
	}

	err := l.sendDetach(closed, e)
	c.flush()
	return err
}

func (l *link) sendDetach(closed bool, e *encoding.Error) error {
	l.detachSent = true
	l.closed = closed
	l.discardIncomplete()

	err := l.session.conn.send(l.session.channel, &frames.Detach{
		Handle: l.handle,
		Closed: closed,
		Error:  e,
	})
	if l.detachReceived {
		l.release()
	}
	l.logState()
	return err
}

// detachWithError closes the link because of a link level protocol error.
func (l *link) detachWithError(pe *ProtocolError) {
	s := l.session
	s.conn.log.Error(pe, "detaching link", "link", l.name)
	if l.detachSent {
		return
	}
	if !l.attachSent {
		// refuse a peer initiated link: answer with null termini first
		refusal := &frames.Attach{Name: l.name, Handle: l.handle, Role: l.role}
		if l.role == encoding.RoleSender {
			refusal.InitialDeliveryCount = l.deliveryCount
		}
		l.attachSent = true
		if err := s.conn.send(s.channel, refusal); err != nil {
			return
		}
	}
	_ = l.sendDetach(true, pe.amqpError())
}

// discardIncomplete drops a delivery still being assembled.
func (l *link) discardIncomplete() {
	r, ok := l.self.(*Receiver)
	if !ok || r.assembling == nil {
		return
	}
	d := r.assembling
	r.assembling = nil
	d.payload = nil
	delete(l.session.incoming, d.id)
	l.session.conn.emit(DeliveryIncomplete{Receiver: r, Delivery: d})
}

// release forgets a link detached on both sides, along with its
// unsettled deliveries.
func (l *link) release() {
	s := l.session
	delete(s.links, l.handle)
	index := s.incoming
	if l.role == encoding.RoleSender {
		index = s.outgoing
	}
	for id, d := range index {
		if d.link == l {
			delete(index, id)
		}
	}
}
