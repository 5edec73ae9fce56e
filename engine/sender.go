package engine

import (
	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// maxDeliveryTagSize is the largest delivery-tag AMQP permits.
const maxDeliveryTagSize = 32

// Sender is the sending end of a link.
type Sender struct {
	*link
}

// NewSender creates a sending link. It is attached with Attach.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l, err := s.openLink(encoding.RoleSender, opts)
	if err != nil {
		return nil, err
	}
	return bindSender(l), nil
}

func newSender(s *Session, handle uint32) *Sender {
	return bindSender(s.newLink(encoding.RoleSender, handle))
}

func bindSender(l *link) *Sender {
	sn := &Sender{link: l}
	l.self = sn
	return sn
}

// SendOptions configures a single delivery.
type SendOptions struct {
	// Settled sends the delivery pre-settled. Only used when the
	// sender settle mode is mixed.
	Settled bool

	// MessageFormat overrides the message format, 0 by default.
	MessageFormat uint32
}

// SetAvailable sets the number of deliveries the sender has ready,
// reported in the next Flow.
func (sn *Sender) SetAvailable(n uint32) {
	sn.available = n
}

// Drain reports whether the receiver asked the sender to drain.
func (sn *Sender) Drain() bool {
	return sn.drain
}

// Send transfers payload as one delivery identified by tag. The payload
// is split over as many transfer frames as the negotiated max-frame-size
// requires. opts may be nil.
func (sn *Sender) Send(tag, payload []byte, opts *SendOptions) (*Delivery, error) {
	l := sn.link
	s := l.session
	c := s.conn
	if c.err != nil {
		return nil, c.err
	}
	if st := l.State(); st != LinkStateAttached {
		return nil, illegalStatef("link %q not attached (%s)", l.name, st)
	}
	if s.State() != SessionStateActive {
		return nil, illegalStatef("session on channel %d not active (%s)", s.channel, s.State())
	}
	if l.linkCredit == 0 {
		return nil, illegalStatef("link %q has no credit", l.name)
	}
	if len(tag) == 0 || len(tag) > maxDeliveryTagSize {
		return nil, errors.Errorf("delivery tag must be 1 to %d bytes, got %d", maxDeliveryTagSize, len(tag))
	}
	if max := l.remoteAttach.MaxMessageSize; max > 0 && uint64(len(payload)) > max {
		return nil, errors.Errorf("payload of %d bytes exceeds max message size %d", len(payload), max)
	}
	if opts == nil {
		opts = &SendOptions{}
	}

	var settled bool
	switch l.senderSettle() {
	case encoding.ModeSettled:
		settled = true
	case encoding.ModeUnsettled:
		settled = false
	default:
		settled = opts.Settled
	}

	id := s.nextDeliveryID
	format := opts.MessageFormat
	first := &frames.Transfer{
		Handle:        l.handle,
		DeliveryID:    &id,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       settled,
		More:          true,
	}
	cont := &frames.Transfer{Handle: l.handle, More: true}

	firstCap, contCap, err := transferCapacity(c.MaxFrameSize(), first, cont)
	if err != nil {
		return nil, err
	}

	n := 1
	if len(payload) > firstCap {
		n += (len(payload) - firstCap + contCap - 1) / contCap
	}
	if uint64(n) > uint64(s.outgoingWindow) || uint64(n) > uint64(s.remoteIncomingWindow) {
		return nil, illegalStatef("session window too small for %d transfer frames (outgoing %d, remote incoming %d)",
			n, s.outgoingWindow, s.remoteIncomingWindow)
	}

	s.nextDeliveryID++
	l.linkCredit--
	l.deliveryCount++

	d := &Delivery{
		link:    l,
		id:      id,
		tag:     append([]byte(nil), tag...),
		format:  format,
		settled: settled,
	}
	if !settled {
		s.outgoing[id] = d
	}

	fr, capacity := first, firstCap
	remaining := payload
	for {
		chunk := remaining
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		remaining = remaining[len(chunk):]

		fr.Payload = chunk
		fr.More = len(remaining) > 0
		if err := c.send(s.channel, fr); err != nil {
			// the peer may have seen part of the delivery
			c.fail(err)
			c.flush()
			return nil, err
		}
		s.nextOutgoingID++
		s.outgoingWindow--
		s.remoteIncomingWindow--

		if !fr.More {
			break
		}
		fr = &frames.Transfer{Handle: l.handle}
		capacity = contCap
	}

	c.flush()
	return d, nil
}

// transferCapacity returns the payload room in the first and in
// continuation transfer frames of a delivery.
func transferCapacity(maxFrameSize uint32, first, cont *frames.Transfer) (int, int, error) {
	firstOverhead, err := first.Overhead()
	if err != nil {
		return 0, 0, err
	}
	contOverhead, err := cont.Overhead()
	if err != nil {
		return 0, 0, err
	}

	firstCap := int(maxFrameSize) - frames.HeaderSize - firstOverhead
	contCap := int(maxFrameSize) - frames.HeaderSize - contOverhead
	if firstCap <= 0 || contCap <= 0 {
		return 0, 0, errors.Errorf("max frame size %d leaves no room for payload", maxFrameSize)
	}
	return firstCap, contCap, nil
}

// Drained answers a drain request: the remaining credit is consumed by
// advancing the delivery-count, and the result is sent to the receiver.
func (sn *Sender) Drained() error {
	l := sn.link
	c := l.session.conn
	if c.err != nil {
		return c.err
	}
	if st := l.State(); st != LinkStateAttached {
		return illegalStatef("link %q not attached (%s)", l.name, st)
	}

	l.deliveryCount += l.linkCredit
	l.linkCredit = 0
	err := l.writeFlow()
	c.flush()
	return err
}

// Flow sends the sender's flow state.
func (sn *Sender) Flow() error {
	c := sn.session.conn
	if c.err != nil {
		return c.err
	}
	if st := sn.State(); st != LinkStateAttached {
		return illegalStatef("link %q not attached (%s)", sn.name, st)
	}
	err := sn.writeFlow()
	c.flush()
	return err
}

// handleFlow computes the credit granted by the receiver: its
// link-credit less the deliveries it has not counted yet.
func (sn *Sender) handleFlow(fl *frames.Flow) error {
	l := sn.link

	rcvDeliveryCount := l.initialDeliveryCount
	if fl.DeliveryCount != nil {
		rcvDeliveryCount = *fl.DeliveryCount
	}
	if fl.LinkCredit != nil {
		inflight := serialDiff(l.deliveryCount, rcvDeliveryCount)
		l.linkCredit = remaining(*fl.LinkCredit, inflight)
	}
	l.drain = fl.Drain

	l.session.conn.emit(CreditUpdated{Link: sn, Credit: l.linkCredit, Drain: fl.Drain})

	if fl.Echo {
		return l.writeFlow()
	}
	return nil
}

func (sn *Sender) handleTransfer(t *frames.Transfer) error {
	return protocolErrorf(encoding.ErrorNotAllowed, "transfer received on sending link %q", sn.name)
}
