package engine

import (
	"bytes"
	"math"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// Receiver is the receiving end of a link.
type Receiver struct {
	*link

	assembling  *Delivery // delivery awaiting more transfer frames
	flowPending bool      // credit granted before both Attach frames were seen
}

// NewReceiver creates a receiving link. It is attached with Attach.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	l, err := s.openLink(encoding.RoleReceiver, opts)
	if err != nil {
		return nil, err
	}
	return bindReceiver(l), nil
}

func newReceiver(s *Session, handle uint32) *Receiver {
	return bindReceiver(s.newLink(encoding.RoleReceiver, handle))
}

func bindReceiver(l *link) *Receiver {
	r := &Receiver{link: l}
	l.self = r
	return r
}

// Available returns the number of deliveries the sender last reported
// as ready.
func (r *Receiver) Available() uint32 {
	return r.available
}

// AddCredit grants n more deliveries to the sender. The Flow is sent
// once both Attach frames have been exchanged.
func (r *Receiver) AddCredit(n uint32) error {
	l := r.link
	c := l.session.conn
	if c.err != nil {
		return c.err
	}
	if l.detachSent || l.detachReceived {
		return illegalStatef("link %q detached", l.name)
	}
	if uint64(l.linkCredit)+uint64(n) > math.MaxUint32 {
		return illegalStatef("link %q credit %d cannot be raised by %d", l.name, l.linkCredit, n)
	}

	l.linkCredit += n
	if l.State() != LinkStateAttached {
		r.flowPending = true
		return nil
	}
	err := l.writeFlow()
	c.flush()
	return err
}

// Drain asks the sender to use up or discard the remaining credit. A
// CreditUpdated event with Drained set reports completion.
func (r *Receiver) Drain() error {
	l := r.link
	c := l.session.conn
	if c.err != nil {
		return c.err
	}
	if st := l.State(); st != LinkStateAttached {
		return illegalStatef("link %q not attached (%s)", l.name, st)
	}

	l.drain = true
	err := l.writeFlow()
	c.flush()
	return err
}

// handleFlow applies the sender's flow state. Deliveries the sender
// counted without transferring, as when draining, consume credit.
func (r *Receiver) handleFlow(fl *frames.Flow) error {
	l := r.link

	if fl.DeliveryCount != nil {
		senderCount := *fl.DeliveryCount
		l.linkCredit = remaining(l.linkCredit, serialDiff(senderCount, l.deliveryCount))
		l.deliveryCount = senderCount
	}
	if fl.Available != nil {
		l.available = *fl.Available
	}

	drained := l.drain && l.linkCredit == 0
	if drained {
		l.drain = false
	}
	l.session.conn.emit(CreditUpdated{Link: r, Credit: l.linkCredit, Drained: drained})

	if fl.Echo {
		return l.writeFlow()
	}
	return nil
}

// handleTransfer assembles deliveries. Only the first frame of a
// delivery consumes credit and advances the delivery-count.
func (r *Receiver) handleTransfer(t *frames.Transfer) error {
	l := r.link
	s := l.session
	c := s.conn

	d := r.assembling
	if d == nil {
		if t.DeliveryID == nil {
			return protocolErrorf(encoding.ErrorNotAllowed, "first transfer of a delivery on link %q has no delivery-id", l.name)
		}
		if l.linkCredit == 0 {
			l.detachWithError(protocolErrorf(encoding.ErrorTransferLimitExceeded, "transfer received on link %q without credit", l.name))
			return nil
		}
		l.linkCredit--
		l.deliveryCount++

		d = &Delivery{
			link: l,
			id:   *t.DeliveryID,
			tag:  t.DeliveryTag,
		}
		if t.MessageFormat != nil {
			d.format = *t.MessageFormat
		}
		r.assembling = d
		if !t.Settled {
			s.incoming[d.id] = d
		}
	} else {
		if t.DeliveryID != nil && *t.DeliveryID != d.id {
			return protocolErrorf(encoding.ErrorNotAllowed, "delivery-id %d does not match delivery %d in progress", *t.DeliveryID, d.id)
		}
		if t.DeliveryTag != nil && !bytes.Equal(t.DeliveryTag, d.tag) {
			return protocolErrorf(encoding.ErrorNotAllowed, "delivery-tag %q does not match delivery %q in progress", t.DeliveryTag, d.tag)
		}
	}

	if t.Settled {
		d.remoteSettled = true
		delete(s.incoming, d.id)
	}
	if t.State != nil {
		d.remoteState = t.State
	}

	if t.Aborted {
		r.assembling = nil
		d.aborted = true
		d.payload = nil
		delete(s.incoming, d.id)
		c.emit(DeliveryAborted{Receiver: r, Delivery: d})
		return nil
	}

	d.payload = append(d.payload, t.Payload...)
	if l.maxMessageSize > 0 && uint64(len(d.payload)) > l.maxMessageSize {
		r.assembling = nil
		delete(s.incoming, d.id)
		l.detachWithError(protocolErrorf(encoding.ErrorMessageSizeExceeded,
			"delivery %d on link %q exceeds max message size %d", d.id, l.name, l.maxMessageSize))
		return nil
	}

	if t.More {
		return nil
	}

	r.assembling = nil
	d.complete = true
	if d.remoteSettled {
		d.settled = true
	}
	c.emit(DeliveryReceived{Receiver: r, Delivery: d})

	if l.drain && l.linkCredit == 0 {
		l.drain = false
		c.emit(CreditUpdated{Link: r, Credit: 0, Drained: true})
	}
	return nil
}
