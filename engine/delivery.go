package engine

import (
	"fmt"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// Delivery is a message transferred over a link, sent or received.
type Delivery struct {
	link   *link
	id     uint32
	tag    []byte
	format uint32

	payload  []byte
	complete bool
	aborted  bool

	state         encoding.DeliveryState
	remoteState   encoding.DeliveryState
	settled       bool
	remoteSettled bool
	settlePending bool // receiver in mode second waiting for the sender to settle
}

// ID returns the delivery-id.
func (d *Delivery) ID() uint32 { return d.id }

// Tag returns the delivery-tag.
func (d *Delivery) Tag() []byte { return d.tag }

// MessageFormat returns the message format of the delivery.
func (d *Delivery) MessageFormat() uint32 { return d.format }

// Link returns the link the delivery was sent or received on.
func (d *Delivery) Link() Link { return d.link.self }

// Payload returns the assembled payload of a received delivery.
func (d *Delivery) Payload() []byte { return d.payload }

// Complete reports whether all frames of a received delivery arrived.
func (d *Delivery) Complete() bool { return d.complete }

// Aborted reports whether the sender aborted the delivery.
func (d *Delivery) Aborted() bool { return d.aborted }

// State returns the last state set locally.
func (d *Delivery) State() encoding.DeliveryState { return d.state }

// RemoteState returns the last state reported by the peer.
func (d *Delivery) RemoteState() encoding.DeliveryState { return d.remoteState }

// Settled reports whether the delivery is settled locally.
func (d *Delivery) Settled() bool { return d.settled }

// RemoteSettled reports whether the peer settled the delivery.
func (d *Delivery) RemoteSettled() bool { return d.remoteSettled }

// Message decodes the payload as an AMQP message.
func (d *Delivery) Message() (*encoding.Message, error) {
	m := new(encoding.Message)
	if err := m.Unmarshal(buffer.New(d.payload)); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Delivery) String() string {
	return fmt.Sprintf("Delivery{ID: %d, Tag: %q, Settled: %t, RemoteSettled: %t, State: %v, RemoteState: %v}",
		d.id, d.tag, d.settled, d.remoteSettled, d.state, d.remoteState)
}

// Disposition sends the delivery state to the peer and settles the
// delivery when settle is true.
//
// A receiver in receiver settle mode second cannot settle before the
// sender does: the state is sent unsettled and settlement completes when
// the sender's settled Disposition arrives.
func (d *Delivery) Disposition(state encoding.DeliveryState, settle bool) error {
	l := d.link
	s := l.session
	c := s.conn
	if c.err != nil {
		return c.err
	}
	if d.settled {
		return illegalStatef("delivery %d already settled", d.id)
	}
	if l.detachSent || l.detachReceived || s.endSent || s.endReceived {
		return illegalStatef("link %q detached", l.name)
	}

	sendSettled := settle
	if settle && l.role == encoding.RoleReceiver && l.receiverSettle() == encoding.ModeSecond && !d.remoteSettled {
		sendSettled = false
		d.settlePending = true
	}

	err := c.send(s.channel, &frames.Disposition{
		Role:    l.role,
		First:   d.id,
		Settled: sendSettled,
		State:   state,
	})
	if err != nil {
		return err
	}

	if state != nil {
		d.state = state
	}
	if sendSettled {
		d.settled = true
	}
	d.reap()
	c.flush()
	return nil
}

// Settle settles the delivery without changing its state.
func (d *Delivery) Settle() error {
	return d.Disposition(nil, true)
}

// Accept settles the delivery with the accepted outcome.
func (d *Delivery) Accept() error {
	return d.Disposition(&encoding.StateAccepted{}, true)
}

// Reject settles the delivery with the rejected outcome.
func (d *Delivery) Reject(e *encoding.Error) error {
	return d.Disposition(&encoding.StateRejected{Error: e}, true)
}

// Release settles the delivery with the released outcome.
func (d *Delivery) Release() error {
	return d.Disposition(&encoding.StateReleased{}, true)
}

// remoteUpdate applies a Disposition received from the peer.
func (d *Delivery) remoteUpdate(state encoding.DeliveryState, settled bool) {
	if state != nil {
		d.remoteState = state
	}
	if settled {
		d.remoteSettled = true
		// nothing remains to be agreed once the peer settles
		d.settled = true
		d.settlePending = false
	}

	d.link.session.conn.emit(DispositionUpdated{Delivery: d})
	d.reap()
}

// reap forgets a delivery settled locally once the peer either settled
// it or will not settle it: the peer of a sender, or of a receiver in
// mode first, settles nothing after we do.
func (d *Delivery) reap() {
	if !d.settled {
		return
	}
	l := d.link
	if !d.remoteSettled && l.role == encoding.RoleReceiver && l.receiverSettle() == encoding.ModeSecond {
		return
	}

	index := l.session.incoming
	if l.role == encoding.RoleSender {
		index = l.session.outgoing
	}
	delete(index, d.id)
}
