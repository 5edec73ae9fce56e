package engine

import (
	"fmt"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// Event is a notification raised while processing input or ticks.
//
// Events are delivered in the order the state changes happened, after
// the change is applied. The set of events is closed:
//
//	ConnectionOpened, ConnectionClosed, ConnectionFailed,
//	SessionBegan, SessionEnded,
//	LinkAttached, LinkDetached, CreditUpdated,
//	DeliveryReceived, DeliveryAborted, DeliveryIncomplete,
//	DispositionUpdated
type Event interface {
	event()
	fmt.Stringer
}

// ConnectionOpened is raised when the peer's Open is received.
type ConnectionOpened struct {
	Conn   *Conn
	Remote *frames.Open
}

// ConnectionClosed is raised when the peer's Close is received.
type ConnectionClosed struct {
	Conn  *Conn
	Error *encoding.Error // error sent by the peer, if any
}

// ConnectionFailed is raised once when the connection enters its
// terminal failed state.
type ConnectionFailed struct {
	Conn *Conn
	Err  error
}

// SessionBegan is raised when the peer's Begin is received. For a session
// initiated by the peer the session is in SessionStateBeginReceived and is
// answered with Session.Begin.
type SessionBegan struct {
	Session *Session
}

// SessionEnded is raised when the peer's End is received.
type SessionEnded struct {
	Session *Session
	Error   *encoding.Error
}

// LinkAttached is raised when the peer's Attach is received. A link
// initiated by the peer is in LinkStateAttachReceived and is answered with
// Attach.
type LinkAttached struct {
	Link Link
}

// LinkDetached is raised when the peer's Detach is received.
type LinkDetached struct {
	Link   Link
	Closed bool
	Error  *encoding.Error
}

// CreditUpdated is raised when link credit changes because of the peer:
// a sender receiving a Flow, or a receiver learning the outcome of a
// drain.
type CreditUpdated struct {
	Link    Link
	Credit  uint32
	Drain   bool // peer requested drain (sender side)
	Drained bool // drain completed (receiver side)
}

// DeliveryReceived is raised when the last frame of a delivery arrives.
type DeliveryReceived struct {
	Receiver *Receiver
	Delivery *Delivery
}

// DeliveryAborted is raised when the peer aborts a delivery. Its partial
// payload is discarded.
type DeliveryAborted struct {
	Receiver *Receiver
	Delivery *Delivery
}

// DeliveryIncomplete is raised when a link detaches while a delivery is
// still being assembled.
type DeliveryIncomplete struct {
	Receiver *Receiver
	Delivery *Delivery
}

// DispositionUpdated is raised when the peer updates the state or
// settlement of a delivery.
type DispositionUpdated struct {
	Delivery *Delivery
}

func (ConnectionOpened) event()   {}
func (ConnectionClosed) event()   {}
func (ConnectionFailed) event()   {}
func (SessionBegan) event()       {}
func (SessionEnded) event()       {}
func (LinkAttached) event()       {}
func (LinkDetached) event()       {}
func (CreditUpdated) event()      {}
func (DeliveryReceived) event()   {}
func (DeliveryAborted) event()    {}
func (DeliveryIncomplete) event() {}
func (DispositionUpdated) event() {}

func (e ConnectionOpened) String() string {
	return fmt.Sprintf("ConnectionOpened{Remote: %s}", e.Remote)
}

func (e ConnectionClosed) String() string {
	return fmt.Sprintf("ConnectionClosed{Error: %s}", e.Error)
}

func (e ConnectionFailed) String() string {
	return fmt.Sprintf("ConnectionFailed{Err: %v}", e.Err)
}

func (e SessionBegan) String() string {
	return fmt.Sprintf("SessionBegan{Channel: %d}", e.Session.Channel())
}

func (e SessionEnded) String() string {
	return fmt.Sprintf("SessionEnded{Channel: %d, Error: %s}", e.Session.Channel(), e.Error)
}

func (e LinkAttached) String() string {
	return fmt.Sprintf("LinkAttached{Name: %s, Handle: %d}", e.Link.Name(), e.Link.Handle())
}

func (e LinkDetached) String() string {
	return fmt.Sprintf("LinkDetached{Name: %s, Closed: %t, Error: %s}", e.Link.Name(), e.Closed, e.Error)
}

func (e CreditUpdated) String() string {
	return fmt.Sprintf("CreditUpdated{Name: %s, Credit: %d, Drain: %t, Drained: %t}",
		e.Link.Name(), e.Credit, e.Drain, e.Drained)
}

func (e DeliveryReceived) String() string {
	return fmt.Sprintf("DeliveryReceived{Link: %s, %s}", e.Receiver.Name(), e.Delivery)
}

func (e DeliveryAborted) String() string {
	return fmt.Sprintf("DeliveryAborted{Link: %s, %s}", e.Receiver.Name(), e.Delivery)
}

func (e DeliveryIncomplete) String() string {
	return fmt.Sprintf("DeliveryIncomplete{Link: %s, %s}", e.Receiver.Name(), e.Delivery)
}

func (e DispositionUpdated) String() string {
	return fmt.Sprintf("DispositionUpdated{%s}", e.Delivery)
}
