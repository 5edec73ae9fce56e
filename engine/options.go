package engine

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// connection defaults
const (
	DefaultMaxFrameSize = 65536
	DefaultChannelMax   = 65535
)

// session defaults
const (
	DefaultWindow  = 100
	DefaultMaxLink = 4294967295
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*Conn) error

// ConnContainerID sets the container-id sent in Open.
//
// Default: a random UUID.
func ConnContainerID(id string) ConnOption {
	return func(c *Conn) error {
		if id == "" {
			return errors.New("container-id must not be empty")
		}
		c.containerID = id
		return nil
	}
}

// ConnHostname sets the hostname sent in Open and SASL init.
func ConnHostname(hostname string) ConnOption {
	return func(c *Conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this side accepts.
//
// Must be 512 or greater.
//
// Default: 65536.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *Conn) error {
		if n < frames.MinMaxFrameSize {
			return errors.Errorf("max frame size must be %d or larger", frames.MinMaxFrameSize)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the highest channel number this side uses.
//
// Must be greater than 0.
//
// Default: 65535.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *Conn) error {
		if n == 0 {
			return errors.New("channel max must be greater than 0")
		}
		c.channelMax = n
		return nil
	}
}

// ConnIdleTimeout sets the idle timeout advertised to the peer. The
// connection fails when no input arrives for this long.
//
// Setting to 0 disables the timeout.
//
// Default: 0.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *Conn) error {
		if d < 0 {
			return errors.New("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent in Open.
func ConnProperty(key, value string) ConnOption {
	return func(c *Conn) error {
		if key == "" {
			return errors.New("connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[encoding.Symbol]interface{})
		}
		c.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// ConnOfferedCapabilities sets the capabilities offered in Open.
func ConnOfferedCapabilities(caps ...string) ConnOption {
	return func(c *Conn) error {
		for _, capability := range caps {
			c.offeredCapabilities = append(c.offeredCapabilities, encoding.Symbol(capability))
		}
		return nil
	}
}

// ConnLogger sets the logger. Frames are logged at V(1), state changes
// at V(2) and protocol errors at V(0).
//
// Default: logr.Discard().
func ConnLogger(log logr.Logger) ConnOption {
	return func(c *Conn) error {
		c.log = log
		return nil
	}
}

// ConnOutput sets the function receiving encoded output. The slice is
// owned by the callee.
//
// When unset, output accumulates until Conn.Output is called.
func ConnOutput(fn func([]byte)) ConnOption {
	return func(c *Conn) error {
		c.output = fn
		return nil
	}
}

// ConnEventHandler sets the function events are dispatched to.
//
// When unset, events accumulate until Conn.Events is called.
func ConnEventHandler(fn func(Event)) ConnOption {
	return func(c *Conn) error {
		c.handler = fn
		return nil
	}
}

// ConnFrameHook sets a function observing every frame received or sent.
func ConnFrameHook(fn func(outgoing bool, fr frames.Frame)) ConnOption {
	return func(c *Conn) error {
		c.frameHook = fn
		return nil
	}
}

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of unacknowledged
// transfer frames the peer may send.
//
// Default: 100.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindowSize = window
		return nil
	}
}

// SessionOutgoingWindow sets the maximum number of transfer frames sent
// before the peer's Flow.
//
// Default: 100.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindowSize = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (handle-max + 1).
//
// Must be between 1 and 4294967296.
//
// Default: 4294967296.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return errors.New("max links cannot be less than 1")
		}
		if int64(n) > 4294967296 {
			return errors.New("max links cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// LinkOption is a function for configuring an AMQP link.
type LinkOption func(*link) error

// LinkName sets the name of the link.
//
// Default: a random UUID.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		if name == "" {
			return errors.New("link name must not be empty")
		}
		l.name = name
		return nil
	}
}

// LinkSourceAddress sets the source address.
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		l.ensureSource().Address = addr
		return nil
	}
}

// LinkAddressDynamic requests a dynamically created node: the source
// for a receiver, the target for a sender.
func LinkAddressDynamic() LinkOption {
	return func(l *link) error {
		if l.role == encoding.RoleReceiver {
			l.ensureSource().Dynamic = true
		} else {
			l.ensureTarget().Dynamic = true
		}
		return nil
	}
}

// LinkTargetAddress sets the target address.
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		l.ensureTarget().Address = addr
		return nil
	}
}

// LinkCoordinator targets the transaction coordinator instead of a node.
// Only valid for senders.
func LinkCoordinator(caps ...string) LinkOption {
	return func(l *link) error {
		if l.role != encoding.RoleSender {
			return errors.New("coordinator target requires a sender")
		}
		co := &encoding.Coordinator{}
		for _, capability := range caps {
			co.Capabilities = append(co.Capabilities, encoding.Symbol(capability))
		}
		l.coordinator = co
		l.target = nil
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
//
// If a settlement mode is explicitly set and the server does not
// honor it an error is returned when the remote Attach is received.
//
// Default: Accept the settlement mode set by the server, commonly ModeMixed.
func LinkSenderSettle(mode encoding.SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > encoding.ModeMixed {
			return errors.Errorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
//
// Default: Accept the settlement mode set by the server, commonly ModeFirst.
func LinkReceiverSettle(mode encoding.ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > encoding.ModeSecond {
			return errors.Errorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkMaxMessageSize sets the maximum message size that can
// be sent or received on the link.
//
// A size of zero indicates no limit.
//
// Default: 0.
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

// LinkProperty sets an entry in the link properties map sent in Attach.
func LinkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return errors.New("link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = make(map[encoding.Symbol]interface{})
		}
		l.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// LinkSourceFilter adds a filter to the link's source.
//
// name is the key the filter is stored under in the filter-set, code the
// numeric descriptor of the filter type and value its content.
func LinkSourceFilter(name string, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		src := l.ensureSource()
		if src.Filter == nil {
			src.Filter = make(encoding.Filter)
		}
		src.Filter[encoding.Symbol(name)] = &encoding.DescribedType{Descriptor: code, Value: value}
		return nil
	}
}

// LinkSelectorFilter sets a selector filter (apache.org:selector-filter:string)
// on the link source.
func LinkSelectorFilter(filter string) LinkOption {
	return LinkSourceFilter(string(encoding.SelectorFilter), encoding.SelectorFilterCode, filter)
}

// LinkSourceCapabilities sets the capabilities of the link source.
func LinkSourceCapabilities(caps ...string) LinkOption {
	return func(l *link) error {
		src := l.ensureSource()
		for _, capability := range caps {
			src.Capabilities = append(src.Capabilities, encoding.Symbol(capability))
		}
		return nil
	}
}

// LinkDesiredCapabilities sets the capabilities desired from the peer.
func LinkDesiredCapabilities(caps ...string) LinkOption {
	return func(l *link) error {
		for _, capability := range caps {
			l.desiredCapabilities = append(l.desiredCapabilities, encoding.Symbol(capability))
		}
		return nil
	}
}

// LinkInitialDeliveryCount sets the delivery-count a sender starts at.
//
// Default: 0.
func LinkInitialDeliveryCount(n uint32) LinkOption {
	return func(l *link) error {
		if l.role != encoding.RoleSender {
			return errors.New("initial delivery count requires a sender")
		}
		l.deliveryCount = n
		return nil
	}
}
