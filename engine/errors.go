package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
)

// ErrIllegalState is returned, wrapped with context, when an operation is
// not valid in the current state of a connection, session, link or
// delivery. The engine is left unchanged.
var ErrIllegalState = errors.New("illegal state")

func illegalStatef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIllegalState, format, args...)
}

// ProtocolError is a violation of the AMQP framing or sequencing rules,
// detected by the engine or reported by the peer.
type ProtocolError struct {
	Condition   encoding.ErrorCondition
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return "amqp: " + string(e.Condition)
	}
	return fmt.Sprintf("amqp: %s: %s", e.Condition, e.Description)
}

// amqpError converts e to the error carried in Close, End or Detach.
func (e *ProtocolError) amqpError() *encoding.Error {
	return &encoding.Error{Condition: e.Condition, Description: e.Description}
}

func protocolErrorf(cond encoding.ErrorCondition, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Condition: cond, Description: fmt.Sprintf(format, args...)}
}

// asAMQPError picks the condition sent to the peer for a fatal error.
func asAMQPError(err error) *encoding.Error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.amqpError()
	}
	var de *encoding.DecodeError
	if errors.As(err, &de) {
		return &encoding.Error{Condition: encoding.ErrorDecodeError, Description: err.Error()}
	}
	return &encoding.Error{Condition: encoding.ErrorFramingError, Description: err.Error()}
}
