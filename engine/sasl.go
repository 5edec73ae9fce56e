package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

// saslHandler runs the client side of one SASL mechanism. init returns
// the initial response; challenge answers a server challenge.
type saslHandler interface {
	init() ([]byte, error)
	challenge(data []byte) ([]byte, error)
	failure(outcome *frames.SASLOutcome) error
}

type saslClient struct {
	handlers     map[encoding.Symbol]saslHandler
	maxFrameSize uint32

	headerSent bool
	mechanism  encoding.Symbol
	active     saslHandler
	done       bool
}

func (c *Conn) addSASLHandler(mech encoding.Symbol, h saslHandler) {
	if c.sasl == nil {
		c.sasl = &saslClient{
			handlers:     make(map[encoding.Symbol]saslHandler),
			maxFrameSize: frames.MinMaxFrameSize,
		}
	}
	c.sasl.handlers[mech] = h
}

// ConnSASLPlain enables SASL PLAIN authentication for the connection.
//
// SASL PLAIN transmits credentials in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *Conn) error {
		c.addSASLHandler(frames.SASLMechanismPLAIN, &saslHandlerPlain{
			username: username,
			password: password,
		})
		return nil
	}
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication for the connection.
func ConnSASLAnonymous() ConnOption {
	return func(c *Conn) error {
		c.addSASLHandler(frames.SASLMechanismANONYMOUS, &saslHandlerAnonymous{})
		return nil
	}
}

// ConnSASLXOAUTH2 enables SASL XOAUTH2 authentication for the connection.
//
// The mechanism is based on OAuth 2.0 bearer tokens. maxFrameSize raises
// the limit on SASL frames, since tokens are often larger than 512 bytes.
//
// SASL XOAUTH2 transmits the bearer in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLXOAUTH2(username, bearer string, maxFrameSize uint32) ConnOption {
	return func(c *Conn) error {
		response, err := saslXOAUTH2InitialResponse(username, bearer)
		if err != nil {
			return err
		}
		c.addSASLHandler(frames.SASLMechanismXOAUTH2, &saslHandlerXOAUTH2{
			response: response,
		})
		if maxFrameSize > c.sasl.maxFrameSize {
			c.sasl.maxFrameSize = maxFrameSize
		}
		return nil
	}
}

// handle processes one SASL frame received by the client.
func (s *saslClient) handle(c *Conn, body frames.Body) error {
	switch body := body.(type) {
	case *frames.SASLMechanisms:
		if s.active != nil {
			return errors.New("unexpected second SASL mechanisms frame")
		}
		for _, mech := range body.Mechanisms {
			if h, ok := s.handlers[mech]; ok {
				s.mechanism = mech
				s.active = h
				break
			}
		}
		if s.active == nil {
			return errors.Errorf("no supported auth mechanism (%v)", body.Mechanisms)
		}

		response, err := s.active.init()
		if err != nil {
			return err
		}
		return c.writeFrame(frames.Frame{
			Type: frames.TypeSASL,
			Body: &frames.SASLInit{
				Mechanism:       s.mechanism,
				InitialResponse: response,
				Hostname:        c.hostname,
			},
		})

	case *frames.SASLChallenge:
		if s.active == nil {
			return errors.New("SASL challenge received before mechanisms")
		}
		response, err := s.active.challenge(body.Challenge)
		if err != nil {
			return err
		}
		return c.writeFrame(frames.Frame{
			Type: frames.TypeSASL,
			Body: &frames.SASLResponse{Response: response},
		})

	case *frames.SASLOutcome:
		if s.active == nil {
			return errors.New("SASL outcome received before mechanisms")
		}
		if body.Code != frames.CodeSASLOK {
			return s.active.failure(body)
		}
		return c.saslComplete()

	default:
		return errors.Errorf("unexpected SASL frame %s", body)
	}
}

type saslHandlerPlain struct {
	username string
	password string
}

func (h *saslHandlerPlain) init() ([]byte, error) {
	return []byte("\x00" + h.username + "\x00" + h.password), nil
}

func (h *saslHandlerPlain) challenge([]byte) ([]byte, error) {
	return nil, errors.New("unexpected SASL PLAIN challenge")
}

func (h *saslHandlerPlain) failure(so *frames.SASLOutcome) error {
	return errors.Errorf("SASL PLAIN auth failed with code %#00x: %s", so.Code, so.AdditionalData)
}

type saslHandlerAnonymous struct{}

func (saslHandlerAnonymous) init() ([]byte, error) {
	return []byte("anonymous"), nil
}

func (saslHandlerAnonymous) challenge([]byte) ([]byte, error) {
	return nil, errors.New("unexpected SASL ANONYMOUS challenge")
}

func (saslHandlerAnonymous) failure(so *frames.SASLOutcome) error {
	return errors.Errorf("SASL ANONYMOUS auth failed with code %#00x: %s", so.Code, so.AdditionalData)
}

type saslHandlerXOAUTH2 struct {
	response      []byte
	errorResponse []byte // challenge sent by the server when the token is refused
}

func (h *saslHandlerXOAUTH2) init() ([]byte, error) {
	return h.response, nil
}

// challenge answers the error response with an empty response, after
// which the server sends a failed outcome. A second challenge is an error.
func (h *saslHandlerXOAUTH2) challenge(data []byte) ([]byte, error) {
	if h.errorResponse != nil {
		return nil, errors.Errorf("SASL XOAUTH2 unexpected additional error response received during "+
			"exchange. Initial error response: %s, additional response: %s", h.errorResponse, data)
	}
	h.errorResponse = data
	return []byte{}, nil
}

func (h *saslHandlerXOAUTH2) failure(so *frames.SASLOutcome) error {
	if h.errorResponse != nil {
		return errors.Errorf("SASL XOAUTH2 auth failed with code %#00x: %s, error response: %s",
			so.Code, so.AdditionalData, h.errorResponse)
	}
	return errors.Errorf("SASL XOAUTH2 auth failed with code %#00x: %s", so.Code, so.AdditionalData)
}

func saslXOAUTH2InitialResponse(username, bearer string) ([]byte, error) {
	if len(bearer) == 0 {
		return nil, errors.New("unacceptable bearer token")
	}
	for _, char := range bearer {
		if char < '\x20' || char > '\x7E' {
			return nil, errors.New("unacceptable bearer token")
		}
	}
	for _, char := range username {
		if char == '\x01' {
			return nil, errors.New("unacceptable username")
		}
	}
	return []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, bearer)), nil
}
