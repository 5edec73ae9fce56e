// Package frames implements the AMQP 1.0 frame layer: the protocol
// header, the frame envelope and the performative bodies carried in it.
package frames

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// Frame types
const (
	TypeAMQP uint8 = 0x0
	TypeSASL uint8 = 0x1
)

const (
	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 8

	// MinMaxFrameSize is the smallest max-frame-size a peer may
	// advertise. It also bounds frames sent before Open is received.
	MinMaxFrameSize = 512
)

// ProtoID identifies the protocol layer announced by a protocol header.
type ProtoID uint8

// Protocol layers
const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

func (p ProtoID) String() string {
	switch p {
	case ProtoAMQP:
		return "AMQP"
	case ProtoTLS:
		return "TLS"
	case ProtoSASL:
		return "SASL"
	default:
		return fmt.Sprintf("ProtoID(%d)", uint8(p))
	}
}

// ProtoHeader is the eight byte header exchanged before any frame of a
// protocol layer.
type ProtoHeader struct {
	ProtoID  ProtoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// NewProtoHeader returns the 1.0.0 header for id.
func NewProtoHeader(id ProtoID) ProtoHeader {
	return ProtoHeader{ProtoID: id, Major: 1}
}

// Append writes the header to wr.
func (h ProtoHeader) Append(wr *buffer.Buffer) {
	wr.AppendString("AMQP")
	wr.Append([]byte{byte(h.ProtoID), h.Major, h.Minor, h.Revision})
}

func (h ProtoHeader) String() string {
	return fmt.Sprintf("AMQP %s %d.%d.%d", h.ProtoID, h.Major, h.Minor, h.Revision)
}

// ReadProtoHeader consumes a protocol header from r. ok is false, and
// nothing is consumed, when fewer than eight bytes are buffered.
func ReadProtoHeader(r *buffer.Buffer) (h ProtoHeader, ok bool, err error) {
	buf := r.Bytes()
	if len(buf) < HeaderSize {
		return h, false, nil
	}

	if string(buf[:4]) != "AMQP" {
		return h, false, errors.Errorf("unexpected protocol %q", buf[:4])
	}

	h = ProtoHeader{
		ProtoID:  ProtoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}
	if h.Major != 1 || h.Minor != 0 || h.Revision != 0 {
		return h, false, errors.Errorf("unexpected protocol version %d.%d.%d", h.Major, h.Minor, h.Revision)
	}
	r.Skip(HeaderSize)
	return h, true, nil
}

// Header is the fixed frame header.
//
//	header (8 bytes)
//	  0-3: SIZE (total size, at least 8 bytes for header, uint32)
//	  4:   DOFF (data offset, at least 2, count of 4 bytes words, uint8)
//	  5:   TYPE (frame type)
//	           0x0: AMQP
//	           0x1: SASL
//	  6-7: type dependent (channel for AMQP)
//	extended header (opt)
//	body (opt)
type Header struct {
	// size: an unsigned 32-bit integer that MUST contain the total frame size of the frame header,
	// extended header, and frame body. The frame is malformed if the size is less than the size of
	// the frame header (8 bytes).
	Size uint32
	// doff: gives the position of the body within the frame. The value of the data offset is an
	// unsigned, 8-bit integer specifying a count of 4-byte words. Due to the mandatory 8-byte
	// frame header, the frame is malformed if the value is less than 2.
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

// ParseHeader decodes a frame header from the first eight bytes of buf
// and checks it is well formed.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("invalid frameHeader")
	}

	fh := Header{
		Size:       binary.BigEndian.Uint32(buf[0:4]),
		DataOffset: buf[4],
		FrameType:  buf[5],
		Channel:    binary.BigEndian.Uint16(buf[6:8]),
	}

	if fh.Size < HeaderSize {
		return fh, errors.Errorf("received frame header with invalid size %d", fh.Size)
	}
	if fh.DataOffset < 2 {
		return fh, errors.Errorf("received frame header with invalid data offset %d", fh.DataOffset)
	}
	if uint32(fh.DataOffset)*4 > fh.Size {
		return fh, errors.Errorf("data offset %d exceeds frame size %d", fh.DataOffset, fh.Size)
	}
	return fh, nil
}

// Frame is the decoded representation of a frame.
type Frame struct {
	Type    uint8  // AMQP/SASL
	Channel uint16 // channel this frame is for
	Body    Body   // nil for an empty (heartbeat) frame
}

func (f Frame) String() string {
	if f.Body == nil {
		return fmt.Sprintf("Frame{Type: %d, Channel: %d, Body: <heartbeat>}", f.Type, f.Channel)
	}
	return fmt.Sprintf("Frame{Type: %d, Channel: %d, Body: %s}", f.Type, f.Channel, f.Body)
}

// ReadFrame consumes one complete frame from r.
//
// ok is false, and nothing is consumed, when the frame is not yet fully
// buffered. Frames larger than maxFrameSize are rejected as soon as their
// header is available.
func ReadFrame(r *buffer.Buffer, maxFrameSize uint32) (fr Frame, ok bool, err error) {
	buf := r.Bytes()
	if len(buf) < HeaderSize {
		return fr, false, nil
	}

	fh, err := ParseHeader(buf)
	if err != nil {
		return fr, false, err
	}
	if fh.Size > maxFrameSize {
		return fr, false, errors.Errorf("frame size of %d larger than max allowed %d", fh.Size, maxFrameSize)
	}
	if uint64(len(buf)) < uint64(fh.Size) {
		return fr, false, nil
	}

	frameBytes, _ := r.Next(int64(fh.Size))
	fr = Frame{Type: fh.FrameType, Channel: fh.Channel}

	// skip the extended header
	body := frameBytes[int(fh.DataOffset)*4:]
	if len(body) == 0 {
		return fr, true, nil
	}

	fr.Body, err = ParseBody(buffer.New(body), fh.FrameType)
	if err != nil {
		return fr, false, errors.Wrapf(err, "decoding frame on channel %d", fh.Channel)
	}
	return fr, true, nil
}

// WriteFrame appends fr to wr. The header is reserved first and
// backpatched once the body size is known.
func WriteFrame(wr *buffer.Buffer, fr Frame) error {
	start := wr.Size()

	// size is written once the body is encoded
	wr.Append([]byte{
		0, 0, 0, 0,
		2, // doff, no extended header
		fr.Type,
	})
	wr.AppendUint16(fr.Channel)

	if fr.Body != nil {
		if err := fr.Body.Marshal(wr); err != nil {
			return err
		}
	}

	size := wr.Size() - start
	if uint64(size) > 0xffffffff {
		return errors.New("frame too large")
	}
	wr.PutUint32At(start, uint32(size))
	return nil
}

// ParseBody decodes a performative of the given frame type from r.
// For transfers the bytes after the performative are the payload.
func ParseBody(r *buffer.Buffer, frameType uint8) (Body, error) {
	typ, err := encoding.PeekDescriptor(r.Bytes())
	if err != nil {
		return nil, err
	}

	var b Body
	if frameType == TypeSASL {
		switch typ {
		case encoding.TypeCodeSASLMechanism:
			b = new(SASLMechanisms)
		case encoding.TypeCodeSASLInit:
			b = new(SASLInit)
		case encoding.TypeCodeSASLChallenge:
			b = new(SASLChallenge)
		case encoding.TypeCodeSASLResponse:
			b = new(SASLResponse)
		case encoding.TypeCodeSASLOutcome:
			b = new(SASLOutcome)
		default:
			return nil, errors.Errorf("unknown SASL frame body %#02x", uint8(typ))
		}
	} else {
		switch typ {
		case encoding.TypeCodeOpen:
			b = new(Open)
		case encoding.TypeCodeBegin:
			b = new(Begin)
		case encoding.TypeCodeAttach:
			b = new(Attach)
		case encoding.TypeCodeFlow:
			b = new(Flow)
		case encoding.TypeCodeTransfer:
			b = new(Transfer)
		case encoding.TypeCodeDisposition:
			b = new(Disposition)
		case encoding.TypeCodeDetach:
			b = new(Detach)
		case encoding.TypeCodeEnd:
			b = new(End)
		case encoding.TypeCodeClose:
			b = new(Close)
		default:
			return nil, errors.Errorf("unknown performative type %#02x", uint8(typ))
		}
	}

	if err := b.Unmarshal(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes after %T", r.Len(), b)
	}
	return b, nil
}

// Body is implemented by every performative that can be carried in a
// frame.
type Body interface {
	Marshal(wr *buffer.Buffer) error
	Unmarshal(r *buffer.Buffer) error
	String() string
	frameBody()
}
