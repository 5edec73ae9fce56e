// Package encoding implements the AMQP 1.0 type system: primitive
// encodings, described (composite) types and the value types shared by
// performatives, delivery states and message sections.
package encoding

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// AMQPType is an encoding code, or the low byte of a numeric descriptor
// in the AMQP domain (0x00000000:0x000000XX).
type AMQPType uint8

// Type codes
const (
	TypeCodeNull AMQPType = 0x40

	// Bool
	TypeCodeBool      AMQPType = 0x56 // boolean with the octet 0x00 being false and octet 0x01 being true
	TypeCodeBoolTrue  AMQPType = 0x41
	TypeCodeBoolFalse AMQPType = 0x42

	// Unsigned
	TypeCodeUbyte      AMQPType = 0x50 // 8-bit unsigned integer (1)
	TypeCodeUshort     AMQPType = 0x60 // 16-bit unsigned integer in network byte order (2)
	TypeCodeUint       AMQPType = 0x70 // 32-bit unsigned integer in network byte order (4)
	TypeCodeSmallUint  AMQPType = 0x52 // unsigned integer value in the range 0 to 255 inclusive (1)
	TypeCodeUint0      AMQPType = 0x43 // the uint value 0 (0)
	TypeCodeUlong      AMQPType = 0x80 // 64-bit unsigned integer in network byte order (8)
	TypeCodeSmallUlong AMQPType = 0x53 // unsigned long value in the range 0 to 255 inclusive (1)
	TypeCodeUlong0     AMQPType = 0x44 // the ulong value 0 (0)

	// Signed
	TypeCodeByte      AMQPType = 0x51 // 8-bit two's-complement integer (1)
	TypeCodeShort     AMQPType = 0x61 // 16-bit two's-complement integer in network byte order (2)
	TypeCodeInt       AMQPType = 0x71 // 32-bit two's-complement integer in network byte order (4)
	TypeCodeSmallint  AMQPType = 0x54 // 8-bit two's-complement integer (1)
	TypeCodeLong      AMQPType = 0x81 // 64-bit two's-complement integer in network byte order (8)
	TypeCodeSmalllong AMQPType = 0x55 // 8-bit two's-complement integer

	// Decimal
	TypeCodeFloat      AMQPType = 0x72 // IEEE 754-2008 binary32 (4)
	TypeCodeDouble     AMQPType = 0x82 // IEEE 754-2008 binary64 (8)
	TypeCodeDecimal32  AMQPType = 0x74 // IEEE 754-2008 decimal32 using the Binary Integer Decimal encoding (4)
	TypeCodeDecimal64  AMQPType = 0x84 // IEEE 754-2008 decimal64 using the Binary Integer Decimal encoding (8)
	TypeCodeDecimal128 AMQPType = 0x94 // IEEE 754-2008 decimal128 using the Binary Integer Decimal encoding (16)

	// Other
	TypeCodeChar      AMQPType = 0x73 // a UTF-32BE encoded Unicode character (4)
	TypeCodeTimestamp AMQPType = 0x83 // 64-bit two's-complement integer representing milliseconds since the unix epoch
	TypeCodeUUID      AMQPType = 0x98 // UUID as defined in section 4.1.2 of RFC-4122

	// Variable Length
	TypeCodeVbin8  AMQPType = 0xa0 // up to 2^8 - 1 octets of binary data (1 + variable)
	TypeCodeVbin32 AMQPType = 0xb0 // up to 2^32 - 1 octets of binary data (4 + variable)
	TypeCodeStr8   AMQPType = 0xa1 // up to 2^8 - 1 octets worth of UTF-8 Unicode (with no byte order mark) (1 + variable)
	TypeCodeStr32  AMQPType = 0xb1 // up to 2^32 - 1 octets worth of UTF-8 Unicode (with no byte order mark) (4 +variable)
	TypeCodeSym8   AMQPType = 0xa3 // up to 2^8 - 1 seven bit ASCII characters representing a symbolic value (1 + variable)
	TypeCodeSym32  AMQPType = 0xb3 // up to 2^32 - 1 seven bit ASCII characters representing a symbolic value (4 + variable)

	// Compound
	TypeCodeList0   AMQPType = 0x45 // the empty list (i.e. the list with no elements) (0)
	TypeCodeList8   AMQPType = 0xc0 // up to 2^8 - 1 list elements with total size less than 2^8 octets (1 + compound)
	TypeCodeList32  AMQPType = 0xd0 // up to 2^32 - 1 list elements with total size less than 2^32 octets (4 + compound)
	TypeCodeMap8    AMQPType = 0xc1 // up to 2^8 - 1 octets of encoded map data (1 + compound)
	TypeCodeMap32   AMQPType = 0xd1 // up to 2^32 - 1 octets of encoded map data (4 + compound)
	TypeCodeArray8  AMQPType = 0xe0 // up to 2^8 - 1 array elements with total size less than 2^8 octets (1 + array)
	TypeCodeArray32 AMQPType = 0xf0 // up to 2^32 - 1 array elements with total size less than 2^32 octets (4 + array)

	// Composites
	TypeCodeOpen        AMQPType = 0x10
	TypeCodeBegin       AMQPType = 0x11
	TypeCodeAttach      AMQPType = 0x12
	TypeCodeFlow        AMQPType = 0x13
	TypeCodeTransfer    AMQPType = 0x14
	TypeCodeDisposition AMQPType = 0x15
	TypeCodeDetach      AMQPType = 0x16
	TypeCodeEnd         AMQPType = 0x17
	TypeCodeClose       AMQPType = 0x18

	TypeCodeSource AMQPType = 0x28
	TypeCodeTarget AMQPType = 0x29
	TypeCodeError  AMQPType = 0x1d

	TypeCodeMessageHeader         AMQPType = 0x70
	TypeCodeDeliveryAnnotations   AMQPType = 0x71
	TypeCodeMessageAnnotations    AMQPType = 0x72
	TypeCodeMessageProperties     AMQPType = 0x73
	TypeCodeApplicationProperties AMQPType = 0x74
	TypeCodeApplicationData       AMQPType = 0x75
	TypeCodeAMQPSequence          AMQPType = 0x76
	TypeCodeAMQPValue             AMQPType = 0x77
	TypeCodeFooter                AMQPType = 0x78

	TypeCodeStateReceived AMQPType = 0x23
	TypeCodeStateAccepted AMQPType = 0x24
	TypeCodeStateRejected AMQPType = 0x25
	TypeCodeStateReleased AMQPType = 0x26
	TypeCodeStateModified AMQPType = 0x27

	TypeCodeSASLMechanism AMQPType = 0x40
	TypeCodeSASLInit      AMQPType = 0x41
	TypeCodeSASLChallenge AMQPType = 0x42
	TypeCodeSASLResponse  AMQPType = 0x43
	TypeCodeSASLOutcome   AMQPType = 0x44

	TypeCodeDeleteOnClose             AMQPType = 0x2b
	TypeCodeDeleteOnNoLinks           AMQPType = 0x2c
	TypeCodeDeleteOnNoMessages        AMQPType = 0x2d
	TypeCodeDeleteOnNoLinksOrMessages AMQPType = 0x2e

	TypeCodeCoordinator        AMQPType = 0x30
	TypeCodeDeclare            AMQPType = 0x31
	TypeCodeDischarge          AMQPType = 0x32
	TypeCodeStateDeclared      AMQPType = 0x33
	TypeCodeTransactionalState AMQPType = 0x34
)

type describedKind uint8

const (
	kindList describedKind = iota
	kindMap
	kindBinary
	kindAny
)

type describedInfo struct {
	name      Symbol
	minFields int
	kind      describedKind
}

// described lists every described type this package knows with its
// symbolic descriptor and the number of leading mandatory fields.
var described = map[AMQPType]describedInfo{
	TypeCodeOpen:        {name: "amqp:open:list", minFields: 1},
	TypeCodeBegin:       {name: "amqp:begin:list", minFields: 4},
	TypeCodeAttach:      {name: "amqp:attach:list", minFields: 3},
	TypeCodeFlow:        {name: "amqp:flow:list", minFields: 4},
	TypeCodeTransfer:    {name: "amqp:transfer:list", minFields: 1},
	TypeCodeDisposition: {name: "amqp:disposition:list", minFields: 2},
	TypeCodeDetach:      {name: "amqp:detach:list", minFields: 1},
	TypeCodeEnd:         {name: "amqp:end:list"},
	TypeCodeClose:       {name: "amqp:close:list"},

	TypeCodeError:  {name: "amqp:error:list", minFields: 1},
	TypeCodeSource: {name: "amqp:source:list"},
	TypeCodeTarget: {name: "amqp:target:list"},

	TypeCodeStateReceived: {name: "amqp:received:list", minFields: 2},
	TypeCodeStateAccepted: {name: "amqp:accepted:list"},
	TypeCodeStateRejected: {name: "amqp:rejected:list"},
	TypeCodeStateReleased: {name: "amqp:released:list"},
	TypeCodeStateModified: {name: "amqp:modified:list"},

	TypeCodeDeleteOnClose:             {name: "amqp:delete-on-close:list"},
	TypeCodeDeleteOnNoLinks:           {name: "amqp:delete-on-no-links:list"},
	TypeCodeDeleteOnNoMessages:        {name: "amqp:delete-on-no-messages:list"},
	TypeCodeDeleteOnNoLinksOrMessages: {name: "amqp:delete-on-no-links-or-messages:list"},

	TypeCodeCoordinator:        {name: "amqp:coordinator:list"},
	TypeCodeDeclare:            {name: "amqp:declare:list"},
	TypeCodeDischarge:          {name: "amqp:discharge:list", minFields: 1},
	TypeCodeStateDeclared:      {name: "amqp:declared:list", minFields: 1},
	TypeCodeTransactionalState: {name: "amqp:transactional-state:list", minFields: 1},

	TypeCodeSASLMechanism: {name: "amqp:sasl-mechanisms:list", minFields: 1},
	TypeCodeSASLInit:      {name: "amqp:sasl-init:list", minFields: 1},
	TypeCodeSASLChallenge: {name: "amqp:sasl-challenge:list", minFields: 1},
	TypeCodeSASLResponse:  {name: "amqp:sasl-response:list", minFields: 1},
	TypeCodeSASLOutcome:   {name: "amqp:sasl-outcome:list", minFields: 1},

	TypeCodeMessageHeader:         {name: "amqp:header:list"},
	TypeCodeDeliveryAnnotations:   {name: "amqp:delivery-annotations:map", kind: kindMap},
	TypeCodeMessageAnnotations:    {name: "amqp:message-annotations:map", kind: kindMap},
	TypeCodeMessageProperties:     {name: "amqp:properties:list"},
	TypeCodeApplicationProperties: {name: "amqp:application-properties:map", kind: kindMap},
	TypeCodeApplicationData:       {name: "amqp:data:binary", kind: kindBinary},
	TypeCodeAMQPSequence:          {name: "amqp:amqp-sequence:list"},
	TypeCodeAMQPValue:             {name: "amqp:amqp-value:*", kind: kindAny},
	TypeCodeFooter:                {name: "amqp:footer:map", kind: kindMap},
}

// descriptorSymbols maps symbolic descriptors to their numeric form.
var descriptorSymbols = func() map[Symbol]AMQPType {
	m := make(map[Symbol]AMQPType, len(described))
	for code, info := range described {
		m[info.name] = code
	}
	return m
}()

// DescriptorName returns the symbolic descriptor of a known described type.
func DescriptorName(code AMQPType) (Symbol, bool) {
	info, ok := described[code]
	return info.name, ok
}

// MinFields returns the number of leading mandatory fields a described
// list type must carry on the wire.
func MinFields(code AMQPType) int {
	return described[code].minFields
}

// Symbol is an AMQP symbolic string.
type Symbol string

func (s Symbol) Marshal(wr *buffer.Buffer) error {
	return writeSymbol(wr, s)
}

// Milliseconds is a duration encoded as a uint count of milliseconds.
type Milliseconds time.Duration

func (m Milliseconds) Marshal(wr *buffer.Buffer) error {
	writeUint32(wr, uint32((time.Duration)(m)/time.Millisecond))
	return nil
}

func (m *Milliseconds) Unmarshal(r *buffer.Buffer) error {
	n, err := readUint(r)
	if err != nil {
		return err
	}
	if n > 0xffffffff {
		return decodeErrorf("milliseconds value %d overflows uint", n)
	}
	*m = Milliseconds(time.Duration(n) * time.Millisecond)
	return nil
}

// Char is a single unicode character, encoded as UTF-32BE.
type Char rune

// Decimal32 is an opaque IEEE 754-2008 decimal32 value.
type Decimal32 [4]byte

// Decimal64 is an opaque IEEE 754-2008 decimal64 value.
type Decimal64 [8]byte

// Decimal128 is an opaque IEEE 754-2008 decimal128 value.
type Decimal128 [16]byte

// ArrayUByte is an array of ubyte. A plain []byte encodes as binary.
type ArrayUByte []uint8

// UUID is a 128 bit identifier as defined in RFC 4122.
type UUID [16]byte

// String returns the hex encoded representation described in RFC 4122, Section 3.
func (u UUID) String() string {
	var buf [36]byte
	hex.Encode(buf[:8], u[:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return string(buf[:])
}

func (u UUID) Marshal(wr *buffer.Buffer) error {
	wr.AppendByte(byte(TypeCodeUUID))
	wr.Append(u[:])
	return nil
}

func (u *UUID) Unmarshal(r *buffer.Buffer) error {
	un, err := readUUID(r)
	*u = un
	return err
}

// Role is the role of a link endpoint.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (rl Role) String() string {
	if rl {
		return "Receiver"
	}
	return "Sender"
}

func (rl *Role) Unmarshal(r *buffer.Buffer) error {
	b, err := readBool(r)
	*rl = Role(b)
	return err
}

func (rl Role) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, (bool)(rl))
}

// SenderSettleMode specifies how the sender will settle messages.
type SenderSettleMode uint8

const (
	// ModeUnsettled specifies the sender will send all deliveries
	// initially unsettled to the receiver.
	ModeUnsettled SenderSettleMode = 0

	// ModeSettled specifies the sender will send all deliveries
	// settled to the receiver.
	ModeSettled SenderSettleMode = 1

	// ModeMixed specifies the sender MAY send a mixture of settled
	// and unsettled deliveries to the receiver.
	ModeMixed SenderSettleMode = 2
)

func (m *SenderSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}

	switch *m {
	case ModeUnsettled:
		return "unsettled"

	case ModeSettled:
		return "settled"

	case ModeMixed:
		return "mixed"

	default:
		return fmt.Sprintf("unknown sender mode %d", uint8(*m))
	}
}

func (m SenderSettleMode) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint8(m))
}

func (m *SenderSettleMode) Unmarshal(r *buffer.Buffer) error {
	n, err := readUbyte(r)
	*m = SenderSettleMode(n)
	return err
}

// ReceiverSettleMode specifies how the receiver will settle messages.
type ReceiverSettleMode uint8

const (
	// ModeFirst specifies the receiver will spontaneously
	// settle all incoming transfers.
	ModeFirst ReceiverSettleMode = 0

	// ModeSecond specifies the receiver will only settle
	// after sending the disposition to the sender and receiving a
	// disposition indicating settlement of the delivery from the sender.
	ModeSecond ReceiverSettleMode = 1
)

func (m *ReceiverSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}

	switch *m {
	case ModeFirst:
		return "first"

	case ModeSecond:
		return "second"

	default:
		return fmt.Sprintf("unknown receiver mode %d", uint8(*m))
	}
}

func (m ReceiverSettleMode) Marshal(wr *buffer.Buffer) error {
	return Marshal(wr, uint8(m))
}

func (m *ReceiverSettleMode) Unmarshal(r *buffer.Buffer) error {
	n, err := readUbyte(r)
	*m = ReceiverSettleMode(n)
	return err
}

// Annotations keys must be of type string, int, or int64.
//
// String keys are encoded as AMQP Symbols.
type Annotations map[interface{}]interface{}

func (a Annotations) Marshal(wr *buffer.Buffer) error {
	return writeMap(wr, a)
}

func (a *Annotations) Unmarshal(r *buffer.Buffer) error {
	h, err := readMapHeader(r)
	if err != nil {
		return err
	}

	m := make(Annotations, h.count/2)
	for i := uint32(0); i < h.count; i += 2 {
		key, err := ReadAny(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		if err := checkKey(key); err != nil {
			return err
		}
		m[key] = value
	}
	*a = m
	return h.finish(r)
}

// Unsettled is the map of delivery-tag to delivery state carried by
// Attach when resuming a link.
type Unsettled map[string]DeliveryState

func (u Unsettled) Marshal(wr *buffer.Buffer) error {
	return writeMap(wr, u)
}

func (u *Unsettled) Unmarshal(r *buffer.Buffer) error {
	h, err := readMapHeader(r)
	if err != nil {
		return err
	}

	m := make(Unsettled, h.count/2)
	for i := uint32(0); i < h.count; i += 2 {
		tag, err := readBinary(r)
		if err != nil {
			return err
		}
		var state DeliveryState
		err = Unmarshal(r, &state)
		if err != nil {
			return err
		}
		m[string(tag)] = state
	}
	*u = m
	return h.finish(r)
}

// DescribedType is a value with a descriptor this package does not
// model as a Go type (filters, vendor extensions).
type DescribedType struct {
	Descriptor interface{}
	Value      interface{}
}

func (t DescribedType) Marshal(wr *buffer.Buffer) error {
	wr.AppendByte(0x0) // descriptor constructor
	err := Marshal(wr, t.Descriptor)
	if err != nil {
		return err
	}
	return Marshal(wr, t.Value)
}

func (t *DescribedType) Unmarshal(r *buffer.Buffer) error {
	b, err := r.ReadByte()
	if err != nil {
		return errTruncated
	}

	if b != 0x0 {
		return decodeErrorf("invalid described type header %02x", b)
	}

	t.Descriptor, err = ReadAny(r)
	if err != nil {
		return err
	}
	switch t.Descriptor.(type) {
	case uint64, Symbol:
	default:
		return decodeErrorf("invalid descriptor of type %T", t.Descriptor)
	}
	t.Value, err = ReadAny(r)
	return err
}

func (t DescribedType) String() string {
	return fmt.Sprintf("DescribedType{descriptor: %v, value: %v}",
		t.Descriptor,
		t.Value,
	)
}
