package encoding

import (
	"time"

	"github.com/pkg/errors"

	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// MessageFormat is the message-format of messages made of the standard
// sections.
const MessageFormat uint32 = 0

// Message is an AMQP message as a sequence of standard sections. Nil
// sections are not encoded.
//
// The body is either one or more Data sections, one or more Sequence
// sections or a single Value.
type Message struct {
	Header *MessageHeader

	// DeliveryAnnotations are meant for the next hop only.
	DeliveryAnnotations Annotations

	// Annotations are the message-annotations, propagated by
	// intermediaries.
	Annotations Annotations

	// Properties and ApplicationProperties belong to the bare message
	// and are never altered in transit.
	Properties            *MessageProperties
	ApplicationProperties map[string]interface{} // simple values only

	Data     [][]byte
	Sequence [][]interface{}
	Value    interface{}

	// Footer holds details computed over the bare message, such as
	// hashes or signatures.
	Footer Annotations
}

// NewMessage returns a message with a single data section.
func NewMessage(data []byte) *Message {
	return &Message{
		Data: [][]byte{data},
	}
}

// GetData returns the first data section, or nil.
func (m *Message) GetData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	return m.Data[0]
}

func writeSection(wr *buffer.Buffer, code AMQPType, v interface{}) error {
	WriteDescriptor(wr, code)
	return Marshal(wr, v)
}

// Marshal writes the sections of m in the standard order.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.Marshal(wr); err != nil {
			return err
		}
	}
	if m.DeliveryAnnotations != nil {
		if err := writeSection(wr, TypeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if m.Annotations != nil {
		if err := writeSection(wr, TypeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.Marshal(wr); err != nil {
			return err
		}
	}
	if m.ApplicationProperties != nil {
		if err := writeSection(wr, TypeCodeApplicationProperties, m.ApplicationProperties); err != nil {
			return err
		}
	}

	for _, data := range m.Data {
		WriteDescriptor(wr, TypeCodeApplicationData)
		if err := writeBinary(wr, data); err != nil {
			return err
		}
	}
	for _, seq := range m.Sequence {
		WriteDescriptor(wr, TypeCodeAMQPSequence)
		if err := writeList(wr, seq); err != nil {
			return err
		}
	}
	if m.Value != nil {
		if err := writeSection(wr, TypeCodeAMQPValue, m.Value); err != nil {
			return err
		}
	}

	if m.Footer != nil {
		return writeSection(wr, TypeCodeFooter, m.Footer)
	}
	return nil
}

// Unmarshal reads sections until r is exhausted. Data and Sequence
// sections accumulate; any other repeated section replaces the earlier
// one.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		code, err := PeekDescriptor(r.Bytes())
		if err != nil {
			return err
		}

		// header and properties decode their own descriptor
		switch code {
		case TypeCodeMessageHeader:
			if err := Unmarshal(r, &m.Header); err != nil {
				return errors.Wrap(err, "reading header section")
			}
			continue
		case TypeCodeMessageProperties:
			if err := Unmarshal(r, &m.Properties); err != nil {
				return errors.Wrap(err, "reading properties section")
			}
			continue
		}

		r.Skip(1)
		if _, err := readDescriptor(r); err != nil {
			return err
		}

		switch code {
		case TypeCodeDeliveryAnnotations:
			err = Unmarshal(r, &m.DeliveryAnnotations)
		case TypeCodeMessageAnnotations:
			err = Unmarshal(r, &m.Annotations)
		case TypeCodeApplicationProperties:
			err = Unmarshal(r, &m.ApplicationProperties)
		case TypeCodeApplicationData:
			var data []byte
			if data, err = readBinary(r); err == nil {
				m.Data = append(m.Data, data)
			}
		case TypeCodeAMQPSequence:
			var seq []interface{}
			if err = Unmarshal(r, &seq); err == nil {
				m.Sequence = append(m.Sequence, seq)
			}
		case TypeCodeAMQPValue:
			err = Unmarshal(r, &m.Value)
		case TypeCodeFooter:
			err = Unmarshal(r, &m.Footer)
		default:
			return decodeErrorf("unknown message section %#02x", uint8(code))
		}
		if err != nil {
			return errors.Wrapf(err, "reading section %#02x", uint8(code))
		}
	}
	return nil
}

/*
<type name="header" class="composite" source="list" provides="section">
    <descriptor name="amqp:header:list" code="0x00000000:0x00000070"/>
    <field name="durable" type="boolean" default="false"/>
    <field name="priority" type="ubyte" default="4"/>
    <field name="ttl" type="milliseconds"/>
    <field name="first-acquirer" type="boolean" default="false"/>
    <field name="delivery-count" type="uint" default="0"/>
</type>
*/

// MessageHeader carries standard delivery details about the transfer
// of a message.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeMessageHeader, []MarshalField{
		{Value: &h.Durable, Omit: !h.Durable},
		{Value: &h.Priority, Omit: h.Priority == 4},
		{Value: Milliseconds(h.TTL), Omit: h.TTL == 0},
		{Value: &h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: &h.DeliveryCount, Omit: h.DeliveryCount == 0},
	}...)
}

func (h *MessageHeader) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeMessageHeader, []UnmarshalField{
		{Field: &h.Durable},
		{Field: &h.Priority, HandleNull: func() error { h.Priority = 4; return nil }},
		{Field: (*Milliseconds)(&h.TTL)},
		{Field: &h.FirstAcquirer},
		{Field: &h.DeliveryCount},
	}...)
}

/*
<type name="properties" class="composite" source="list" provides="section">
    <descriptor name="amqp:properties:list" code="0x00000000:0x00000073"/>
    <field name="message-id" type="*" requires="message-id"/>
    <field name="user-id" type="binary"/>
    <field name="to" type="*" requires="address"/>
    <field name="subject" type="string"/>
    <field name="reply-to" type="*" requires="address"/>
    <field name="correlation-id" type="*" requires="message-id"/>
    <field name="content-type" type="symbol"/>
    <field name="content-encoding" type="symbol"/>
    <field name="absolute-expiry-time" type="timestamp"/>
    <field name="creation-time" type="timestamp"/>
    <field name="group-id" type="string"/>
    <field name="group-sequence" type="sequence-no"/>
    <field name="reply-to-group-id" type="string"/>
</type>
*/

// MessageProperties is the defined set of properties for AMQP messages.
type MessageProperties struct {
	MessageID          interface{} // uint64, UUID, []byte, or string
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{} // uint64, UUID, []byte, or string
	ContentType        Symbol
	ContentEncoding    Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32 // RFC-1982 sequence number
	ReplyToGroupID     string
}

func (p *MessageProperties) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeMessageProperties, []MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: &p.UserID, Omit: len(p.UserID) == 0},
		{Value: &p.To, Omit: p.To == ""},
		{Value: &p.Subject, Omit: p.Subject == ""},
		{Value: &p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: &p.ContentType, Omit: p.ContentType == ""},
		{Value: &p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: &p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: &p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: &p.GroupID, Omit: p.GroupID == ""},
		{Value: &p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: &p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	}...)
}

func (p *MessageProperties) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeMessageProperties, []UnmarshalField{
		{Field: &p.MessageID},
		{Field: &p.UserID},
		{Field: &p.To},
		{Field: &p.Subject},
		{Field: &p.ReplyTo},
		{Field: &p.CorrelationID},
		{Field: &p.ContentType},
		{Field: &p.ContentEncoding},
		{Field: &p.AbsoluteExpiryTime},
		{Field: &p.CreationTime},
		{Field: &p.GroupID},
		{Field: &p.GroupSequence},
		{Field: &p.ReplyToGroupID},
	}...)
}
