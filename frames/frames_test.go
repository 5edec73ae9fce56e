package frames

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

func uint32Ptr(n uint32) *uint32 {
	return &n
}

func uint16Ptr(n uint16) *uint16 {
	return &n
}

func sndSettle(m encoding.SenderSettleMode) *encoding.SenderSettleMode {
	return &m
}

func rcvSettle(m encoding.ReceiverSettleMode) *encoding.ReceiverSettleMode {
	return &m
}

var exampleFrames = []struct {
	label string
	frame Frame
}{
	{
		label: "open",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Open{
				ContainerID:         "foo",
				Hostname:            "bar.host",
				MaxFrameSize:        4200,
				ChannelMax:          13,
				IdleTimeout:         7 * time.Second,
				OutgoingLocales:     []encoding.Symbol{"fooLocale"},
				IncomingLocales:     []encoding.Symbol{"barLocale"},
				OfferedCapabilities: []encoding.Symbol{"fooCap"},
				DesiredCapabilities: []encoding.Symbol{"barCap"},
				Properties: map[encoding.Symbol]interface{}{
					"fooProp": int32(45),
				},
			},
		},
	},
	{
		label: "begin",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 4,
			Body: &Begin{
				RemoteChannel:       uint16Ptr(4321),
				NextOutgoingID:      730000,
				IncomingWindow:      9876654,
				OutgoingWindow:      123555,
				HandleMax:           9757,
				OfferedCapabilities: []encoding.Symbol{"fooCap"},
				DesiredCapabilities: []encoding.Symbol{"barCap"},
				Properties: map[encoding.Symbol]interface{}{
					"fooProp": int32(45),
				},
			},
		},
	},
	{
		label: "attach",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 1,
			Body: &Attach{
				Name:               "fooName",
				Handle:             435982,
				Role:               encoding.RoleSender,
				SenderSettleMode:   sndSettle(encoding.ModeMixed),
				ReceiverSettleMode: rcvSettle(encoding.ModeSecond),
				Source: &encoding.Source{
					Address:      "fooAddr",
					Durable:      encoding.DurabilityUnsettled,
					ExpiryPolicy: encoding.ExpiryLinkDetach,
					Timeout:      635,
					Dynamic:      true,
					DynamicNodeProperties: map[encoding.Symbol]interface{}{
						"lifetime-policy": encoding.DeleteOnClose,
					},
					DistributionMode: "some-mode",
					Filter: encoding.Filter{
						"foo:filter": encoding.NewSelectorFilter("color = 'blue'"),
					},
					Outcomes:     []encoding.Symbol{"amqp:accepted:list"},
					Capabilities: []encoding.Symbol{"barCap"},
				},
				Target: &encoding.Target{
					Address:      "fooAddr",
					Durable:      encoding.DurabilityUnsettled,
					ExpiryPolicy: encoding.ExpiryLinkDetach,
					Timeout:      635,
					Capabilities: []encoding.Symbol{"barCap"},
				},
				Unsettled: encoding.Unsettled{
					"fooDeliveryTag": &encoding.StateAccepted{},
				},
				IncompleteUnsettled:  true,
				InitialDeliveryCount: 3184,
				MaxMessageSize:       75983,
				OfferedCapabilities:  []encoding.Symbol{"fooCap"},
				DesiredCapabilities:  []encoding.Symbol{"barCap"},
				Properties: map[encoding.Symbol]interface{}{
					"fooProp": int32(45),
				},
			},
		},
	},
	{
		label: "attach coordinator",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Attach{
				Name:   "txn",
				Handle: 7,
				Role:   encoding.RoleSender,
				Source: &encoding.Source{
					Outcomes:     []encoding.Symbol{"amqp:accepted:list", "amqp:rejected:list"},
					ExpiryPolicy: encoding.ExpirySessionEnd,
				},
				Coordinator: &encoding.Coordinator{
					Capabilities: []encoding.Symbol{encoding.TxnLocalTransactions},
				},
			},
		},
	},
	{
		label: "flow",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 2,
			Body: &Flow{
				NextIncomingID: uint32Ptr(354),
				IncomingWindow: 4352,
				NextOutgoingID: 85324,
				OutgoingWindow: 24378634,
				Handle:         uint32Ptr(341543),
				DeliveryCount:  uint32Ptr(31241),
				LinkCredit:     uint32Ptr(7325),
				Available:      uint32Ptr(878321),
				Drain:          true,
				Echo:           true,
				Properties: map[encoding.Symbol]interface{}{
					"fooProp": int32(45),
				},
			},
		},
	},
	{
		label: "transfer",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 10,
			Body: &Transfer{
				Handle:             34983,
				DeliveryID:         uint32Ptr(564),
				DeliveryTag:        []byte("foo tag"),
				MessageFormat:      uint32Ptr(34),
				Settled:            true,
				More:               true,
				ReceiverSettleMode: rcvSettle(encoding.ModeSecond),
				State:              &encoding.StateReceived{SectionNumber: 1, SectionOffset: 2},
				Resume:             true,
				Aborted:            true,
				Batchable:          true,
				Payload:            []byte("very important payload"),
			},
		},
	},
	{
		label: "disposition",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Disposition{
				Role:      encoding.RoleReceiver,
				First:     5644444,
				Last:      uint32Ptr(423),
				Settled:   true,
				State:     &encoding.StateReleased{},
				Batchable: true,
			},
		},
	},
	{
		label: "transactional disposition",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Disposition{
				Role:  encoding.RoleReceiver,
				First: 1,
				State: &encoding.TransactionalState{
					TxnID:   []byte("txn-1"),
					Outcome: &encoding.StateAccepted{},
				},
			},
		},
	},
	{
		label: "detach",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Detach{
				Handle: 4352,
				Closed: true,
				Error: &encoding.Error{
					Condition:   encoding.ErrorNotAllowed,
					Description: "foo description",
					Info: map[encoding.Symbol]interface{}{
						"other": "info",
						"and":   uint16(875),
					},
				},
			},
		},
	},
	{
		label: "end",
		frame: Frame{
			Type: TypeAMQP,
			Body: &End{
				Error: &encoding.Error{
					Condition:   encoding.ErrorNotAllowed,
					Description: "foo description",
				},
			},
		},
	},
	{
		label: "close",
		frame: Frame{
			Type: TypeAMQP,
			Body: &Close{
				Error: &encoding.Error{
					Condition:   encoding.ErrorNotAllowed,
					Description: "foo description",
				},
			},
		},
	},
	{
		label: "sasl mechanisms",
		frame: Frame{
			Type: TypeSASL,
			Body: &SASLMechanisms{
				Mechanisms: []encoding.Symbol{SASLMechanismPLAIN, SASLMechanismANONYMOUS},
			},
		},
	},
	{
		label: "sasl init",
		frame: Frame{
			Type: TypeSASL,
			Body: &SASLInit{
				Mechanism:       SASLMechanismPLAIN,
				InitialResponse: []byte("\x00user\x00pass"),
				Hostname:        "localhost",
			},
		},
	},
	{
		label: "sasl challenge",
		frame: Frame{
			Type: TypeSASL,
			Body: &SASLChallenge{Challenge: []byte("challenge")},
		},
	},
	{
		label: "sasl response",
		frame: Frame{
			Type: TypeSASL,
			Body: &SASLResponse{Response: []byte("response")},
		},
	},
	{
		label: "sasl outcome",
		frame: Frame{
			Type: TypeSASL,
			Body: &SASLOutcome{
				Code:           CodeSASLAuth,
				AdditionalData: []byte("some info"),
			},
		},
	},
}

func TestFrameMarshalUnmarshal(t *testing.T) {
	for _, tt := range exampleFrames {
		t.Run(tt.label, func(t *testing.T) {
			var buf buffer.Buffer

			err := WriteFrame(&buf, tt.frame)
			if err != nil {
				t.Fatal(fmt.Sprintf("%+v", err))
			}

			header, err := ParseHeader(buf.Bytes())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if int(header.Size) != buf.Len() {
				t.Errorf("header size %d, frame is %d bytes", header.Size, buf.Len())
			}

			want := tt.frame
			got, ok, err := ReadFrame(&buf, 1<<20)
			if err != nil || !ok {
				t.Fatalf("ReadFrame: ok=%t err=%+v", ok, err)
			}
			if got.Channel != want.Channel {
				t.Errorf("Expected channel to be %d, but it is %d", want.Channel, got.Channel)
			}
			if got.Type != want.Type {
				t.Errorf("Expected frame type to be %d, but it is %d", want.Type, got.Type)
			}
			if !cmp.Equal(want.Body, got.Body) {
				t.Errorf("Roundtrip produced different results:\n %s", cmp.Diff(want.Body, got.Body))
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left after frame", buf.Len())
			}
		})
	}
}

func BenchmarkFrameMarshal(b *testing.B) {
	for _, tt := range exampleFrames {
		b.Run(tt.label, func(b *testing.B) {
			b.ReportAllocs()
			var buf buffer.Buffer

			for i := 0; i < b.N; i++ {
				err := WriteFrame(&buf, tt.frame)
				if err != nil {
					b.Error(fmt.Sprintf("%+v", err))
				}
				buf.Reset()
			}
		})
	}
}

func BenchmarkFrameUnmarshal(b *testing.B) {
	for _, tt := range exampleFrames {
		b.Run(tt.label, func(b *testing.B) {
			var buf buffer.Buffer
			err := WriteFrame(&buf, tt.frame)
			if err != nil {
				b.Error(fmt.Sprintf("%+v", err))
			}
			data := buf.Detach()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				_, _, err := ReadFrame(buffer.New(data), 1<<20)
				if err != nil {
					b.Error(fmt.Sprintf("%+v", err))
				}
			}
		})
	}
}

func TestOpenDefaults(t *testing.T) {
	var buf buffer.Buffer
	if err := (&Open{ContainerID: "test"}).Marshal(&buf); err != nil {
		t.Fatal(err)
	}

	// descriptor, list8 with a single element
	if !bytes.HasPrefix(buf.Bytes(), []byte{0x00, 0x53, 0x10, 0xc0, 0x07, 0x01, 0xa1, 0x04}) {
		t.Errorf("unexpected encoding % x", buf.Bytes())
	}

	var o Open
	if err := o.Unmarshal(&buf); err != nil {
		t.Fatalf("%+v", err)
	}
	want := Open{
		ContainerID:  "test",
		MaxFrameSize: 4294967295,
		ChannelMax:   65535,
	}
	if !cmp.Equal(want, o) {
		t.Errorf("unexpected open:\n %s", cmp.Diff(want, o))
	}
}

func TestAttachDefaults(t *testing.T) {
	var buf buffer.Buffer
	a := &Attach{Name: "l", Handle: 0, Role: encoding.RoleReceiver, InitialDeliveryCount: 99}
	if err := a.Marshal(&buf); err != nil {
		t.Fatal(err)
	}

	var got Attach
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatalf("%+v", err)
	}
	if got.InitialDeliveryCount != 0 {
		t.Errorf("receiver attach carried initial-delivery-count %d", got.InitialDeliveryCount)
	}
	if got.SenderSettleMode != nil || got.ReceiverSettleMode != nil {
		t.Errorf("settle modes should be unset, got %v %v", got.SenderSettleMode, got.ReceiverSettleMode)
	}
}

func TestReadFrameNeedsMore(t *testing.T) {
	var whole buffer.Buffer
	err := WriteFrame(&whole, Frame{Type: TypeAMQP, Body: &Open{ContainerID: "partial"}})
	if err != nil {
		t.Fatal(err)
	}
	data := whole.Detach()

	for n := 0; n < len(data); n++ {
		r := buffer.New(data[:n])
		_, ok, err := ReadFrame(r, 512)
		if err != nil {
			t.Fatalf("prefix %d: %+v", n, err)
		}
		if ok {
			t.Fatalf("prefix %d: frame decoded early", n)
		}
		if r.Len() != n {
			t.Fatalf("prefix %d: %d bytes consumed", n, n-r.Len())
		}
	}

	fr, ok, err := ReadFrame(buffer.New(data), 512)
	if err != nil || !ok {
		t.Fatalf("ok=%t err=%+v", ok, err)
	}
	if open, _ := fr.Body.(*Open); open == nil || open.ContainerID != "partial" {
		t.Errorf("unexpected body %v", fr.Body)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		label   string
		data    []byte
		max     uint32
		message string
	}{
		{
			label:   "too large",
			data:    []byte{0x00, 0x00, 0x02, 0x01, 0x02, 0x00, 0x00, 0x00},
			max:     512,
			message: "frame size of 513 larger than max allowed 512",
		},
		{
			label:   "size below header",
			data:    []byte{0x00, 0x00, 0x00, 0x07, 0x02, 0x00, 0x00, 0x00},
			max:     512,
			message: "invalid size",
		},
		{
			label:   "data offset below two",
			data:    []byte{0x00, 0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00},
			max:     512,
			message: "invalid data offset",
		},
		{
			label:   "data offset past frame",
			data:    []byte{0x00, 0x00, 0x00, 0x08, 0x03, 0x00, 0x00, 0x00},
			max:     512,
			message: "exceeds frame size",
		},
		{
			label:   "unknown performative",
			data:    []byte{0x00, 0x00, 0x00, 0x0c, 0x02, 0x00, 0x00, 0x00, 0x00, 0x53, 0x30, 0x45},
			max:     512,
			message: "unknown performative",
		},
		{
			label:   "amqp body on sasl frame",
			data:    []byte{0x00, 0x00, 0x00, 0x0c, 0x02, 0x01, 0x00, 0x00, 0x00, 0x53, 0x10, 0x45},
			max:     512,
			message: "unknown SASL frame body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, ok, err := ReadFrame(buffer.New(tt.data), tt.max)
			if ok || err == nil {
				t.Fatalf("ok=%t err=%v", ok, err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q does not contain %q", err, tt.message)
			}
		})
	}
}

func TestReadFrameHeartbeatAndExtendedHeader(t *testing.T) {
	var buf buffer.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypeAMQP}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 0, 0, 8, 2, 0, 0, 0}) {
		t.Errorf("heartbeat encoded as % x", buf.Bytes())
	}

	// doff 3 skips four bytes of extended header before an end
	buf.Append([]byte{0x00, 0x00, 0x00, 0x10, 0x03, 0x00, 0x00, 0x05})
	buf.Append([]byte{0xde, 0xad, 0xbe, 0xef})
	buf.Append([]byte{0x00, 0x53, 0x17, 0x45})

	fr, ok, err := ReadFrame(&buf, 512)
	if err != nil || !ok {
		t.Fatalf("ok=%t err=%+v", ok, err)
	}
	if fr.Body != nil {
		t.Errorf("heartbeat decoded as %v", fr.Body)
	}

	fr, ok, err = ReadFrame(&buf, 512)
	if err != nil || !ok {
		t.Fatalf("ok=%t err=%+v", ok, err)
	}
	if _, isEnd := fr.Body.(*End); !isEnd || fr.Channel != 5 {
		t.Errorf("unexpected frame %v", fr)
	}
}

func TestProtoHeader(t *testing.T) {
	var buf buffer.Buffer
	NewProtoHeader(ProtoSASL).Append(&buf)
	if !bytes.Equal(buf.Bytes(), []byte("AMQP\x03\x01\x00\x00")) {
		t.Fatalf("header % x", buf.Bytes())
	}

	_, ok, err := ReadProtoHeader(buffer.New(buf.Bytes()[:7]))
	if ok || err != nil {
		t.Errorf("short header: ok=%t err=%v", ok, err)
	}

	h, ok, err := ReadProtoHeader(&buf)
	if !ok || err != nil {
		t.Fatalf("ok=%t err=%v", ok, err)
	}
	if h.ProtoID != ProtoSASL {
		t.Errorf("ProtoID = %s", h.ProtoID)
	}

	for _, bad := range []string{"HTTP\x00\x01\x00\x00", "AMQP\x00\x00\x09\x00"} {
		if _, _, err := ReadProtoHeader(buffer.New([]byte(bad))); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestTransferOverhead(t *testing.T) {
	tr := &Transfer{
		Handle:      1,
		DeliveryID:  uint32Ptr(2),
		DeliveryTag: []byte("tag"),
		Payload:     make([]byte, 100),
	}
	n, err := tr.Overhead()
	if err != nil {
		t.Fatal(err)
	}

	var buf buffer.Buffer
	if err := tr.Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != n+100 {
		t.Errorf("overhead %d, encoded %d bytes with 100 payload", n, buf.Len())
	}
	if len(tr.Payload) != 100 {
		t.Errorf("payload not restored")
	}
}
