package encoding

import (
	"fmt"

	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

// DeliveryState is the state of a delivery as reported in Disposition,
// Transfer and the unsettled map of Attach. Outcomes are the terminal
// subset: accepted, rejected, released and modified.
type DeliveryState interface {
	marshaler
	unmarshaler
	deliveryState()
}

func newDeliveryState(code AMQPType) (DeliveryState, error) {
	switch code {
	case TypeCodeStateAccepted:
		return &StateAccepted{}, nil
	case TypeCodeStateModified:
		return &StateModified{}, nil
	case TypeCodeStateReceived:
		return &StateReceived{}, nil
	case TypeCodeStateRejected:
		return &StateRejected{}, nil
	case TypeCodeStateReleased:
		return &StateReleased{}, nil
	case TypeCodeStateDeclared:
		return &StateDeclared{}, nil
	case TypeCodeTransactionalState:
		return &TransactionalState{}, nil
	default:
		return nil, decodeErrorf("unexpected type %#02x for delivery state", uint8(code))
	}
}

// IsTerminal reports whether s is an outcome that ends the delivery.
func IsTerminal(s DeliveryState) bool {
	switch s.(type) {
	case *StateAccepted, *StateRejected, *StateReleased, *StateModified:
		return true
	default:
		return false
	}
}

/*
<type name="received" class="composite" source="list" provides="delivery-state">
    <descriptor name="amqp:received:list" code="0x00000000:0x00000023"/>
    <field name="section-number" type="uint" mandatory="true"/>
    <field name="section-offset" type="ulong" mandatory="true"/>
</type>
*/

type StateReceived struct {
	// When sent by the sender this indicates the first section of the message
	// (with section-number 0 being the first section) for which data can be resent.
	// Data from sections prior to the given section cannot be retransmitted for
	// this delivery.
	//
	// When sent by the receiver this indicates the first section of the message
	// for which all data might not yet have been received.
	SectionNumber uint32

	// When sent by the sender this indicates the first byte of the encoded section
	// data of the section given by section-number for which data can be resent
	// (with section-offset 0 being the first byte). Bytes from the same section
	// prior to the given offset section cannot be retransmitted for this delivery.
	//
	// When sent by the receiver this indicates the first byte of the given section
	// which has not yet been received. The state Received(section-number=0,
	// section-offset=0) indicates that no message data at all has been transferred.
	SectionOffset uint64
}

func (*StateReceived) deliveryState() {}

func (sr *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &sr.SectionNumber, Omit: false},
		{Value: &sr.SectionOffset, Omit: false},
	}...)
}

func (sr *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived, []UnmarshalField{
		{Field: &sr.SectionNumber, HandleNull: Required("StateReceived.SectionNumber")},
		{Field: &sr.SectionOffset, HandleNull: Required("StateReceived.SectionOffset")},
	}...)
}

func (sr *StateReceived) String() string {
	return fmt.Sprintf("Received{SectionNumber: %d, SectionOffset: %d}", sr.SectionNumber, sr.SectionOffset)
}

/*
<type name="accepted" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:accepted:list" code="0x00000000:0x00000024"/>
</type>
*/

type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}

func (sa *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted)
}

func (sa *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted)
}

func (sa *StateAccepted) String() string {
	return "Accepted"
}

/*
<type name="rejected" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:rejected:list" code="0x00000000:0x00000025"/>
    <field name="error" type="error"/>
</type>
*/

type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}

func (sr *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected,
		MarshalField{Value: sr.Error, Omit: sr.Error == nil},
	)
}

func (sr *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected,
		UnmarshalField{Field: &sr.Error},
	)
}

func (sr *StateRejected) String() string {
	return fmt.Sprintf("Rejected{Error: %v}", sr.Error)
}

/*
<type name="released" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:released:list" code="0x00000000:0x00000026"/>
</type>
*/

type StateReleased struct{}

func (*StateReleased) deliveryState() {}

func (sr *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased)
}

func (sr *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased)
}

func (sr *StateReleased) String() string {
	return "Released"
}

/*
<type name="modified" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:modified:list" code="0x00000000:0x00000027"/>
    <field name="delivery-failed" type="boolean"/>
    <field name="undeliverable-here" type="boolean"/>
    <field name="message-annotations" type="fields"/>
</type>
*/

type StateModified struct {
	// count the transfer as an unsuccessful delivery attempt
	//
	// If the delivery-failed flag is set, any messages modified
	// MUST have their delivery-count incremented.
	DeliveryFailed bool

	// prevent redelivery
	//
	// If the undeliverable-here is set, then any messages released MUST NOT
	// be redelivered to the modifying link endpoint.
	UndeliverableHere bool

	// message attributes
	// Map containing attributes to combine with the existing message-annotations
	// held in the message's header section. Where the existing message-annotations
	// of the message contain an entry with the same key as an entry in this field,
	// the value in this field associated with that key replaces the one in the
	// existing headers; where the existing message-annotations has no such value,
	// the value in this map is added.
	MessageAnnotations map[Symbol]interface{}
}

func (*StateModified) deliveryState() {}

func (sm *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &sm.DeliveryFailed, Omit: !sm.DeliveryFailed},
		{Value: &sm.UndeliverableHere, Omit: !sm.UndeliverableHere},
		{Value: sm.MessageAnnotations, Omit: sm.MessageAnnotations == nil},
	}...)
}

func (sm *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified, []UnmarshalField{
		{Field: &sm.DeliveryFailed},
		{Field: &sm.UndeliverableHere},
		{Field: &sm.MessageAnnotations},
	}...)
}

func (sm *StateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t, MessageAnnotations: %v}", sm.DeliveryFailed, sm.UndeliverableHere, sm.MessageAnnotations)
}

// Transaction capabilities offered by a coordinator.
const (
	TxnLocalTransactions       Symbol = "amqp:local-transactions"
	TxnDistributedTransactions Symbol = "amqp:distributed-transactions"
	TxnPromotableTransactions  Symbol = "amqp:promotable-transactions"
	TxnMultiTxnsPerSession     Symbol = "amqp:multi-txns-per-ssn"
	TxnMultiSessionsPerTxn     Symbol = "amqp:multi-ssns-per-txn"
)

/*
<type name="declared" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:declared:list" code="0x00000000:0x00000033"/>
    <field name="txn-id" type="*" requires="txn-id" mandatory="true"/>
</type>
*/

// StateDeclared is the outcome of a successful Declare.
type StateDeclared struct {
	TxnID []byte
}

func (*StateDeclared) deliveryState() {}

func (sd *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateDeclared,
		MarshalField{Value: &sd.TxnID, Omit: false},
	)
}

func (sd *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateDeclared,
		UnmarshalField{Field: &sd.TxnID, HandleNull: Required("Declared.TxnID")},
	)
}

func (sd *StateDeclared) String() string {
	return fmt.Sprintf("Declared{TxnID: %x}", sd.TxnID)
}

/*
<type name="transactional-state" class="composite" source="list" provides="delivery-state">
    <descriptor name="amqp:transactional-state:list" code="0x00000000:0x00000034"/>
    <field name="txn-id" type="*" mandatory="true" requires="txn-id"/>
    <field name="outcome" type="*" requires="outcome"/>
</type>
*/

// TransactionalState associates a delivery with a transaction and the
// provisional outcome it takes when the transaction commits.
type TransactionalState struct {
	TxnID   []byte
	Outcome DeliveryState
}

func (*TransactionalState) deliveryState() {}

func (ts *TransactionalState) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTransactionalState, []MarshalField{
		{Value: &ts.TxnID, Omit: false},
		{Value: ts.Outcome, Omit: ts.Outcome == nil},
	}...)
}

func (ts *TransactionalState) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTransactionalState, []UnmarshalField{
		{Field: &ts.TxnID, HandleNull: Required("TransactionalState.TxnID")},
		{Field: &ts.Outcome},
	}...)
}

func (ts *TransactionalState) String() string {
	return fmt.Sprintf("TransactionalState{TxnID: %x, Outcome: %v}", ts.TxnID, ts.Outcome)
}

/*
<type name="coordinator" class="composite" source="list" provides="target">
    <descriptor name="amqp:coordinator:list" code="0x00000000:0x00000030"/>
    <field name="capabilities" type="symbol" requires="txn-capability" multiple="true"/>
</type>
*/

// Coordinator is the target of a link to a transaction coordinator.
type Coordinator struct {
	Capabilities []Symbol
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeCoordinator,
		MarshalField{Value: c.Capabilities, Omit: len(c.Capabilities) == 0},
	)
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeCoordinator,
		UnmarshalField{Field: &c.Capabilities},
	)
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("Coordinator{Capabilities: %v}", c.Capabilities)
}

/*
<type name="declare" class="composite" source="list">
    <descriptor name="amqp:declare:list" code="0x00000000:0x00000031"/>
    <field name="global-id" type="*" requires="global-tx-id"/>
</type>
*/

// Declare is the message body sent to a coordinator to start a transaction.
type Declare struct {
	GlobalID interface{}
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclare,
		MarshalField{Value: d.GlobalID, Omit: d.GlobalID == nil},
	)
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclare,
		UnmarshalField{Field: &d.GlobalID},
	)
}

func (d *Declare) String() string {
	return fmt.Sprintf("Declare{GlobalID: %v}", d.GlobalID)
}

/*
<type name="discharge" class="composite" source="list">
    <descriptor name="amqp:discharge:list" code="0x00000000:0x00000032"/>
    <field name="txn-id" type="*" requires="txn-id" mandatory="true"/>
    <field name="fail" type="boolean"/>
</type>
*/

// Discharge is the message body sent to a coordinator to end a transaction.
type Discharge struct {
	TxnID []byte
	Fail  bool
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDischarge, []MarshalField{
		{Value: &d.TxnID, Omit: false},
		{Value: &d.Fail, Omit: !d.Fail},
	}...)
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDischarge, []UnmarshalField{
		{Field: &d.TxnID, HandleNull: Required("Discharge.TxnID")},
		{Field: &d.Fail},
	}...)
}

func (d *Discharge) String() string {
	return fmt.Sprintf("Discharge{TxnID: %x, Fail: %t}", d.TxnID, d.Fail)
}
