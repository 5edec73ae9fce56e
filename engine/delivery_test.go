package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

func receiveOne(t *testing.T, c *Conn, r *Receiver, id uint32, settled bool) *Delivery {
	t.Helper()
	peerWrite(t, c, 0, &frames.Transfer{
		Handle:      7,
		DeliveryID:  uint32Ptr(id),
		DeliveryTag: []byte{byte(id)},
		Settled:     settled,
	})
	received := eventsOfType[DeliveryReceived](c.Events())
	require.Len(t, received, 1)
	c.Output()
	return received[0].Delivery
}

func TestReceiverSettleFirst(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	r := attachedReceiver(t, s)
	require.NoError(t, r.AddCredit(1))
	d := receiveOne(t, c, r, 0, false)

	require.NoError(t, d.Accept())
	disp, ok := onlyFrame(t, c).Body.(*frames.Disposition)
	require.True(t, ok)
	assert.Equal(t, encoding.RoleReceiver, disp.Role)
	assert.Equal(t, uint32(0), disp.First)
	assert.True(t, disp.Settled)
	assert.IsType(t, &encoding.StateAccepted{}, disp.State)

	assert.True(t, d.Settled())
	assert.Empty(t, s.incoming)
	assert.ErrorIs(t, d.Accept(), ErrIllegalState)
}

func TestReceiverSettleSecond(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	r := attachedReceiver(t, s, LinkReceiverSettle(encoding.ModeSecond))
	require.NoError(t, r.AddCredit(1))
	d := receiveOne(t, c, r, 0, false)

	require.NoError(t, d.Accept())
	disp := onlyFrame(t, c).Body.(*frames.Disposition)
	assert.False(t, disp.Settled)
	assert.False(t, d.Settled())
	assert.Contains(t, s.incoming, uint32(0))

	peerWrite(t, c, 0, &frames.Disposition{
		Role:    encoding.RoleSender,
		First:   0,
		Settled: true,
		State:   &encoding.StateAccepted{},
	})
	assert.True(t, d.Settled())
	assert.True(t, d.RemoteSettled())
	assert.Empty(t, s.incoming)
	require.Len(t, eventsOfType[DispositionUpdated](c.Events()), 1)
}

func TestPresettledTransfer(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	r := attachedReceiver(t, s)
	require.NoError(t, r.AddCredit(1))
	d := receiveOne(t, c, r, 0, true)

	assert.True(t, d.RemoteSettled())
	assert.True(t, d.Settled())
	assert.Empty(t, s.incoming)
}

func TestReceiverRejectAndRelease(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	r := attachedReceiver(t, s)
	require.NoError(t, r.AddCredit(2))

	d0 := receiveOne(t, c, r, 0, false)
	require.NoError(t, d0.Reject(&encoding.Error{Condition: "app:bad", Description: "nope"}))
	rejected := onlyFrame(t, c).Body.(*frames.Disposition).State.(*encoding.StateRejected)
	assert.Equal(t, encoding.ErrorCondition("app:bad"), rejected.Error.Condition)

	d1 := receiveOne(t, c, r, 1, false)
	require.NoError(t, d1.Release())
	assert.IsType(t, &encoding.StateReleased{}, onlyFrame(t, c).Body.(*frames.Disposition).State)
	assert.Empty(t, s.incoming)
}

func TestSenderDispositionRange(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	sn := attachedSender(t, s, nil)
	grantCredit(t, sn, 0, 3)

	var sent []*Delivery
	for i := 0; i < 3; i++ {
		d, err := sn.Send([]byte{byte(i)}, []byte("m"), nil)
		require.NoError(t, err)
		sent = append(sent, d)
	}
	c.Events()
	require.Len(t, s.outgoing, 3)

	peerWrite(t, c, 0, &frames.Disposition{
		Role:    encoding.RoleReceiver,
		First:   0,
		Last:    uint32Ptr(1),
		Settled: true,
		State:   &encoding.StateAccepted{},
	})

	updated := eventsOfType[DispositionUpdated](c.Events())
	require.Len(t, updated, 2)
	assert.Same(t, sent[0], updated[0].Delivery)
	assert.Same(t, sent[1], updated[1].Delivery)
	assert.IsType(t, &encoding.StateAccepted{}, sent[0].RemoteState())
	assert.True(t, sent[1].Settled())
	assert.False(t, sent[2].RemoteSettled())
	assert.Len(t, s.outgoing, 1)

	// an unsettled state update keeps the delivery
	peerWrite(t, c, 0, &frames.Disposition{
		Role:  encoding.RoleReceiver,
		First: 2,
		State: &encoding.StateReceived{SectionNumber: 1, SectionOffset: 10},
	})
	assert.Len(t, s.outgoing, 1)
	assert.IsType(t, &encoding.StateReceived{}, sent[2].RemoteState())
	c.Events()

	// ids outside the range match nothing
	peerWrite(t, c, 0, &frames.Disposition{Role: encoding.RoleReceiver, First: 10, Last: uint32Ptr(20), Settled: true})
	assert.Empty(t, eventsOfType[DispositionUpdated](c.Events()))
	assert.Len(t, s.outgoing, 1)
}

func TestSenderSettlesLocally(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	sn := attachedSender(t, s, nil)
	grantCredit(t, sn, 0, 1)

	d, err := sn.Send([]byte("a"), nil, nil)
	require.NoError(t, err)
	c.Output()

	require.NoError(t, d.Settle())
	disp := onlyFrame(t, c).Body.(*frames.Disposition)
	assert.Equal(t, encoding.RoleSender, disp.Role)
	assert.True(t, disp.Settled)
	assert.Nil(t, disp.State)
	assert.Empty(t, s.outgoing)
}

func TestDispositionAfterDetach(t *testing.T) {
	c := openConn(t, peerOpen)
	s := activeSession(t, c, nil)
	r := attachedReceiver(t, s)
	require.NoError(t, r.AddCredit(1))
	d := receiveOne(t, c, r, 0, false)

	require.NoError(t, r.Detach(nil))
	assert.ErrorIs(t, d.Accept(), ErrIllegalState)
}
