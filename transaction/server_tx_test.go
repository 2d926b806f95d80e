package transaction

import (
	"testing"
	"time"

	"github.com/voxcore/voxcore/sip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIST_RetransmittedInvite_ResendsResponseWithoutRepassing: a
// retransmitted INVITE matching an existing IST resends the stored
// response rather than being handed to the TU again.
func TestIST_RetransmittedInvite_ResendsResponseWithoutRepassing(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer restore()

	req := testInvite("z9hG4bK-ist-1")
	conn := &fakeConn{}
	key, err := MakeServerTxKey(req)
	require.NoError(t, err)
	tx := NewServerTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	require.Equal(t, KindIST, tx.Kind())

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	require.NoError(t, tx.Respond(ringing))
	require.True(t, waitUntil(time.Second, func() bool { return conn.count() >= 1 }))
	sentAfterFirst := conn.count()

	// Simulate a retransmitted INVITE (same transaction key): the IST must
	// resend the stored 180, not call back into the TU.
	require.NoError(t, tx.Receive(req))
	require.True(t, waitUntil(time.Second, func() bool { return conn.count() > sentAfterFirst }),
		"expected the IST to resend the last response on a duplicate INVITE")

	last, ok := conn.last().(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusRinging, last.StatusCode)
}

// TestIST_FinalResponse_AckMovesToConfirmedThenTerminates: 3xx-6xx ->
// Completed (retransmit on Timer G until ACK), ACK ->
// Confirmed, Timer I -> Terminated.
func TestIST_FinalResponse_AckMovesToConfirmedThenTerminates(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 3*time.Millisecond)
	defer restore()

	req := testInvite("z9hG4bK-ist-2")
	conn := &fakeConn{}
	key, err := MakeServerTxKey(req)
	require.NoError(t, err)
	tx := NewServerTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	busy := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	require.NoError(t, tx.Respond(busy))
	require.True(t, waitUntil(time.Second, func() bool { return conn.count() >= 1 }))

	ack := sip.NewRequest(sip.ACK, req.Recipient)
	ack.AppendHeader(req.Via())
	ack.AppendHeader(&sip.CSeq{SeqNo: req.CSeq().SeqNo, MethodName: sip.ACK})
	require.NoError(t, tx.Receive(ack))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("IST did not terminate after Timer I")
	}
}

// TestNIST_RetransmittedRequest_ResendsFinalWithoutRepassing covers
// Same retransmission rule for the non-INVITE server transaction.
func TestNIST_RetransmittedRequest_ResendsFinalWithoutRepassing(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 3*time.Millisecond)
	defer restore()

	req := testOptions("z9hG4bK-nist-1")
	conn := &fakeConn{}
	key, err := MakeServerTxKey(req)
	require.NoError(t, err)
	tx := NewServerTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	require.Equal(t, KindNIST, tx.Kind())

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	require.True(t, waitUntil(time.Second, func() bool { return conn.count() >= 1 }))
	sentAfterFirst := conn.count()

	require.NoError(t, tx.Receive(req))
	require.True(t, waitUntil(time.Second, func() bool { return conn.count() > sentAfterFirst }),
		"expected the NIST to resend the stored final response on retransmit")

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("NIST did not terminate after Timer J")
	}
}
