package transaction

import (
	"testing"
	"time"

	"github.com/voxcore/voxcore/sip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestICT_ProvisionalThenSuccess_TerminatesWithoutACK: a 2xx moves an
// INVITE client transaction to Accepted, from which Timer M terminates it,
// with ACK left to the TU (session.Coordinator), not the transaction itself.
func TestICT_ProvisionalThenSuccess_TerminatesWithoutACK(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer restore()

	req := testInvite("z9hG4bK-ict-1")
	conn := &fakeConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)
	tx := NewClientTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	require.Equal(t, KindICT, tx.Kind())

	ring := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	go func() { <-tx.Responses() }()
	require.NoError(t, tx.Receive(ring))

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	require.NoError(t, tx.Receive(ok))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("ICT did not terminate after 2xx")
	}

	// Only the original INVITE was written by the transaction; ACK is the
	// TU's job, not the ICT's - no unexpected sends.
	assert.Equal(t, 1, conn.count())
}

// TestICT_FailureResponse_SendsAckAndCompletes: a non-2xx final response
// drives the ICT to Completed, the ICT itself sends
// ACK (same branch), and Timer D eventually terminates it.
func TestICT_FailureResponse_SendsAckAndCompletes(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer restore()

	req := testInvite("z9hG4bK-ict-2")
	conn := &fakeConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)
	tx := NewClientTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	busy := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	go func() { <-tx.Responses() }()
	require.NoError(t, tx.Receive(busy))

	require.True(t, waitUntil(time.Second, func() bool { return conn.count() >= 2 }),
		"expected ACK to be sent in addition to the original INVITE")

	ack, ok := conn.last().(*sip.Request)
	require.True(t, ok)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, req.Via().Params, ack.Via().Params, "ACK for non-2xx carries the same branch as the INVITE")

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("ICT did not terminate after Timer D")
	}
}

// TestICT_NoResponse_RetransmitsOnBackoffThenTimesOut exercises testable
// property 3: over unreliable transport, Timer A retransmits at T1, 2T1,
// 4T1... until Timer B fires.
func TestICT_NoResponse_RetransmitsOnBackoffThenTimesOut(t *testing.T) {
	restore := SetBaseTimers(3*time.Millisecond, 12*time.Millisecond, 5*time.Second)
	defer restore()

	req := testInvite("z9hG4bK-ict-3")
	conn := &fakeConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)
	tx := NewClientTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	// Timer B = 64*T1 = 192ms at this scale; allow it to fire and confirm
	// several retransmissions happened first (0, T1, 2T1, 4T1, ... capped
	// at T2), matching S6's schedule shape.
	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ICT did not time out via Timer B")
	}
	assert.ErrorIs(t, tx.Err(), ErrTimeout)
	assert.GreaterOrEqual(t, conn.count(), 4, "expected multiple retransmissions before Timer B")
}

// TestNICT_FinalResponse_CompletesThenTerminates covers S1 (OPTIONS probe):
// Trying -> Proceeding(optional) -> Completed -> Terminated on Timer K.
func TestNICT_FinalResponse_CompletesThenTerminates(t *testing.T) {
	restore := SetBaseTimers(2*time.Millisecond, 2*time.Millisecond, 3*time.Millisecond)
	defer restore()

	req := testOptions("z9hG4bK-nict-1")
	conn := &fakeConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)
	tx := NewClientTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	require.Equal(t, KindNICT, tx.Kind())

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	require.NoError(t, tx.Receive(ok))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("NICT did not terminate after Timer K")
	}
	assert.NoError(t, tx.Err())
}
