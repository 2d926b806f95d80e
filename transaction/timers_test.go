package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/voxcore/voxcore/sip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConn is a minimal transport.Connection double that records every
// written message under a mutex, for assertions from the test goroutine
// while the shared TimerWheel's dispatch goroutine writes concurrently.
type recordingConn struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (c *recordingConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}
func (c *recordingConn) Ref(int)                 {}
func (c *recordingConn) TryClose() (int, error)  { return 0, nil }
func (c *recordingConn) Close() error            { return nil }

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func inviteOverUDP(branch string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.example.com"})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "udp",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "from-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.example.com"}, Params: sip.NewParams()})
	cid := sip.CallID("call-" + branch)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

// TestClientTxTimerARetransmitsThroughWheel confirms Timer A is scheduled on
// the shared TimerWheel rather than a one-off time.AfterFunc: letting it fire
// must drive the ICT's actInviteResend action via the Wheel's dispatch
// goroutine, producing a second write of the original INVITE.
func TestClientTxTimerARetransmitsThroughWheel(t *testing.T) {
	branch := sip.GenerateBranch()
	req := inviteOverUDP(branch)
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	conn := &recordingConn{}
	tx := NewClientTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	require.Eventually(t, func() bool {
		return conn.count() >= 2
	}, timerA()*4, 5*time.Millisecond, "Timer A should have fired at least once through the shared wheel")
}

// TestServerTxSends100TryingThroughWheel confirms the delayed "100 Trying"
// (RFC 3261 17.2.1) is scheduled on the shared wheel rather than an inline
// time.AfterFunc, and that firing routes back into this specific
// transaction via its registered key.
func TestServerTxSends100TryingThroughWheel(t *testing.T) {
	branch := sip.GenerateBranch()
	req := inviteOverUDP(branch)
	key, err := MakeServerTxKey(req)
	require.NoError(t, err)

	conn := &recordingConn{}
	tx := NewServerTx(key, req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	require.Eventually(t, func() bool {
		return conn.count() >= 1
	}, timer1xx()*4, 5*time.Millisecond, "timer_1xx should have fired through the shared wheel")

	resp, ok := conn.msgs[0].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 100, resp.StatusCode)
}

// TestSharedWheelRoutesOnlyToRegisteredTarget ensures two independent client
// transactions scheduling the same RFC timer don't cross-fire each other's
// FSM: the dispatch loop must key off Event.Target, not just Event.Kind.
func TestSharedWheelRoutesOnlyToRegisteredTarget(t *testing.T) {
	reqA := inviteOverUDP(sip.GenerateBranch())
	reqB := inviteOverUDP(sip.GenerateBranch())
	keyA, err := MakeClientTxKey(reqA)
	require.NoError(t, err)
	keyB, err := MakeClientTxKey(reqB)
	require.NoError(t, err)

	connA := &recordingConn{}
	connB := &recordingConn{}
	txA := NewClientTx(keyA, reqA, connA, zerolog.Nop())
	txB := NewClientTx(keyB, reqB, connB, zerolog.Nop())
	require.NoError(t, txA.Init())
	require.NoError(t, txB.Init())
	defer txA.Terminate()
	defer txB.Terminate()

	require.Eventually(t, func() bool {
		return connA.count() >= 2 && connB.count() >= 2
	}, timerA()*4, 5*time.Millisecond)
}
