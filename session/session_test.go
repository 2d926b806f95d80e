package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/voxcore/voxcore/dialog"
	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/media"
	"github.com/voxcore/voxcore/sip"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCoordinator builds a Coordinator with just enough wiring for FSM-level
// tests: a live bus, dialog table and media coordinator over a fake engine,
// but no transaction manager (nothing here sends on the wire).
func testCoordinator(bus *eventbus.Bus) *Coordinator {
	return &Coordinator{
		dialogs:   dialog.NewManager(bus),
		media:     media.NewCoordinator(nopEngine{}, bus),
		bus:       bus,
		sessions:  make(map[string]*Session),
		inboundTx: make(map[string]sip.ServerTransaction),
		log:       zerolog.Nop(),
	}
}

type nopEngine struct{}

func (nopEngine) Allocate(sessionID string) (media.LocalEndpoint, error) {
	return media.LocalEndpoint{IP: "127.0.0.1", Port: 40000}, nil
}
func (nopEngine) SetRemote(sessionID string, remote net.Addr) error   { return nil }
func (nopEngine) Send(sessionID string, frame media.Frame) error      { return nil }
func (nopEngine) Frames(sessionID string) (<-chan media.Frame, error) { return nil, nil }
func (nopEngine) Release(sessionID string) error                      { return nil }

func inviteRequest(callID, fromTag string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.example.com"})
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.example.com"}, Params: sip.NewParams()})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}})
	return req
}

func TestSessionLifecycleHappyPath(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-1", c, nil, true)
	c.add(s)

	require.Equal(t, StateInitializing, s.State())

	require.NoError(t, s.fire(context.Background(), evRing))
	assert.Equal(t, StateRinging, s.State())

	require.NoError(t, s.fire(context.Background(), evAnswer))
	assert.Equal(t, StateActive, s.State())

	require.NoError(t, s.fire(context.Background(), evHold))
	assert.Equal(t, StateOnHold, s.State())

	require.NoError(t, s.fire(context.Background(), evResume))
	assert.Equal(t, StateActive, s.State())

	require.NoError(t, s.fire(context.Background(), evByeSent))
	assert.Equal(t, StateTerminating, s.State())

	require.NoError(t, s.fire(context.Background(), evTerminated))
	assert.Equal(t, StateTerminated, s.State())
}

func TestSessionRejectedTransitionsReturnErrInvalidTransition(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-2", c, nil, true)
	c.add(s)

	// Hold before the call is Active is not a legal transition.
	err := s.fire(context.Background(), evHold)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateInitializing, s.State())

	// Resume without a prior Hold likewise.
	require.NoError(t, s.fire(context.Background(), evRing))
	err = s.fire(context.Background(), evResume)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateRinging, s.State())
}

func TestSessionHoldWithoutDialogFails(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-3", c, nil, false)
	c.add(s)

	err := s.Hold(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSessionStateChangedPublishedOnEveryTransition(t *testing.T) {
	bus := eventbus.New()
	events := eventbus.Subscribe[eventbus.SessionStateChanged](bus)

	c := testCoordinator(bus)
	s := newSession("s-4", c, nil, true)
	c.add(s)

	require.NoError(t, s.fire(context.Background(), evRing))
	require.NoError(t, s.fire(context.Background(), evAnswer))

	got := make([]eventbus.SessionStateChanged, 0, 2)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for SessionStateChanged, have %d", len(got))
		}
	}
	assert.Equal(t, StateRinging, got[0].To)
	assert.Equal(t, "s-4", got[0].SessionID)
	assert.Equal(t, StateActive, got[1].To)
}

func TestSessionTerminationRemovesFromTableAndReportsNoMedia(t *testing.T) {
	bus := eventbus.New()
	never := eventbus.Subscribe[eventbus.MediaFlowNeverStarted](bus)

	c := testCoordinator(bus)
	s := newSession("s-5", c, nil, true)
	c.add(s)
	require.Equal(t, 1, c.Count())

	require.NoError(t, s.fire(context.Background(), evFail))
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 0, c.Count())

	select {
	case ev := <-never:
		assert.Equal(t, "s-5", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected MediaFlowNeverStarted for a session that failed before media")
	}
}

func TestBuildResponseKeepsToTagStableAcrossResponses(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-6", c, nil, true)
	s.inviteReq = inviteRequest("call-6", "from-6")
	c.add(s)

	ringing := c.buildResponse(s, sip.StatusRinging, "Ringing", nil)
	tag1, ok := ringing.To().Params.Get("tag")
	require.True(t, ok)
	require.NotEmpty(t, tag1)

	ok200 := c.buildResponse(s, sip.StatusOK, "OK", nil)
	tag2, ok := ok200.To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, tag1, tag2, "all responses to one INVITE must share a To-tag")
}

// fakeServerTx is a minimal sip.ServerTransaction capturing responses, so
// inbound teardown paths can run without a transport.
type fakeServerTx struct {
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (f *fakeServerTx) Respond(res *sip.Response) error { f.responses = append(f.responses, res); return nil }
func (f *fakeServerTx) Acks() <-chan *sip.Request       { return nil }
func (f *fakeServerTx) OnCancel(fn sip.FnTxCancel) bool { return true }
func (f *fakeServerTx) Terminate()                      {}
func (f *fakeServerTx) OnTerminate(fn sip.FnTxTerminate) bool { return true }
func (f *fakeServerTx) Done() <-chan struct{}           { return f.done }
func (f *fakeServerTx) Err() error                      { return nil }

func TestByeOnRingingInboundRespondsRequestTerminated(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-7", c, nil, true)
	s.inviteReq = inviteRequest("call-7", "from-7")
	c.add(s)
	tx := newFakeServerTx()
	c.mu.Lock()
	c.inboundTx[s.id] = tx
	c.mu.Unlock()

	require.NoError(t, s.fire(context.Background(), evRing))
	require.NoError(t, s.Bye(context.Background()))

	assert.Equal(t, StateTerminated, s.State())
	require.Len(t, tx.responses, 1)
	assert.Equal(t, sip.StatusRequestTerminated, tx.responses[0].StatusCode)
}

func TestByeOnRingingOutboundWithoutInviteTxStillTerminates(t *testing.T) {
	c := testCoordinator(eventbus.New())
	s := newSession("s-8", c, nil, false)
	c.add(s)

	require.NoError(t, s.fire(context.Background(), evRing))
	err := s.Bye(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateTerminated, s.State())
}

func TestNopCallHandlerRejectsRegister(t *testing.T) {
	accept, reason := NopCallHandler{}.OnRegisterAttempt(nil)
	assert.False(t, accept)
	assert.NotEmpty(t, reason)
}
