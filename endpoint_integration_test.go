package voxcore

import (
	"context"
	"testing"
	"time"

	"github.com/voxcore/voxcore/session"
	"github.com/voxcore/voxcore/sip"

	"github.com/stretchr/testify/require"
)

// autoAnswerHandler answers every inbound call immediately with a 200 OK,
// used to exercise the S2 happy-path (INVITE -> Ringing -> Active) without a
// human in the loop.
type autoAnswerHandler struct{}

func (autoAnswerHandler) OnIncomingCall(s *session.Session, req *sip.Request) {
	_ = s.Ring()
	_ = s.Answer(context.Background())
}
func (autoAnswerHandler) OnOptions(req *sip.Request) *sip.Response { return nil }
func (autoAnswerHandler) OnRegisterAttempt(req *sip.Request) (bool, string) {
	return false, "no"
}

// waitForState polls s.State() until it equals want or the deadline passes,
// returning the last-observed state either way.
func waitForState(s *session.Session, want string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.State(); got == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.State()
}

// TestTwoEndpointsCallAndHangup exercises a full INVITE/200/ACK/BYE round
// trip between two real Endpoints talking over loopback UDP: the caller
// reaches Active with bound media, then the callee's inbound session
// observes the peer's BYE and reaches Terminated too.
func TestTwoEndpointsCallAndHangup(t *testing.T) {
	calleeContact := testContact(15070)
	callee, err := NewEndpoint(calleeContact, WithCallHandler(autoAnswerHandler{}), WithMediaBindIP("127.0.0.1"))
	require.NoError(t, err)

	callerContact := testContact(15071)
	caller, err := NewEndpoint(callerContact, WithMediaBindIP("127.0.0.1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go callee.Listen(ctx, "udp", "127.0.0.1:15070")
	go caller.Listen(ctx, "udp", "127.0.0.1:15071")
	time.Sleep(200 * time.Millisecond)

	callerSession, err := caller.Dial(ctx, calleeContact)
	require.NoError(t, err)

	gotState := waitForState(callerSession, session.StateActive, 3*time.Second)
	require.Equal(t, session.StateActive, gotState)

	codec, ok := callerSession.Codec()
	require.True(t, ok)
	require.NotEmpty(t, codec.Name)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && callee.Sessions().Count() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, callee.Sessions().Count())

	require.NoError(t, callerSession.Bye(ctx))
	gotState = waitForState(callerSession, session.StateTerminated, 3*time.Second)
	require.Equal(t, session.StateTerminated, gotState)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && callee.Sessions().Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, callee.Sessions().Count())
}
