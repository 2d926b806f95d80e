package voxcore

import (
	"context"
	"testing"

	"github.com/voxcore/voxcore/session"
	"github.com/voxcore/voxcore/sip"

	"github.com/stretchr/testify/require"
)

func testContact(port int) sip.Uri {
	return sip.Uri{User: "voxcore", Host: "127.0.0.1", Port: port}
}

func TestNewEndpointWiresAllLayers(t *testing.T) {
	ep, err := NewEndpoint(testContact(15060))
	require.NoError(t, err)
	require.NotNil(t, ep.Events())
	require.NotNil(t, ep.Sessions())
	require.Equal(t, 0, ep.Sessions().Count())
}

func TestEndpointDialTracksSession(t *testing.T) {
	ep, err := NewEndpoint(testContact(15061))
	require.NoError(t, err)

	target := sip.Uri{User: "bob", Host: "127.0.0.1", Port: 15999}
	s, err := ep.Dial(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())
	require.Equal(t, "Initializing", s.State())

	got, ok := ep.Sessions().Get(s.ID())
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestNewEndpointAcceptsCustomCallHandler(t *testing.T) {
	h := rejectAllHandler{}

	ep, err := NewEndpoint(testContact(15062), WithCallHandler(h))
	require.NoError(t, err)
	require.NotNil(t, ep)
}

// rejectAllHandler is a session.CallHandler that rejects every inbound call
// with 486 Busy Here, used to construct an Endpoint with a non-default
// handler via WithCallHandler.
type rejectAllHandler struct{}

func (rejectAllHandler) OnIncomingCall(s *session.Session, req *sip.Request) {
	_ = s.Reject(sip.StatusBusyHere, "Busy Here")
}
func (rejectAllHandler) OnOptions(req *sip.Request) *sip.Response             { return nil }
func (rejectAllHandler) OnRegisterAttempt(req *sip.Request) (bool, string) {
	return false, "no"
}
