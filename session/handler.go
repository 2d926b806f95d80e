package session

import "github.com/voxcore/voxcore/sip"

// CallHandler is the application hook a User Agent implements: what to do
// with an inbound call, how to answer OPTIONS
// keepalive/capability polling, and whether to accept a REGISTER. A
// CallHandler is invoked synchronously from the Coordinator's request
// dispatch goroutine, so a handler that blocks delays further SIP processing
// for that connection - handlers doing real work should hand off to their
// own goroutine.
type CallHandler interface {
	// OnIncomingCall is invoked once a Session has been created for an
	// inbound INVITE, in state Initializing, before any provisional
	// response has been sent. The handler answers, rejects or rings the
	// call via the Session/Coordinator methods.
	OnIncomingCall(s *Session, inviteReq *sip.Request)

	// OnOptions answers an out-of-dialog OPTIONS request (commonly used as
	// a keepalive/capability probe). Returning nil causes the Coordinator
	// to respond 200 OK with no body.
	OnOptions(req *sip.Request) *sip.Response

	// OnRegisterAttempt decides whether to accept a REGISTER request. A
	// false return rejects with StatusForbidden; reason becomes the
	// response's reason phrase when non-empty.
	OnRegisterAttempt(req *sip.Request) (accept bool, reason string)
}

// NopCallHandler answers every incoming call with 486 Busy Here, accepts
// every OPTIONS with a bare 200, and rejects every REGISTER - a safe default
// for a Coordinator that only places outbound calls.
type NopCallHandler struct{}

func (NopCallHandler) OnIncomingCall(s *Session, inviteReq *sip.Request) {
	_ = s.Reject(sip.StatusBusyHere, "Busy Here")
}

func (NopCallHandler) OnOptions(req *sip.Request) *sip.Response { return nil }

func (NopCallHandler) OnRegisterAttempt(req *sip.Request) (bool, string) {
	return false, "Registration not supported"
}
