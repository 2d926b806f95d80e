package eventbus

import "github.com/voxcore/voxcore/sip"

// Events published by the transaction layer.

// StrayMessage is published when the transaction manager receives a message
// that matches no existing transaction. The dialog layer decides
// disposition: create a server transaction for a stray request, discard a
// stray response.
type StrayMessage struct {
	Request  *sip.Request
	Response *sip.Response
}

// TransactionTerminated is published exactly once per transaction.
type TransactionTerminated struct {
	Key string
	Err error
}

// TransactionTimedOut is published when a client transaction created
// through transaction.Manager ends because Timer B/F fired without a final
// response. Server transactions (Timer H) do not publish it.
type TransactionTimedOut struct {
	Key string
}

// TransportFailed is published when a client transaction created through
// transaction.Manager ends because sending one of its messages failed.
// Server transactions do not publish it.
type TransportFailed struct {
	Key string
	Err error
}

// Events published by the dialog layer.

// DialogTerminated is a critical event: it must never be dropped under
// subscriber backpressure.
type DialogTerminated struct {
	Critical
	CallID    string
	LocalTag  string
	RemoteTag string
	Reason    string
}

// Events published by the media layer.

// MediaFlowStarted fires once remote_rtp has been set and the MediaSession
// may send RTP.
type MediaFlowStarted struct {
	SessionID string
}

// MediaFlowStopped fires when a MediaSession is stopped.
type MediaFlowStopped struct {
	SessionID string
}

// MediaFlowNeverStarted fires when call setup fails before media ever
// reached the Ready state.
type MediaFlowNeverStarted struct {
	SessionID string
	Reason    string
}

// Events published by the session layer.

// SessionStateChanged is a critical event: it must never be dropped.
type SessionStateChanged struct {
	Critical
	SessionID string
	From      string
	To        string
	Reason    string
}

// IncomingCall is published (and also delivered synchronously to the
// CallHandler - see session.CallHandler) when an inbound INVITE creates a
// new Session.
type IncomingCall struct {
	SessionID string
	From      string
	To        string
}
