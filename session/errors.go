package session

import "errors"

// Sentinel errors, following transaction.ErrTimeout/dialog.ErrDialogDoesNotExists's
// bare errors.New convention.
var (
	ErrSessionNotFound   = errors.New("session: no session for id")
	ErrInvalidTransition = errors.New("session: state does not allow this operation")
	ErrCallRejected      = errors.New("session: call was rejected by peer or local handler")
	ErrNoCompatibleMedia = errors.New("session: no compatible media could be negotiated")
)
