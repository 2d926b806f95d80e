package dialog

import "errors"

// Sentinel errors, following the same bare errors.New + fmt.Errorf("%w", ...)
// convention transaction.ErrTimeout/ErrTransport use rather than a custom
// error-framework package.
var (
	// ErrDialogDoesNotExists is returned when an in-dialog request or
	// response matches no live Dialog. The TU answers 481.
	ErrDialogDoesNotExists = errors.New("dialog: no such dialog")

	// ErrDialogInvalidCseq is returned when an in-dialog request's CSeq is
	// not strictly greater than the last one seen from that peer. The TU
	// answers 500, or drops for ACK.
	ErrDialogInvalidCseq = errors.New("dialog: cseq out of order")

	// ErrDialogTerminated reports an operation attempted against a Dialog
	// that already reached State Terminated. Dialog's own methods do not
	// check the state and do not return it.
	ErrDialogTerminated = errors.New("dialog: already terminated")

	// ErrMissingToTag is returned when CreateUACEarly/CreateUACConfirmed is
	// given a response with no To-tag - such a response cannot create a
	// dialog per RFC 3261 §12.1.2.
	ErrMissingToTag = errors.New("dialog: response carries no To tag")

	// ErrMissingContact is returned when a dialog-creating message carries
	// no Contact header, so no remote target can be established.
	ErrMissingContact = errors.New("dialog: message carries no Contact header")
)
