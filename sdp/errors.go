package sdp

import "fmt"

// ErrorCode classifies a negotiation failure. Codes start at 2000 to stay
// out of the SIP status-code namespace.
type ErrorCode int

const (
	ErrorCodeInvalidConfig ErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeIncompatibleCodec
	ErrorCodeInvalidDirection
	ErrorCodeMissingConnection
)

// Error wraps a negotiation failure with the session it belongs to, so
// callers can log/report without re-deriving context from the error string.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("sdp[%s]: %s (code %d)", e.SessionID, e.Message, e.Code)
	}
	return fmt.Sprintf("sdp: %s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds an Error with no associated session.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithSession builds an Error tied to a session_id.
func NewErrorWithSession(code ErrorCode, sessionID, message string) *Error {
	return &Error{Code: code, Message: message, SessionID: sessionID}
}

// WrapError wraps an underlying error with negotiation context.
func WrapError(code ErrorCode, sessionID, message string, wrapped error) *Error {
	return &Error{Code: code, Message: message, SessionID: sessionID, Wrapped: wrapped}
}

// ErrNoCompatibleCodec is returned by Answer when the offer and local
// capabilities share no codec.
var ErrNoCompatibleCodec = NewError(ErrorCodeIncompatibleCodec, "no compatible codec between offer and local capabilities")
