package panel

import "fmt"

type ErrorCode string

const (
	ErrorNoActiveContext  ErrorCode = "NO_ACTIVE_CONTEXT"
	ErrorForbiddenContext ErrorCode = "FORBIDDEN_CONTEXT"
	ErrorEmptyResponse    ErrorCode = "EMPTY_RESPONSE"
	ErrorTransport        ErrorCode = "TRANSPORT_FAILURE"
	ErrorMalformedReply   ErrorCode = "MALFORMED_REPLY"
)

// Error is what every failed panel operation reports, both to its caller and
// to View.ShowError.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("panel: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("panel: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
