package dispatcher

import (
	"errors"
	"fmt"
)

// Dispatch error codes.
const (
	CodeUnknownService    = "UNKNOWN_SERVICE"
	CodeUnsupportedAction = "UNSUPPORTED_ACTION"
	CodeVersionMismatch   = "VERSION_MISMATCH"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeTransportError    = "TRANSPORT_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeRemoteError       = "REMOTE_ERROR"
	CodeCancelled         = "CANCELLED"
)

// Sentinels for errors.Is. A *DispatchError matches the sentinel with the same code.
var (
	ErrUnknownService    = &DispatchError{Code: CodeUnknownService}
	ErrUnsupportedAction = &DispatchError{Code: CodeUnsupportedAction}
	ErrVersionMismatch   = &DispatchError{Code: CodeVersionMismatch}
	ErrInvalidPayload    = &DispatchError{Code: CodeInvalidPayload}
	ErrInvalidArgument   = &DispatchError{Code: CodeInvalidArgument}
	ErrTransport         = &DispatchError{Code: CodeTransportError}
	ErrTimeout           = &DispatchError{Code: CodeTimeout}
	ErrRemote            = &DispatchError{Code: CodeRemoteError}
	ErrCancelled         = &DispatchError{Code: CodeCancelled}
)

// DispatchError is the single error type Invoke returns.
type DispatchError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is matches any *DispatchError with the same code.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	return ok && t.Code == e.Code
}

// Detail returns the wire form of the error.
func (e *DispatchError) Detail() ErrorDetail {
	return ErrorDetail{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
}

func newError(code string, err error, format string, args ...interface{}) *DispatchError {
	return &DispatchError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable(code),
		Err:       err,
	}
}

// retryable marks the codes where the same call may succeed if repeated.
func retryable(code string) bool {
	switch code {
	case CodeTransportError, CodeTimeout:
		return true
	default:
		return false
	}
}

// CodeOf returns the dispatch code carried by err, or "" if it has none.
func CodeOf(err error) string {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
