// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gensio

import "fmt"

// ErrorCode is the closed, process-wide error taxonomy described in the
// design (§7): errors are values, never exceptions, and every fallible
// operation returns one of these codes (wrapped in an *Error) rather than
// an ad-hoc wrapped stdlib error.
type ErrorCode uint8

const (
	// OK indicates success. Used internally; Go code normally represents
	// success as a nil error rather than an *Error wrapping OK.
	OK ErrorCode = iota

	// NoMemory reports an allocation failure.
	NoMemory

	// NotReady reports a wrong-state operation (e.g. close while CLOSED).
	NotReady

	// NotSupported reports that an operation or control option has no
	// implementation on this component. Used deliberately so callers can
	// probe capabilities.
	NotSupported

	// InvalidArgument reports a malformed or nil argument.
	InvalidArgument

	// InUse reports a resource already claimed by another operation.
	InUse

	// InProgress is a non-terminal status: the caller should await a
	// continuation rather than treat this as failure.
	InProgress

	// TimedOut reports a filter handshake or timer expiry without
	// completion.
	TimedOut

	// RemoteClosed reports ordinary peer-initiated EOF. Surfaced to the
	// user but never logged at error level (§7).
	RemoteClosed

	// Cancelled reports an in-flight operation abandoned by a racing
	// call rather than by any I/O outcome — e.g. an open's continuation
	// fired early because a Close raced in while the open was still in
	// flight (§8 S3).
	Cancelled
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "ok"
	case NoMemory:
		return "no memory"
	case NotReady:
		return "not ready"
	case NotSupported:
		return "not supported"
	case InvalidArgument:
		return "invalid argument"
	case InUse:
		return "in use"
	case InProgress:
		return "in progress"
	case TimedOut:
		return "timed out"
	case RemoteClosed:
		return "remote closed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by every fallible core
// operation. Op names the failing operation (e.g. "open", "close",
// "write") for diagnostics; Cause, when non-nil, is the underlying error
// that triggered this code (e.g. a transport I/O error surfaced through
// the read path).
type Error struct {
	Code  ErrorCode
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("gensio: %s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("gensio: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same ErrorCode, so callers can
// write errors.Is(err, gensio.ErrNotSupported) without caring about Op or
// Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs an *Error for op/code, optionally wrapping cause.
func NewError(op string, code ErrorCode, cause error) *Error {
	return &Error{Code: code, Op: op, Cause: cause}
}

// Sentinel values for errors.Is comparisons against a bare code, with no
// Op/Cause attached. Components should prefer NewError(op, code, cause)
// when they have operation context to report.
var (
	ErrNoMemory        = &Error{Code: NoMemory}
	ErrNotReady        = &Error{Code: NotReady}
	ErrNotSupported    = &Error{Code: NotSupported}
	ErrInvalidArgument = &Error{Code: InvalidArgument}
	ErrInUse           = &Error{Code: InUse}
	ErrInProgress      = &Error{Code: InProgress}
	ErrTimedOut        = &Error{Code: TimedOut}
	ErrRemoteClosed    = &Error{Code: RemoteClosed}
	ErrCancelled       = &Error{Code: Cancelled}
)
