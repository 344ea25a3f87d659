// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gensio defines the uniform stream-object contract that every
// layered endpoint in this module satisfies: open, close, read, write,
// flow control, out-of-band signalling, and control operations,
// regardless of what lower layer and filter are stacked underneath.
//
// The package itself only holds the user-facing contract (this file) and
// the closed error taxonomy (errors.go). The machinery that builds a
// Stream out of a lower layer and a filter lives in ./base; the lower
// layer contract and its canonical fd-backed implementation live in
// ./ll and ./ll/fdll; the filter contract and the concrete message
// delimiter filter live in ./filter and ./filter/msgdelim.
package gensio

// Event identifies what a Stream's user callback is being invoked for.
// READ and WriteReady are defined by this package; filters may forward
// additional, filter-specific event codes through the same callback
// (e.g. a mux filter's channel-accept notification), which is why Event
// is left open (not a closed enum) unlike ErrorCode.
type Event int

const (
	// EventRead delivers bytes produced by the filter's lower_write (or,
	// for a transparent stream, bytes read directly off the LL).
	EventRead Event = iota + 1

	// EventWriteReady signals that a previously backpressured write can
	// be retried, or that the stream is newly able to accept writes.
	EventWriteReady
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "read"
	case EventWriteReady:
		return "write-ready"
	default:
		return "event"
	}
}

// OOBTag is the auxdata tag recognized by the core as marking
// out-of-band bytes (§4.3, §6).
const OOBTag = "oob"

// AuxData is the tag vector attached to read and write events. A nil or
// empty AuxData carries no out-of-band marker.
type AuxData []string

// HasOOB reports whether a carries the out-of-band tag.
func (a AuxData) HasOOB() bool {
	for _, tag := range a {
		if tag == OOBTag {
			return true
		}
	}
	return false
}

// SGBuf is one buffer of a scatter/gather write.
type SGBuf = []byte

// EventHandler is the user event callback signature (§6):
// (stream, event, err, buf, auxdata) -> bytes consumed.
//
// For EventRead, buf holds the delivered bytes and the return value is
// the number of bytes the user consumed (backpressure: the Stream
// retains buf[n:] and redelivers it on the next drain). For
// EventWriteReady and filter-forwarded events, buf and auxdata may be
// nil and the return value is ignored.
type EventHandler func(s Stream, event Event, err error, buf []byte, auxdata AuxData) (n int, handlerErr error)

// OpenDone is the open completion continuation. err is nil on success;
// otherwise it is a *Error describing why the open failed or was
// cancelled (e.g. by a race with Close, §8 S3).
type OpenDone func(s Stream, err error)

// CloseDone is the close completion continuation, called exactly once
// per successful Close, after any in-flight OpenDone has already fired
// (§5 ordering guarantees).
type CloseDone func(s Stream)

// Stream is the uniform contract every layered endpoint exposes,
// regardless of what lower layer and filter it stacks (§6).
type Stream interface {
	// Open begins the open sequence. done is invoked exactly once with
	// the outcome, either before Open returns (when every layer
	// completes or fails immediately) or later from an event-loop
	// callback. Open is valid only from
	// the closed state; calling it otherwise returns a *Error{Code:
	// InUse} synchronously and done is not invoked.
	Open(done OpenDone) error

	// Close begins the close sequence. Idempotent from any non-closed
	// state (including mid-open, which cancels the open — §8 S3). done
	// is invoked exactly once.
	Close(done CloseDone) error

	// Write offers sg for writing and returns the number of bytes the
	// filter/LL pair accepted in this call; partial acceptance is legal
	// and is not an error (§4.3 write pump). auxdata may carry the
	// OOBTag to mark out-of-band bytes.
	Write(sg []SGBuf, auxdata AuxData) (n int, err error)

	// SetReadCallbackEnable toggles the user's read intent. This is an
	// intent, not a command: actual OS-level read enablement is derived
	// from this flag together with filter readiness (§3, §4.3).
	SetReadCallbackEnable(enable bool)

	// SetWriteCallbackEnable toggles the user's write intent, with the
	// same intent-vs-derived-enable semantics as SetReadCallbackEnable.
	SetWriteCallbackEnable(enable bool)

	// Control performs an opaque typed key/value introspection or
	// mutation. get selects direction; option identifies the key.
	// Returns *Error{Code: NotSupported} when the option is not
	// recognized by any component in the stack, letting callers probe
	// capabilities (§7).
	Control(get bool, option int, inout []byte) ([]byte, error)

	// RemoteID returns a transport-specific integer identifying the
	// remote endpoint (e.g. a file descriptor number), or an error if
	// the LL does not expose one.
	RemoteID() (int, error)

	// RemoteAddr returns the raw remote address, or an error if the LL
	// does not expose one.
	RemoteAddr() ([]byte, error)

	// RemoteAddrString returns a human-readable remote address.
	RemoteAddrString() (string, error)

	// Type returns the stream's type tag, set at construction.
	Type() string

	// Free releases the stream's resources. The stream must already be
	// closed; Free does not implicitly close.
	Free()
}
