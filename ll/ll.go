// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ll defines the lower-layer contract (§3, §4.1): a source/sink
// of bytes with its own open/close state machine, read buffering, write
// passthrough, and callback enablement. The canonical implementation,
// fd-backed, lives in ./fdll. Concrete transports beyond the generic
// fd-backed LL are out of scope for this module (spec.md §1).
package ll

// Callback is the set of hooks an LL invokes into its owner (the base
// stream object, §4.3). ReadReady delivers a slice of the LL's internal
// read buffer (or a terminal err with data == nil) and returns how many
// bytes the owner consumed, so the LL can advance its cursor and
// implement §8 S2 backpressure without copying. WriteReady signals the
// LL can accept more writes. ExceptReady forwards an exceptional
// condition when the underlying Services can detect one (Std never
// calls it; see osservices.FD.SetExceptEnable).
type Callback interface {
	ReadReady(data []byte, err error) (consumed int)
	WriteReady()
	ExceptReady()
}

// OpenDone and CloseDone are the LL's own open/close continuations,
// separate from the Stream-level ones in package gensio: the base
// composes these into the user-facing continuations once the filter's
// try_connect/try_disconnect has also run (§4.3 Open/Close protocol).
type OpenDone func(err error)
type CloseDone func()

// LL is the lower-layer contract every lower layer satisfies,
// polymorphic over this capability set (Design Notes: "express each
// component as a capability set ... and implement the generic accessor
// helpers as method calls").
type LL interface {
	// SetCallback records cb. Must be called before Open.
	SetCallback(cb Callback)

	// Open begins the open sequence. done fires once, synchronously on
	// immediate success/failure or later from a readiness callback.
	Open(done OpenDone) error

	// Close begins the close sequence. done fires exactly once. Calling
	// Close while CLOSED returns an error (gensio.ErrNotReady), and
	// calling it while a close is already in progress returns an
	// InProgress error; in both cases that call's done is never invoked.
	Close(done CloseDone) error

	// Write performs a direct scatter/gather write; the LL never buffers
	// writes on the user's behalf (§4.1 Write path).
	Write(sg [][]byte) (n int, err error)

	// SetReadEnable/SetWriteEnable record the owner's enable intent;
	// actual OS-level enablement may be deferred (§4.1 OPEN state,
	// "Enable intents from the user are written to the OS immediately
	// unless in_read is set or there is buffered data").
	SetReadEnable(enable bool)
	SetWriteEnable(enable bool)

	// RemoteID returns a transport-specific integer identifying the
	// remote endpoint.
	RemoteID() (int, error)

	// RemoteAddr/RemoteAddrString expose the raw and stringified remote
	// address.
	RemoteAddr() ([]byte, error)
	RemoteAddrString() (string, error)

	// Control performs an opaque typed key/value introspection.
	Control(get bool, option int, inout []byte) ([]byte, error)

	// Disable forcibly abandons the LL without a clean close sequence
	// (used when the owner is torn down after a fatal, unrecoverable
	// error rather than a graceful close).
	Disable()

	// Free releases LL resources. The LL must already be closed (or
	// disabled).
	Free()
}
