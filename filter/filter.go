// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filter defines the byte-transforming middle-layer contract
// every filter implementation satisfies (§4.2). The base stream object
// (./base) drives any Filter uniformly; individual filter protocols
// (TLS, multiplexing, message delimiting) are out of scope for the core
// except for this contract and the one concrete filter this module
// ships, ./filter/msgdelim.
package filter

import "time"

// TriState is the outcome of TryConnect/TryDisconnect.
type TriState int

const (
	// OK: the operation completed.
	OK TriState = iota
	// InProgress: the base should keep pumping data through the filter,
	// driven by LL read/write-ready edges, and call again.
	InProgress
	// RetryWithTimer: the base should arm the filter's timer for the
	// duration written back into the timeout argument and call again
	// when it expires.
	RetryWithTimer
)

// Callback is the channel a filter uses to asynchronously tell the base
// it has output ready to push, or that it needs a timed wakeup (§4.2).
// A filter must be able to call these at any time, including from
// inside a call the base made into the filter; the base treats such a
// reentrant OutputReady as "re-derive enables when this call returns"
// (spec.md §9 Open Questions).
type Callback interface {
	OutputReady()
	StartTimer(d time.Duration)
}

// WriteHandler is invoked by UpperWrite/LowerWrite for bytes the filter
// has produced in the opposite direction: UpperWrite's handler is the
// base's LL-write path; LowerWrite's handler is the base's user-delivery
// (EventRead) path. Partial acceptance by handler is legal.
type WriteHandler func(p []byte) (n int, err error)

// Filter is the contract every filter implementation satisfies. Base
// calls every method unconditionally; filters that do not support a
// given operation return an error wrapping gensio.ErrNotSupported
// (callers use errors.Is to probe capabilities, mirroring the C
// function-table-with-null-entries pattern translated into always-
// present methods per Design Notes).
type Filter interface {
	// SetCallback records cb, the channel back to the base.
	SetCallback(cb Callback)

	// UpperReadPending reports whether calling UpperWrite with no new
	// data could immediately deliver bytes to the user.
	UpperReadPending() bool

	// LowerWritePending reports whether the filter has bytes to push
	// downward even without new upper input (handshake records,
	// keepalives).
	LowerWritePending() bool

	// LowerReadNeeded reports whether the filter cannot make upward
	// progress without more transport bytes, used to keep transport
	// read enabled during a handshake even if the user disabled read.
	LowerReadNeeded() bool

	// CheckOpenDone is the final gate at the end of a successful
	// TryConnect; returning an error aborts the open.
	CheckOpenDone() error

	// TryConnect drives (or continues driving) the filter's connect
	// handshake. timeout is read for the caller's current wait budget
	// and written with the filter's requested retry delay when the
	// return is RetryWithTimer.
	TryConnect(timeout *time.Duration) (TriState, error)

	// TryDisconnect is TryConnect's close-side counterpart.
	TryDisconnect(timeout *time.Duration) (TriState, error)

	// UpperWrite consumes user bytes from data, invoking handler for any
	// bytes this filter produces for the layer below. Returns the
	// number of bytes of data consumed (partial acceptance legal).
	UpperWrite(handler WriteHandler, data []byte, auxdata []string) (n int, err error)

	// LowerWrite accepts transport-delivered bytes, invoking handler for
	// any bytes produced upward. Returns the number of bytes of data
	// consumed (partial acceptance legal).
	LowerWrite(handler WriteHandler, data []byte, auxdata []string) (n int, err error)

	// Timeout fires when a filter-requested timer expires.
	Timeout()

	// Setup is called once, before the filter is driven, with the base
	// stream it is bound to (opaque to the filter beyond whatever
	// narrow interface it type-asserts for).
	Setup(stream interface{}) error

	// Cleanup is called once the stream has fully closed.
	Cleanup()

	// Free releases filter resources. Called after Cleanup.
	Free()

	// Control performs an opaque typed key/value introspection.
	Control(get bool, option int, inout []byte) ([]byte, error)
}

// ChannelOpener is an optional capability for filters that multiplex
// (e.g. a future mux filter), kept separate from Filter rather than
// requiring every Filter to implement a method it cannot support
// (Design Notes: "capability set" over a single do-everything vtable).
// Package base does not type-assert for it and does not forward
// sub-stream open requests.
type ChannelOpener interface {
	OpenChannel(params interface{}) (interface{}, error)
}
