// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fdll

import "code.hybscloud.com/gensio/osservices"

// ClosePhase distinguishes the two points at which Hooks.CheckClose may
// be consulted (§4.1: "optionally notify the per-FD check_close(START)"
// then "optionally poll check_close(DONE) on a timer").
type ClosePhase int

const (
	CloseStart ClosePhase = iota
	CloseDone
)

// Hooks are the pluggable per-fd callbacks named in spec.md §4.1: every
// field is optional and the FD-LL falls back to the generic
// osservices-driven behavior when a hook is nil. A concrete transport
// (out of scope for this module beyond this contract) supplies the
// hooks it needs — e.g. a TCP dialer supplies SubOpen/CheckOpen for
// non-blocking connect, a UDP "connection" supplies GetRaddr, etc.
type Hooks struct {
	// SubOpen attempts to establish the underlying fd. src, if non-nil,
	// replaces the FD-LL's descriptor and is registered for read/write
	// readiness both on immediate success and while in progress (an
	// in-progress non-blocking connect still needs its fd registered to
	// await the completing edge); on done=true with a non-nil err it is
	// closed instead of registered. done=true means the outcome (err) is
	// already final; done=false means the base should await a
	// write/except edge and then call CheckOpen.
	SubOpen func() (src osservices.FDSource, done bool, err error)

	// RetryOpen is consulted when CheckOpen reports failure. It returns
	// a new fd source to retry against, or an error to give up.
	RetryOpen func() (osservices.FDSource, error)

	// CheckOpen is polled on every write/except edge while IN_OPEN,
	// until it reports true (success) or a RetryOpen cycle is exhausted.
	CheckOpen func() (ok bool, err error)

	// ReadReady, if set, replaces the default osservices.FD.Read call:
	// it performs its own read into buf (e.g. recvfrom with a peer
	// address side-channel) and returns the same (n, err) shape.
	ReadReady func(buf []byte) (n int, err error)

	// WriteReady, if set, is consulted before forwarding a write-ready
	// edge to the owner callback; returning true means the hook fully
	// handled the edge and the owner callback should not also fire.
	WriteReady func() (handled bool)

	// ExceptReady, if set, is consulted the same way as WriteReady.
	ExceptReady func() (handled bool)

	// CheckClose is polled at CloseStart (result ignored, purely
	// informational) and then at CloseDone until it reports done=true.
	CheckClose func(phase ClosePhase) (done bool, err error)

	// Write, if set, replaces the default osservices.FD.Write call.
	Write func(sg [][]byte) (n int, err error)

	RaddrToStr func() (string, error)
	GetRaddr   func() ([]byte, error)
	RemoteID   func() (int, error)
	Control    func(get bool, option int, inout []byte) ([]byte, error)
	Free       func()
}
