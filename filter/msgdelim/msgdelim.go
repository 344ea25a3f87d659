// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package msgdelim implements a concrete, non-transparent filter
// (§4.2): a length-prefixed message delimiter, adapted from the teacher
// library's framer package (code.hybscloud.com/framer). The wire format
// is unchanged from the teacher (codec.go); what changes is the API
// shape, which here is the push-based upper_write/lower_write contract
// of SPEC_FULL.md §6 rather than the teacher's pull-based io.Reader/
// io.Writer, since a gensio filter is driven by the base stream object
// rather than read/written directly by an application.
package msgdelim

import (
	"errors"
	"time"

	"code.hybscloud.com/gensio"
	"code.hybscloud.com/gensio/filter"
	"code.hybscloud.com/iox"
)

// ErrTooLong reports that a message length exceeds the configured
// ReadLimit or the wire format's 2^56-1 ceiling.
var ErrTooLong = errors.New("msgdelim: message too long")

type readState uint8

const (
	readHeader readState = iota
	readPayload
)

// Filter is the length-prefixed message delimiter. It carries no
// handshake, so TryConnect/TryDisconnect complete immediately and
// Timeout is an intentional no-op (there is nothing to retry).
type Filter struct {
	opts Options
	cb   filter.Callback

	// --- read side (lower_write: transport bytes -> assembled messages) ---
	rState   readState
	rHeader  [8]byte
	rHdrGot  int
	rHdrNeed int // 0 until the first header byte has been seen
	rLength  int64
	rPayload []byte // accumulates the in-flight payload
	rGot     int64

	rPendingDeliver []byte // fully assembled message awaiting delivery
	rPendingOff     int

	// --- write side (upper_write: user payload -> framed bytes) ---
	wBuf      []byte // header+payload currently being flushed downward
	wLen      int
	wOff      int
	wFlushing bool
}

// New constructs a message-delimiter Filter.
func New(opts ...Option) *Filter {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	return &Filter{opts: o}
}

func (f *Filter) SetCallback(cb filter.Callback) { f.cb = cb }

func (f *Filter) UpperReadPending() bool { return f.rPendingDeliver != nil }

func (f *Filter) LowerWritePending() bool { return f.wFlushing && f.wOff < f.wLen }

// LowerReadNeeded is always false: msgdelim has no handshake state that
// must progress independent of the user's read intent, unlike a TLS or
// mux filter during negotiation.
func (f *Filter) LowerReadNeeded() bool { return false }

func (f *Filter) CheckOpenDone() error { return nil }

func (f *Filter) TryConnect(*time.Duration) (filter.TriState, error) {
	return filter.OK, nil
}

func (f *Filter) TryDisconnect(*time.Duration) (filter.TriState, error) {
	return filter.OK, nil
}

// Timeout is a no-op: msgdelim never calls StartTimer, so the base
// should never invoke this, but a harmless no-op is safer than a panic
// if some future caller wires it up incorrectly.
func (f *Filter) Timeout() {}

func (f *Filter) Setup(interface{}) error { return nil }
func (f *Filter) Cleanup()                {}
func (f *Filter) Free()                   {}

func (f *Filter) Control(bool, int, []byte) ([]byte, error) {
	return nil, gensio.ErrNotSupported
}

// UpperWrite encodes data as one length-prefixed frame and pushes it
// through handler, buffering whatever handler does not accept so later
// calls (with data == nil, a pure flush request) can finish the push —
// matching §4.3's write pump: "the filter records the remainder
// internally and the base enables LL write to re-try."
func (f *Filter) UpperWrite(handler filter.WriteHandler, data []byte, _ []string) (int, error) {
	if data == nil {
		// Pure flush: continue draining any buffered frame.
		if err := f.flush(handler); err != nil && !errors.Is(err, iox.ErrWouldBlock) {
			return 0, err
		}
		return 0, nil
	}

	if f.wFlushing {
		// A previous frame has not finished draining; the base must
		// retry once LowerWritePending() clears.
		return 0, nil
	}

	if int64(len(data)) > maxLen56Bits {
		return 0, gensio.NewError("upper_write", gensio.InvalidArgument, ErrTooLong)
	}
	if f.opts.ReadLimit > 0 && int64(len(data)) > f.opts.ReadLimit {
		return 0, gensio.NewError("upper_write", gensio.InvalidArgument, ErrTooLong)
	}

	hdrBuf := make([]byte, 8)
	hdrN := encodeHeader(hdrBuf, int64(len(data)), f.opts.ByteOrder)

	if cap(f.wBuf) < hdrN+len(data) {
		f.wBuf = make([]byte, hdrN+len(data))
	}
	f.wBuf = f.wBuf[:hdrN+len(data)]
	copy(f.wBuf, hdrBuf[:hdrN])
	copy(f.wBuf[hdrN:], data)
	f.wLen = hdrN + len(data)
	f.wOff = 0
	f.wFlushing = true

	if err := f.flush(handler); err != nil && !errors.Is(err, iox.ErrWouldBlock) {
		return 0, err
	}
	// The user's bytes are safely buffered (and possibly already fully
	// flushed); report the full count consumed regardless of downstream
	// progress, per §4.3.
	return len(data), nil
}

// flush drains wBuf through handler. A handler that accepts nothing
// right now is reported with the teacher's own non-blocking-first
// sentinel, iox.ErrWouldBlock, rather than bare success: the caller
// downgrades it to "wait for the next write-ready pump" (§4.3), the
// same distinction the teacher's framer draws between "done" and
// "would block" on a push.
func (f *Filter) flush(handler filter.WriteHandler) error {
	for f.wFlushing && f.wOff < f.wLen {
		n, err := handler(f.wBuf[f.wOff:f.wLen])
		f.wOff += n
		if err != nil {
			return err
		}
		if n == 0 {
			return iox.ErrWouldBlock
		}
	}
	if f.wOff >= f.wLen {
		f.wFlushing = false
		f.wOff, f.wLen = 0, 0
	}
	return nil
}

// LowerWrite feeds transport bytes through the header/payload parser,
// delivering each fully assembled message to handler. A message that
// handler only partially consumes is retained (rPendingDeliver) and
// retried on the next call before any further input is accepted (§8 S2
// backpressure).
func (f *Filter) LowerWrite(handler filter.WriteHandler, data []byte, _ []string) (int, error) {
	total := 0
	for {
		if f.rPendingDeliver != nil {
			n, err := handler(f.rPendingDeliver[f.rPendingOff:])
			f.rPendingOff += n
			if err != nil {
				return total, err
			}
			if f.rPendingOff < len(f.rPendingDeliver) {
				return total, nil
			}
			f.rPendingDeliver = nil
			f.rPendingOff = 0
		}

		if len(data) == 0 {
			return total, nil
		}

		n, msg, err := f.feed(data)
		total += n
		data = data[n:]
		if err != nil && !errors.Is(err, iox.ErrMore) {
			return total, err
		}
		if msg == nil {
			return total, nil
		}
		f.rPendingDeliver = msg
		f.rPendingOff = 0
	}
}

// feed consumes as much of data as needed to make parse progress,
// returning the fully assembled payload once a message completes (nil
// otherwise). A nil msg paired with iox.ErrMore means exactly what the
// teacher's framer means by that sentinel on a Read: the frame is not
// yet complete and the caller should come back with more input.
func (f *Filter) feed(data []byte) (consumed int, msg []byte, err error) {
	if f.rState == readHeader {
		for consumed < len(data) {
			if f.rHdrNeed == 0 {
				f.rHeader[0] = data[consumed]
				f.rHdrGot = 1
				consumed++
				f.rHdrNeed = headerTotalLen(f.rHeader[0])
				if f.rHdrNeed == f.rHdrGot {
					break
				}
				continue
			}
			need := f.rHdrNeed - f.rHdrGot
			take := len(data) - consumed
			if take > need {
				take = need
			}
			copy(f.rHeader[f.rHdrGot:], data[consumed:consumed+take])
			f.rHdrGot += take
			consumed += take
			if f.rHdrGot == f.rHdrNeed {
				break
			}
		}
		if f.rHdrNeed == 0 || f.rHdrGot < f.rHdrNeed {
			// Still waiting for more header bytes.
			return consumed, nil, iox.ErrMore
		}

		f.rLength = decodeLength(f.rHeader[:f.rHdrNeed], f.opts.ByteOrder)
		if f.rLength < 0 || f.rLength > maxLen56Bits {
			return consumed, nil, gensio.NewError("lower_write", gensio.InvalidArgument, ErrTooLong)
		}
		if f.opts.ReadLimit > 0 && f.rLength > f.opts.ReadLimit {
			return consumed, nil, gensio.NewError("lower_write", gensio.InvalidArgument, ErrTooLong)
		}
		if f.rLength == 0 {
			f.resetReadState()
			return consumed, []byte{}, nil
		}
		f.rPayload = make([]byte, f.rLength)
		f.rGot = 0
		f.rState = readPayload
	}

	// readPayload
	need := f.rLength - f.rGot
	take := int64(len(data) - consumed)
	if take > need {
		take = need
	}
	if take > 0 {
		copy(f.rPayload[f.rGot:], data[consumed:consumed+int(take)])
		f.rGot += take
		consumed += int(take)
	}
	if f.rGot < f.rLength {
		return consumed, nil, iox.ErrMore
	}
	out := f.rPayload
	f.resetReadState()
	return consumed, out, nil
}

func (f *Filter) resetReadState() {
	f.rState = readHeader
	f.rHdrGot = 0
	f.rHdrNeed = 0
	f.rLength = 0
	f.rGot = 0
	f.rPayload = nil
}
