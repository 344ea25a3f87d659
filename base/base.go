// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package base implements the stream object driver (§4.3): the glue
// between a lower layer (package ll), a filter (package filter), and
// the user-facing gensio.Stream contract. It owns enable derivation,
// the open/close tri-state pump loop, and the read/write pumps.
package base

import (
	"errors"
	"time"

	"code.hybscloud.com/gensio"
	"code.hybscloud.com/gensio/filter"
	"code.hybscloud.com/gensio/filter/null"
	"code.hybscloud.com/gensio/ll"
	"code.hybscloud.com/gensio/osservices"
)

type state uint8

const (
	stateClosed state = iota
	stateInOpen
	stateOpen
	stateInClose
)

// errCancelledByClose is the defined cancellation error an in-flight
// open continuation receives when Close races it (§8 S3).
var errCancelledByClose = gensio.NewError("open", gensio.Cancelled, nil)

// Stream is the canonical base stream object (§4.3 Composition). A nil
// filt is equivalent to null.New(): a transparent passthrough over the
// LL.
type Stream struct {
	svc   osservices.Services
	ll    ll.LL
	filt  filter.Filter
	child gensio.Stream
	typ   string

	handler  gensio.EventHandler
	userdata interface{}

	mu    osservices.Lock
	st    state
	refs  int
	freed bool

	readEnable  bool
	writeEnable bool

	// pumping serializes all filter-driving activity (connect/disconnect
	// loop, read pump, write pump) to one goroutine at a time, the same
	// discipline fdll applies to in_read (§5 Lock discipline).
	pumping        bool
	pumpRedriveReq bool

	openDone       gensio.OpenDone
	closeDone      gensio.CloseDone
	llCloseStarted bool
	llOpened       bool

	filterTimer   osservices.Timer
	deferredRedrv osservices.Runner

	// serverMode, set by NewServer, routes every open completion
	// (success or failure) to the pre-registered serverDone instead of
	// the continuation supplied to Open (§4.3 "server mode").
	serverMode bool
	serverDone gensio.OpenDone
}

// Options configures a Stream at construction, following the package's
// functional-options idiom.
type Options struct {
	Child    gensio.Stream
	UserData interface{}
}

type Option func(*Options)

func WithChild(child gensio.Stream) Option { return func(o *Options) { o.Child = child } }
func WithUserData(u interface{}) Option    { return func(o *Options) { o.UserData = u } }

// New composes a base Stream from os-services, an LL, an optional
// filter (nil means transparent), a type tag, and the user's event
// callback (§4.3 Composition).
func New(svc osservices.Services, lowerLayer ll.LL, filt filter.Filter, typ string, handler gensio.EventHandler, opts ...Option) *Stream {
	o := Options{}
	for _, fn := range opts {
		fn(&o)
	}
	if filt == nil {
		filt = null.New()
	}
	s := &Stream{
		svc:      svc,
		ll:       lowerLayer,
		filt:     filt,
		child:    o.Child,
		typ:      typ,
		handler:  handler,
		userdata: o.UserData,
		mu:       svc.NewLock(),
		st:       stateClosed,
	}
	s.filterTimer = svc.NewTimer(s.onFilterTimer)
	s.deferredRedrv = svc.AllocRunner(s.onDeferredRedrive)
	s.ll.SetCallback(s)
	s.filt.SetCallback(s)
	if err := s.filt.Setup(s); err != nil {
		svc.Log().Errorf("base: filter setup: %v", err)
	}
	return s
}

// NewServer is New, additionally routing every open completion,
// successful or not, to serverDone; the continuation passed to Open is
// ignored (§4.3 "constructible in server mode").
func NewServer(svc osservices.Services, lowerLayer ll.LL, filt filter.Filter, typ string, handler gensio.EventHandler, serverDone gensio.OpenDone, opts ...Option) *Stream {
	s := New(svc, lowerLayer, filt, typ, handler, opts...)
	s.serverMode = true
	s.serverDone = serverDone
	return s
}

func (s *Stream) Type() string { return s.typ }

// --- Open/Close -------------------------------------------------------

func (s *Stream) Open(done gensio.OpenDone) error {
	s.mu.Lock()
	if s.st != stateClosed {
		s.mu.Unlock()
		return gensio.NewError("open", gensio.InUse, nil)
	}
	s.st = stateInOpen
	s.llCloseStarted = false
	s.llOpened = false
	if s.serverMode {
		s.openDone = s.serverDone
	} else {
		s.openDone = done
	}
	s.mu.Unlock()

	if err := s.ll.Open(s.onLLOpenDone); err != nil {
		s.failOpen(err)
		return nil
	}
	return nil
}

func (s *Stream) onLLOpenDone(err error) {
	if err != nil {
		s.failOpen(err)
		return
	}
	s.mu.Lock()
	s.llOpened = true
	s.mu.Unlock()
	s.driveConnect()
}

// driveConnect runs (or resumes) the try_connect tri-state loop (§4.3
// Open protocol steps 2-4), invoked from the initial LL-open completion,
// each subsequent LL read/write-ready edge, and the filter's timer.
func (s *Stream) driveConnect() {
	if !s.beginPump() {
		return
	}
	defer s.endPump()

	s.mu.Lock()
	if s.st != stateInOpen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var timeout time.Duration
	result, err := s.filt.TryConnect(&timeout)
	switch result {
	case filter.OK:
		if err == nil {
			err = s.filt.CheckOpenDone()
		}
		if err != nil {
			s.failOpen(err)
			return
		}
		s.completeOpen()
	case filter.InProgress:
		// Pump continues to be driven by LL read/write-ready edges: keep
		// the LL's read enabled so handshake bytes keep arriving, and its
		// write enabled whenever the filter has handshake output pending.
		s.ll.SetReadEnable(true)
		s.ll.SetWriteEnable(s.filt.LowerWritePending())
	case filter.RetryWithTimer:
		s.filterTimer.Start(timeout, s.onFilterTimer)
	}
}

func (s *Stream) onFilterTimer() {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st == stateInOpen {
		s.driveConnect()
		return
	}
	if st == stateInClose {
		s.driveDisconnect()
	}
}

func (s *Stream) completeOpen() {
	s.mu.Lock()
	if s.st != stateInOpen {
		s.mu.Unlock()
		return
	}
	s.st = stateOpen
	done := s.openDone
	s.openDone = nil
	s.mu.Unlock()

	s.deriveAndApplyEnables()
	if done != nil {
		done(s, nil)
	}
}

// failOpen reports a failed open and reverts to CLOSED. If the LL had
// already finished opening (the filter's own handshake is what failed),
// the underlying transport is still live and must be torn down here,
// fire-and-forget, since no close continuation was ever registered for
// it (§4.3 Open protocol: a failed filter handshake does not leave the
// LL's fd behind).
func (s *Stream) failOpen(err error) {
	s.mu.Lock()
	if s.st != stateInOpen {
		s.mu.Unlock()
		return
	}
	s.st = stateClosed
	done := s.openDone
	s.openDone = nil
	llOpened := s.llOpened
	s.llOpened = false
	s.mu.Unlock()
	if llOpened {
		_ = s.ll.Close(func() {})
	}
	if done != nil {
		done(s, gensio.NewError("open", gensio.InProgress, err))
	}
}

func (s *Stream) Close(done gensio.CloseDone) error {
	s.mu.Lock()
	switch s.st {
	case stateClosed:
		s.mu.Unlock()
		return gensio.NewError("close", gensio.NotReady, nil)
	case stateInClose:
		s.mu.Unlock()
		return gensio.NewError("close", gensio.InProgress, nil)
	case stateInOpen:
		openDone := s.openDone
		s.openDone = nil
		s.closeDone = done
		s.st = stateInClose
		s.mu.Unlock()
		// §8 S3: the in-flight open continuation fires first, with a
		// defined cancellation error, strictly before the close
		// continuation.
		if openDone != nil {
			openDone(s, errCancelledByClose)
		}
		s.driveDisconnect()
		return nil
	case stateOpen:
		s.st = stateInClose
		s.closeDone = done
		s.mu.Unlock()
		s.driveDisconnect()
		return nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Stream) driveDisconnect() {
	if !s.beginPump() {
		return
	}
	defer s.endPump()

	s.mu.Lock()
	if s.st != stateInClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var timeout time.Duration
	result, err := s.filt.TryDisconnect(&timeout)
	switch result {
	case filter.OK:
		if err != nil {
			s.svc.Log().Errorf("base: try_disconnect: %v", err)
		}
		s.finishClose()
	case filter.InProgress:
	case filter.RetryWithTimer:
		s.filterTimer.Start(timeout, s.onFilterTimer)
	}
}

// finishClose invokes ll.Close exactly once: try_disconnect's tri-state
// loop may re-invoke driveDisconnect (timer retry, a reentrant
// OutputReady) while the LL close from an earlier OK result is still in
// flight, and ll.LL.Close is not idempotent while already in progress.
func (s *Stream) finishClose() {
	s.mu.Lock()
	if s.llCloseStarted {
		s.mu.Unlock()
		return
	}
	s.llCloseStarted = true
	s.mu.Unlock()

	if err := s.ll.Close(s.completeClose); err != nil {
		s.completeClose()
	}
}

func (s *Stream) completeClose() {
	s.mu.Lock()
	s.st = stateClosed
	done := s.closeDone
	s.closeDone = nil
	s.mu.Unlock()
	s.filt.Cleanup()
	if done != nil {
		done(s)
	}
}

// --- Write (user-facing, scatter/gather) -------------------------------

func (s *Stream) Write(sg []gensio.SGBuf, auxdata gensio.AuxData) (int, error) {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return 0, gensio.NewError("write", gensio.NotReady, nil)
	}
	s.mu.Unlock()

	if !s.beginPump() {
		return 0, gensio.NewError("write", gensio.InUse, nil)
	}
	defer s.endPump()

	total := 0
	for _, buf := range sg {
		if len(buf) == 0 {
			continue
		}
		n, err := s.filt.UpperWrite(s.upperWriteHandler, buf, []string(auxdata))
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	s.deriveAndApplyEnables()
	return total, nil
}

// upperWriteHandler is the handler filt.UpperWrite invokes for bytes it
// produces for the layer below (§4.3 Write pump: "the base calls
// filter.upper_write with a handler that writes through LL.write").
func (s *Stream) upperWriteHandler(p []byte) (int, error) {
	n, err := s.ll.Write([][]byte{p})
	return n, err
}

// --- Read/write pumps, driven by the LL callback -----------------------

// ReadReady implements ll.Callback (§4.3 Read pump). data is raw
// transport bytes; the returned consumed count is forwarded to the LL's
// own cursor (fdll.drainBuffered), implementing §8 S2 backpressure
// end-to-end: a filter/user combination that only partially consumes
// data causes the remainder to be redelivered on the next call, with no
// further OS-level read in between.
func (s *Stream) ReadReady(data []byte, err error) int {
	if err != nil {
		s.deliverReadError(err)
		return 0
	}

	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st == stateInOpen {
		// Handshake bytes: feed the filter so it can make progress, then
		// re-check try_connect.
		if !s.beginPump() {
			return 0
		}
		n, _ := s.filt.LowerWrite(s.dropHandshakeBytes, data, nil)
		s.endPump()
		s.driveConnect()
		return n
	}
	if st != stateOpen {
		return 0
	}

	if !s.beginPump() {
		return 0
	}
	defer s.endPump()
	n, ferr := s.filt.LowerWrite(s.lowerWriteHandler, data, nil)
	if ferr != nil {
		s.svc.Log().Errorf("base: lower_write: %v", ferr)
	}
	s.deriveAndApplyEnables()
	return n
}

// dropHandshakeBytes discards any upward bytes a filter might produce
// while the handshake is still in progress (no user to deliver to yet).
func (s *Stream) dropHandshakeBytes(p []byte) (int, error) { return len(p), nil }

func (s *Stream) lowerWriteHandler(p []byte) (int, error) {
	return s.invokeUser(gensio.EventRead, nil, p, nil)
}

func (s *Stream) deliverReadError(err error) {
	s.invokeUser(gensio.EventRead, err, nil, nil)
}

// WriteReady implements ll.Callback (§4.3 Write pump, §8 S6): first lets
// the filter push any remaining buffered output (a partial write that
// didn't fully drain), and only once that settles does it fire the
// user's WriteReady event.
func (s *Stream) WriteReady() {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st == stateInOpen {
		s.driveConnect()
		return
	}
	if st != stateOpen {
		return
	}

	if !s.beginPump() {
		return
	}
	_, err := s.filt.UpperWrite(s.upperWriteHandler, nil, nil)
	stillPending := s.filt.LowerWritePending()
	s.endPump()
	if err != nil {
		s.svc.Log().Errorf("base: write-ready flush: %v", err)
	}
	s.deriveAndApplyEnables()
	if !stillPending {
		s.invokeUser(gensio.EventWriteReady, nil, nil, nil)
	}
}

func (s *Stream) ExceptReady() {}

// --- filter.Callback ----------------------------------------------------

// OutputReady implements filter.Callback: the filter has output ready
// to push independent of any upper input (handshake records,
// keepalives). May be called reentrantly from inside a call the base
// made into the filter; pumpRedriveReq defers the re-derivation until
// the active pump call returns (spec.md §9 Open Questions).
func (s *Stream) OutputReady() {
	s.mu.Lock()
	if s.pumping {
		s.pumpRedriveReq = true
		s.mu.Unlock()
		return
	}
	st := s.st
	s.mu.Unlock()

	switch st {
	case stateInOpen:
		s.driveConnect()
	case stateInClose:
		s.driveDisconnect()
	case stateOpen:
		s.deriveAndApplyEnables()
	}
}

func (s *Stream) StartTimer(d time.Duration) {
	s.filterTimer.Start(d, s.onFilterTimer)
}

// --- pump guard ---------------------------------------------------------

// beginPump enforces the single-active-pump discipline (§5 Lock
// discipline, generalizing fdll's in_read guard to base's three pump
// sites: connect/disconnect loop, read pump, write pump).
func (s *Stream) beginPump() bool {
	s.mu.Lock()
	if s.pumping {
		s.pumpRedriveReq = true
		s.mu.Unlock()
		return false
	}
	s.pumping = true
	s.mu.Unlock()
	return true
}

func (s *Stream) endPump() {
	s.mu.Lock()
	s.pumping = false
	redrive := s.pumpRedriveReq
	s.pumpRedriveReq = false
	s.mu.Unlock()
	if redrive {
		s.deferredRedrv.Run()
	}
}

func (s *Stream) onDeferredRedrive() {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	switch st {
	case stateInOpen:
		s.driveConnect()
	case stateInClose:
		s.driveDisconnect()
	case stateOpen:
		s.deriveAndApplyEnables()
	}
}

// invokeUser calls the user's event callback without the stream lock
// held, honoring invariant 1 (§8): "a stream's user callback is never
// invoked with any internal lock held." refs tracks in-flight user
// calls so Free can wait for them to drain.
func (s *Stream) invokeUser(event gensio.Event, err error, buf []byte, auxdata gensio.AuxData) (int, error) {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()

	n, herr := s.handler(s, event, err, buf, auxdata)

	s.mu.Lock()
	s.refs--
	if s.refs == 0 {
		s.mu.Broadcast()
	}
	s.mu.Unlock()
	return n, herr
}

// --- Enable derivation ---------------------------------------------------

// deriveAndApplyEnables recomputes the four booleans named in §4.3 and
// applies them. Upper read/write callback fireability only matters for
// filters/LLs that can deliver without a fresh OS edge (e.g. buffered
// filter output); this reference base relies on the edge-driven pumps
// above for that delivery, so here it focuses on the two LL-facing
// enables, which are the ones the LL contract (ll.LL) actually exposes.
//
// It reads filter state (LowerReadNeeded/LowerWritePending) and so is
// itself subject to the single-active-pump discipline: a caller that
// already holds the pump (Write, the read pump, driveConnect's OK
// branch) finds beginPump busy here and simply requests a redrive,
// which onDeferredRedrive re-issues once the active pump releases it —
// the same one-hop delay already inherent to a reentrant OutputReady.
func (s *Stream) deriveAndApplyEnables() {
	if !s.beginPump() {
		return
	}
	defer s.endPump()

	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return
	}
	userRead := s.readEnable
	userWrite := s.writeEnable
	s.mu.Unlock()

	lowerReadNeeded := s.filt.LowerReadNeeded()
	lowerWritePending := s.filt.LowerWritePending()

	s.ll.SetReadEnable(userRead || lowerReadNeeded)
	s.ll.SetWriteEnable(lowerWritePending || userWrite)
}

func (s *Stream) SetReadCallbackEnable(enable bool) {
	s.mu.Lock()
	s.readEnable = enable
	s.mu.Unlock()
	s.deriveAndApplyEnables()
}

func (s *Stream) SetWriteCallbackEnable(enable bool) {
	s.mu.Lock()
	s.writeEnable = enable
	s.mu.Unlock()
	s.deriveAndApplyEnables()
}

// --- Passthrough accessors ------------------------------------------------

func (s *Stream) Control(get bool, option int, inout []byte) ([]byte, error) {
	out, err := s.filt.Control(get, option, inout)
	if err == nil || !errors.Is(err, gensio.ErrNotSupported) {
		return out, err
	}
	return s.ll.Control(get, option, inout)
}

func (s *Stream) RemoteID() (int, error)           { return s.ll.RemoteID() }
func (s *Stream) RemoteAddr() ([]byte, error)       { return s.ll.RemoteAddr() }
func (s *Stream) RemoteAddrString() (string, error) { return s.ll.RemoteAddrString() }

// UserData returns the opaque value supplied via WithUserData.
func (s *Stream) UserData() interface{} { return s.userdata }

// Free releases the stream's resources (§4.3 Composition: child "is
// released exactly once, when this base is freed"). The stream must
// already be closed.
func (s *Stream) Free() {
	s.mu.Lock()
	for s.refs > 0 {
		s.mu.Wait(time.Now().Add(24 * time.Hour))
	}
	if s.freed {
		s.mu.Unlock()
		return
	}
	s.freed = true
	s.mu.Unlock()

	s.filterTimer.Free()
	s.deferredRedrv.Free()
	s.filt.Free()
	s.ll.Free()
	if s.child != nil {
		s.child.Free()
	}
}

var _ gensio.Stream = (*Stream)(nil)
var _ ll.Callback = (*Stream)(nil)
var _ filter.Callback = (*Stream)(nil)
