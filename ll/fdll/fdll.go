// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fdll implements FDLL, the canonical fd-backed lower layer
// (§4.1): a four-state lifecycle over a file descriptor, a fixed-size
// read buffer drained through the owner's callback with backpressure,
// direct passthrough writes, and a deferred-op runner that keeps the
// owner's lock from ever being held across a re-entrant OS-enable call.
package fdll

import (
	"code.hybscloud.com/gensio"
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

// FDLL is the canonical fd-backed LL.
type FDLL struct {
	svc   osservices.Services
	hooks Hooks
	opts  Options

	mu osservices.Lock
	st state

	src osservices.FDSource
	fd  osservices.FD
	cb  ll.Callback

	readEnable  bool
	writeEnable bool

	buf    []byte
	bufPos int
	bufLen int
	inRead bool

	closeTimer     osservices.Timer
	deferredRunner osservices.Runner
	deferReadUp    bool

	openDone  ll.OpenDone
	closeDone ll.CloseDone
}

// New constructs an FDLL bound to svc. src may be nil if hooks.SubOpen
// will obtain the descriptor during Open (e.g. a non-blocking dialer);
// otherwise src is the already-open descriptor this FDLL wraps (e.g.
// one half of an os.Pipe(), or an accepted connection).
func New(svc osservices.Services, src osservices.FDSource, hooks Hooks, opts ...Option) *FDLL {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	f := &FDLL{
		svc:   svc,
		hooks: hooks,
		opts:  o,
		src:   src,
		mu:    svc.NewLock(),
		buf:   make([]byte, o.ReadBufferSize),
		st:    stateClosed,
	}
	f.deferredRunner = svc.AllocRunner(f.runDeferred)
	f.closeTimer = svc.NewTimer(f.pollCheckClose)
	return f
}

func (f *FDLL) SetCallback(cb ll.Callback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

// Open implements ll.LL. See §4.1 "CLOSED -> IN_OPEN".
func (f *FDLL) Open(done ll.OpenDone) error {
	f.mu.Lock()
	if f.st != stateClosed {
		f.mu.Unlock()
		return gensio.NewError("open", gensio.InUse, nil)
	}
	if f.src == nil && f.hooks.SubOpen == nil {
		f.mu.Unlock()
		return gensio.NewError("open", gensio.NotSupported, nil)
	}
	f.st = stateInOpen
	f.openDone = done
	f.mu.Unlock()

	if f.hooks.SubOpen == nil {
		// No handshake: src is already an established fd (e.g. one half
		// of an os.Pipe(), or an accepted connection). Register it and
		// complete immediately.
		f.registerForSteadyState()
		f.completeOpen()
		return nil
	}

	src, done0, err := f.hooks.SubOpen()
	if src != nil {
		f.mu.Lock()
		f.src = src
		f.mu.Unlock()
	}
	if done0 {
		if err != nil {
			f.finishOpen(err)
			return nil
		}
		f.registerForSteadyState()
		f.completeOpen()
		return nil
	}

	// A non-blocking connect is in progress: register and await the
	// completing write/except edge (§4.1 "arm write-and-except").
	if err := f.registerAndArmForConnect(); err != nil {
		f.finishOpen(err)
	}
	return nil
}

func (f *FDLL) registerAndArmForConnect() error {
	f.mu.Lock()
	src := f.src
	f.mu.Unlock()
	fd, err := f.svc.Register(src)
	if err != nil {
		return gensio.NewError("open", gensio.NoMemory, err)
	}
	fd.SetHandlers(f.onReadReady, f.onWriteReady, f.onExceptReady)
	f.mu.Lock()
	f.fd = fd
	f.mu.Unlock()
	fd.SetWriteEnable(true)
	fd.SetExceptEnable(true)
	return nil
}

func (f *FDLL) registerForSteadyState() {
	f.mu.Lock()
	src := f.src
	already := f.fd != nil
	st := f.st
	f.mu.Unlock()
	if already || src == nil || st != stateInOpen {
		// Already registered, or a racing Close has torn the fd down.
		return
	}
	fd, err := f.svc.Register(src)
	if err != nil {
		// Can't register; leave fd nil, Write/SetReadEnable will fail
		// with a clear error instead of panicking.
		return
	}
	fd.SetHandlers(f.onReadReady, f.onWriteReady, f.onExceptReady)
	f.mu.Lock()
	f.fd = fd
	f.mu.Unlock()
}

// checkOpenEdge is invoked on every write/except edge while IN_OPEN
// (§4.1 "on any readiness edge, invoke check_open").
func (f *FDLL) checkOpenEdge() {
	f.mu.Lock()
	if f.st != stateInOpen {
		f.mu.Unlock()
		return
	}
	check := f.hooks.CheckOpen
	f.mu.Unlock()

	var ok bool
	var err error
	if check != nil {
		ok, err = check()
	} else {
		ok = true
	}
	if ok {
		f.completeOpen()
		return
	}

	f.mu.Lock()
	retry := f.hooks.RetryOpen
	fd := f.fd
	f.mu.Unlock()
	if retry == nil {
		f.finishOpen(err)
		return
	}

	if fd != nil {
		fd.ClearHandlersNoReport()
	}
	if src := f.currentSrc(); src != nil {
		_ = src.Close()
	}
	newSrc, rerr := retry()
	if rerr != nil {
		f.finishOpen(rerr)
		return
	}
	f.mu.Lock()
	f.src = newSrc
	f.fd = nil
	f.mu.Unlock()
	if rerr := f.registerAndArmForConnect(); rerr != nil {
		f.finishOpen(rerr)
	}
}

func (f *FDLL) currentSrc() osservices.FDSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

// completeOpen transitions IN_OPEN -> OPEN and replays the user's
// enable intents (§4.1: "transition to OPEN and replay the user's
// read/write enable intents to the OS"). A Close racing in while the
// open hooks are still in flight (§8 S3) already moved the state to
// IN_CLOSE and fired the open continuation itself, so this is a no-op
// in that case.
func (f *FDLL) completeOpen() {
	f.mu.Lock()
	if f.st != stateInOpen {
		f.mu.Unlock()
		return
	}
	f.st = stateOpen
	done := f.openDone
	f.openDone = nil
	fd := f.fd
	wantWrite := f.writeEnable
	f.mu.Unlock()
	f.recomputeEnables()
	if fd != nil {
		fd.SetWriteEnable(wantWrite)
	}
	if done != nil {
		done(nil)
	}
}

// finishOpen reports a failed open and reverts to CLOSED. Like
// completeOpen, it defers to a Close that has already raced in and
// moved the state to IN_CLOSE (§8 S3): that Close owns the teardown
// and already fired the open continuation itself.
func (f *FDLL) finishOpen(err error) {
	f.mu.Lock()
	if f.st != stateInOpen {
		f.mu.Unlock()
		return
	}
	f.st = stateClosed
	done := f.openDone
	f.openDone = nil
	fd := f.fd
	src := f.src
	f.fd, f.src = nil, nil
	f.mu.Unlock()
	if fd != nil {
		fd.ClearHandlersNoReport()
	}
	if src != nil {
		_ = src.Close()
	}
	if done != nil {
		done(gensio.NewError("open", gensio.InProgress, err))
	}
}

// Close implements ll.LL. See §4.1 "OPEN/IN_OPEN -> IN_CLOSE" and §8 S3.
func (f *FDLL) Close(done ll.CloseDone) error {
	f.mu.Lock()
	switch f.st {
	case stateClosed:
		f.mu.Unlock()
		return gensio.NewError("close", gensio.NotReady, nil)
	case stateInClose:
		f.mu.Unlock()
		return gensio.NewError("close", gensio.InProgress, nil)
	case stateInOpen:
		openDone := f.openDone
		f.openDone = nil
		f.closeDone = done
		f.st = stateInClose
		f.mu.Unlock()
		// §5 ordering guarantee: the in-flight open continuation fires
		// before the close continuation (§8 S3).
		if openDone != nil {
			openDone(errOpenCancelled)
		}
		f.beginClose()
		return nil
	case stateOpen:
		f.st = stateInClose
		f.closeDone = done
		f.mu.Unlock()
		f.beginClose()
		return nil
	}
	f.mu.Unlock()
	return nil
}

var errOpenCancelled = gensio.NewError("open", gensio.Cancelled, nil)

func (f *FDLL) beginClose() {
	f.mu.Lock()
	checkClose := f.hooks.CheckClose
	fd := f.fd
	f.mu.Unlock()

	if checkClose != nil {
		_, _ = checkClose(CloseStart)
	}
	if fd == nil {
		f.onHandlersCleared()
		return
	}
	fd.ClearHandlers(f.onHandlersCleared)
}

func (f *FDLL) onHandlersCleared() {
	f.pollCheckClose()
}

func (f *FDLL) pollCheckClose() {
	f.mu.Lock()
	checkClose := f.hooks.CheckClose
	f.mu.Unlock()
	if checkClose == nil {
		f.finishClose(nil)
		return
	}
	done, err := checkClose(CloseDone)
	if done {
		f.finishClose(err)
		return
	}
	f.mu.Lock()
	interval := f.opts.ClosePollInterval
	f.mu.Unlock()
	f.closeTimer.Start(interval, f.pollCheckClose)
}

func (f *FDLL) finishClose(err error) {
	f.mu.Lock()
	src := f.src
	f.st = stateClosed
	f.src, f.fd = nil, nil
	done := f.closeDone
	f.closeDone = nil
	f.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
	if err != nil {
		f.logf("close: check_close error: %v", err)
	}
	if done != nil {
		done()
	}
}

func (f *FDLL) logf(format string, args ...interface{}) {
	if l := f.svc.Log(); l != nil {
		l.Infof(format, args...)
	}
}

// Write implements ll.LL (§4.1 Write path: never buffers on the user's
// behalf).
func (f *FDLL) Write(sg [][]byte) (int, error) {
	f.mu.Lock()
	if f.st != stateOpen {
		f.mu.Unlock()
		return 0, gensio.NewError("write", gensio.NotReady, nil)
	}
	fd := f.fd
	hook := f.hooks.Write
	f.mu.Unlock()
	if hook != nil {
		return hook(sg)
	}
	if fd == nil {
		return 0, gensio.NewError("write", gensio.NotReady, nil)
	}
	return fd.Write(sg)
}

func (f *FDLL) SetReadEnable(enable bool) {
	f.mu.Lock()
	if f.opts.WriteOnly {
		f.mu.Unlock()
		return
	}
	f.readEnable = enable
	f.mu.Unlock()
	f.recomputeEnables()
}

func (f *FDLL) SetWriteEnable(enable bool) {
	f.mu.Lock()
	f.writeEnable = enable
	fd := f.fd
	st := f.st
	f.mu.Unlock()
	if st == stateOpen && fd != nil {
		fd.SetWriteEnable(enable)
	}
}

// recomputeEnables re-derives OS-level read enable from the user's
// intent, deferring through the runner whenever in_read is set or
// buffered data remains undelivered (§4.1 OPEN state).
func (f *FDLL) recomputeEnables() {
	f.mu.Lock()
	if f.st != stateOpen {
		f.mu.Unlock()
		return
	}
	hasBuffered := f.bufPos < f.bufLen
	defer_ := f.inRead || hasBuffered
	want := f.readEnable
	fd := f.fd
	f.mu.Unlock()
	if fd == nil {
		return
	}
	if defer_ {
		f.scheduleDeferredRead()
		return
	}
	fd.SetReadEnable(want)
}

func (f *FDLL) scheduleDeferredRead() {
	f.mu.Lock()
	f.deferReadUp = true
	f.mu.Unlock()
	f.deferredRunner.Run()
}

// runDeferred is the one-shot runner callback (§4.1 "Deferred
// operations"): it re-delivers already-buffered bytes and/or finishes a
// close that raced with an in-flight deferred op, then recomputes OS
// enables if still OPEN.
func (f *FDLL) runDeferred() {
	f.mu.Lock()
	deferRead := f.deferReadUp
	f.deferReadUp = false
	st := f.st
	f.mu.Unlock()

	if deferRead && st == stateOpen {
		f.drainBuffered()
		f.recomputeEnables()
	}
}

// onReadReady is the fd read-ready edge (§4.1 Read path).
func (f *FDLL) onReadReady() {
	f.mu.Lock()
	if f.st == stateInOpen {
		f.mu.Unlock()
		f.checkOpenEdge()
		return
	}
	if f.st != stateOpen {
		f.mu.Unlock()
		return
	}
	if f.inRead {
		f.mu.Unlock()
		return
	}
	f.inRead = true
	fd := f.fd
	hook := f.hooks.ReadReady
	f.mu.Unlock()

	fd.SetReadEnable(false)
	fd.SetExceptEnable(false)

	var n int
	var err error
	if hook != nil {
		n, err = hook(f.buf)
	} else {
		n, err = fd.Read(f.buf)
	}

	f.mu.Lock()
	f.bufPos, f.bufLen = 0, n
	f.mu.Unlock()

	f.drainBuffered()
	if err != nil {
		f.deliverReadError(err)
	}

	f.mu.Lock()
	f.inRead = false
	f.mu.Unlock()
	f.recomputeEnables()
}

// drainBuffered delivers buf[bufPos:bufLen] to the owner callback in a
// loop, honoring whatever consumed count it returns (§4.1, §8 S2).
func (f *FDLL) drainBuffered() {
	for {
		f.mu.Lock()
		if f.bufPos >= f.bufLen {
			f.mu.Unlock()
			return
		}
		data := f.buf[f.bufPos:f.bufLen]
		cb := f.cb
		wantRead := f.readEnable
		f.mu.Unlock()
		if cb == nil || !wantRead {
			return
		}

		consumed := cb.ReadReady(data, nil)
		f.mu.Lock()
		if consumed > 0 {
			f.bufPos += consumed
		}
		f.mu.Unlock()
		if consumed == 0 {
			return
		}
	}
}

func (f *FDLL) deliverReadError(err error) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb.ReadReady(nil, err)
	}
}

func (f *FDLL) onWriteReady() {
	f.mu.Lock()
	st := f.st
	hook := f.hooks.WriteReady
	f.mu.Unlock()
	if st == stateInOpen {
		f.checkOpenEdge()
		return
	}
	if st != stateOpen {
		return
	}
	if hook != nil {
		if handled := hook(); handled {
			return
		}
	}
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb.WriteReady()
	}
}

func (f *FDLL) onExceptReady() {
	f.mu.Lock()
	st := f.st
	hook := f.hooks.ExceptReady
	f.mu.Unlock()
	if st == stateInOpen {
		f.checkOpenEdge()
		return
	}
	if st != stateOpen {
		return
	}
	if hook != nil {
		if handled := hook(); handled {
			return
		}
	}
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb.ExceptReady()
	}
}

func (f *FDLL) RemoteID() (int, error) {
	if f.hooks.RemoteID != nil {
		return f.hooks.RemoteID()
	}
	if fd := f.fdForQuery(); fd != nil {
		return fd.RawFD()
	}
	return 0, gensio.ErrNotSupported
}

func (f *FDLL) RemoteAddr() ([]byte, error) {
	if f.hooks.GetRaddr != nil {
		return f.hooks.GetRaddr()
	}
	return nil, gensio.ErrNotSupported
}

func (f *FDLL) RemoteAddrString() (string, error) {
	if f.hooks.RaddrToStr != nil {
		return f.hooks.RaddrToStr()
	}
	return "", gensio.ErrNotSupported
}

func (f *FDLL) Control(get bool, option int, inout []byte) ([]byte, error) {
	if f.hooks.Control != nil {
		return f.hooks.Control(get, option, inout)
	}
	return nil, gensio.ErrNotSupported
}

func (f *FDLL) fdForQuery() osservices.FD {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd
}

// Disable forcibly abandons the fd without the clean IN_CLOSE sequence,
// used after an unrecoverable error.
func (f *FDLL) Disable() {
	f.mu.Lock()
	fd := f.fd
	src := f.src
	f.fd, f.src = nil, nil
	f.st = stateClosed
	f.mu.Unlock()
	if fd != nil {
		fd.ClearHandlersNoReport()
	}
	if src != nil {
		_ = src.Close()
	}
}

func (f *FDLL) Free() {
	f.closeTimer.Free()
	f.deferredRunner.Free()
	if f.hooks.Free != nil {
		f.hooks.Free()
	}
}

var _ ll.LL = (*FDLL)(nil)
