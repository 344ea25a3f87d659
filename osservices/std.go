// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package osservices

import (
	"sync/atomic"
	"time"

	"v.io/x/lib/nsync"
	"v.io/x/lib/vlog"
)

// Std is the one concrete Services implementation this module ships.
// It is deliberately thin: locks are v.io/x/lib/nsync.Mu/CV pairs,
// timers are time.AfterFunc wrappers, runners are idempotent-while-
// pending goroutine dispatches, and fd registration rides Go's runtime
// network poller (see fd_unix.go) rather than a hand-rolled epoll loop —
// the runtime poller *is* this module's "external event loop".
type Std struct{}

// New returns the reference Services implementation.
func New() *Std { return &Std{} }

func (*Std) NewLock() Lock { return &lock{} }

func (*Std) NewTimer(cb TimerCallback) Timer {
	return &timer{cb: cb, mu: &lock{}}
}

func (*Std) AllocRunner(fn RunnerFunc) Runner {
	return &runner{fn: fn}
}

func (*Std) Register(raw FDSource) (FD, error) {
	return newFD(raw)
}

func (*Std) Log() Log { return stdLog{} }

type stdLog struct{}

func (stdLog) Infof(format string, args ...interface{})  { vlog.Log.Infof(format, args...) }
func (stdLog) Errorf(format string, args ...interface{}) { vlog.Log.Errorf(format, args...) }

// lock pairs an nsync.Mu with an nsync.CV so Wait/Signal/Broadcast are
// available without a second synchronization primitive.
type lock struct {
	mu nsync.Mu
	cv nsync.CV
}

func (l *lock) Lock()   { l.mu.Lock() }
func (l *lock) Unlock() { l.mu.Unlock() }

func (l *lock) Wait(deadline time.Time) (timedOut bool) {
	outcome := l.cv.WaitWithDeadline(&l.mu, deadline, nil)
	// nsync reserves 0 for "woken" and non-zero for "timed out/cancelled";
	// see nsync/cv.go's WaitWithDeadline doc.
	return outcome != 0
}

func (l *lock) Signal()    { l.cv.Signal() }
func (l *lock) Broadcast() { l.cv.Broadcast() }

// timer wraps time.AfterFunc to provide the timed_out|stopping
// tri-state contract.
type timer struct {
	mu    Lock
	t     *time.Timer
	cb    TimerCallback
	fired atomic.Bool
}

func (t *timer) Start(d time.Duration, cb TimerCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.cb = cb
	t.fired.Store(false)
	t.t = time.AfterFunc(d, func() {
		t.fired.Store(true)
		cb()
	})
}

func (t *timer) StopWithDone() TimerResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return Stopping
	}
	if t.t.Stop() {
		// We stopped it before it could fire.
		return Stopping
	}
	// Already fired, or its callback is running/queued.
	return TimedOut
}

func (t *timer) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// runner is a one-shot dispatch that is idempotent while a prior arming
// is still pending (§3 "Callback queue entry... at most one instance of
// a given entry is enqueued at a time" generalizes directly to runners).
type runner struct {
	fn      RunnerFunc
	pending atomic.Bool
	freed   atomic.Bool
}

func (r *runner) Run() {
	if r.freed.Load() {
		return
	}
	if !r.pending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		// Clear pending before invoking fn, so a Run issued from inside
		// (or racing with the end of) fn re-arms the runner instead of
		// being dropped.
		r.pending.Store(false)
		if r.freed.Load() {
			return
		}
		r.fn()
	}()
}

func (r *runner) Free() {
	r.freed.Store(true)
}
