// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package osservices defines the single external-collaborator contract
// that the core consumes (§6): locks, timers, one-shot runners, fd
// registration with read/write/except/cleared callbacks, and a logging
// sink. The core never reaches past this contract to the OS directly.
//
// Std, in std.go and fd_unix.go, is the one concrete implementation this
// module ships: it is not "a transport" (out of scope per spec.md §1)
// but the generic plumbing every fd-backed LL needs to exist at all.
package osservices

import "time"

// Lock is a mutual-exclusion lock, the unit every stream/context/context
// uses to serialize its own state transitions (§5 Lock discipline).
type Lock interface {
	Lock()
	Unlock()

	// Wait atomically unlocks, waits for Signal/Broadcast or the
	// deadline, and relocks before returning. Used by teardown paths
	// that must block the calling goroutine until a refcount drains
	// (§4.4 Teardown) without busy-polling.
	Wait(deadline time.Time) (timedOut bool)

	// Signal wakes one goroutine blocked in Wait.
	Signal()

	// Broadcast wakes every goroutine blocked in Wait.
	Broadcast()
}

// TimerCallback is invoked when an armed timer expires.
type TimerCallback func()

// Timer is a single-shot, restartable timer owned by the filter/base
// pairing that requested it (§4.2 START_TIMER, §5 "Timers requested by
// the filter are owned by the base").
type Timer interface {
	// Start arms the timer to fire cb once after d. Starting an
	// already-running timer reschedules it.
	Start(d time.Duration, cb TimerCallback)

	// StopWithDone stops the timer. It reports TimedOut if the timer had
	// already fired (or is firing concurrently) and Stopping otherwise,
	// matching the C contract's timed_out|stopping tri-state.
	StopWithDone() TimerResult

	// Free releases the timer. The timer must be stopped first.
	Free()
}

// TimerResult is the outcome of Timer.StopWithDone.
type TimerResult int

const (
	Stopping TimerResult = iota
	TimedOut
)

// RunnerFunc is the one-shot callback a Runner invokes.
type RunnerFunc func()

// Runner is a one-shot, idempotent-while-pending callback armable from
// this layer, used to shift work out of the current call stack so a
// component never calls back into its own lock while already holding it
// (§4.1 "Deferred operations", §5 Lock discipline #2).
type Runner interface {
	// Run arms the runner to invoke its callback on a later tick of the
	// event source. Calling Run while already armed is a no-op: the
	// runner fires at most once per arming.
	Run()

	// Free releases the runner.
	Free()
}

// RunnerNewer is implemented by anything whose AllocRunner allocates a
// Runner bound to fn, invoked by the Services' dispatch loop.
type RunnerNewer interface {
	AllocRunner(fn RunnerFunc) Runner
}

// ReadHandler is invoked when an fd becomes readable.
type ReadHandler func()

// WriteHandler is invoked when an fd becomes writable.
type WriteHandler func()

// ExceptHandler is invoked on an exceptional condition (OOB data, a
// socket error pending on the fd). Not every Services implementation
// can detect this condition; see fd.SetExceptEnable in fd_unix.go.
type ExceptHandler func()

// ClearedHandler is invoked once all of an fd's handlers have been
// cleared and it is therefore safe to close the fd (IN_CLOSE -> CLOSED,
// §4.1).
type ClearedHandler func()

// FD is a single fd's registration handle: the set of callbacks an
// FD-LL installs and the enable toggles it flips as its state machine
// progresses.
type FD interface {
	// SetHandlers installs the read/write/except callbacks. May be
	// called only once per FD lifetime (from CLOSED -> IN_OPEN).
	SetHandlers(read ReadHandler, write WriteHandler, except ExceptHandler)

	SetReadEnable(enable bool)
	SetWriteEnable(enable bool)
	SetExceptEnable(enable bool)

	// ClearHandlers uninstalls the read/write/except handlers and, once
	// the runtime has guaranteed none will fire again, invokes cleared.
	ClearHandlers(cleared ClearedHandler)

	// ClearHandlersNoReport uninstalls all handlers without waiting for
	// or invoking the cleared handler; used when the fd is being
	// abandoned without a clean IN_CLOSE sequence.
	ClearHandlersNoReport()

	// Write performs a direct scatter/gather write; the LL never
	// buffers writes on the user's behalf (§4.1 Write path).
	Write(sg [][]byte) (n int, err error)

	// Read performs a single read into buf.
	Read(buf []byte) (n int, err error)

	// RawFD returns the underlying descriptor number, or an error if
	// this FD has no native descriptor.
	RawFD() (int, error)

	// Close closes the underlying descriptor.
	Close() error
}

// Log is the process-wide logging sink the core emits to (Design Notes:
// "Global/process-wide logging... the core only emits to it"). The
// reference implementation forwards to v.io/x/lib/vlog's singleton
// logger.
type Log interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Services bundles everything the core consumes from its environment.
type Services interface {
	NewLock() Lock
	NewTimer(cb TimerCallback) Timer
	AllocRunner(fn RunnerFunc) Runner

	// Register wraps a raw OS file in an FD registration handle bound
	// to this Services' event source.
	Register(raw FDSource) (FD, error)

	Log() Log
}

// FDSource is the minimal surface Std needs from a caller-supplied file
// to register it for readiness callbacks: a descriptor Go's runtime
// poller already knows about (obtained from *os.File or a net.Conn via
// SyscallConn) plus the ability to perform the actual read/write/close
// syscalls. Concrete transports (out of scope per spec.md §1) supply
// this; the core never constructs one itself.
type FDSource interface {
	SyscallConn() (RawConn, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// RawConn mirrors the subset of syscall.RawConn that Std needs.
type RawConn interface {
	Read(f func(fd uintptr) (done bool)) error
	Write(f func(fd uintptr) (done bool)) error
	Control(f func(fd uintptr)) error
}
