// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatcher implements the generic callback dispatcher (§4.4):
// a context that serializes asynchronous events an external library
// delivers on its own call stack into one FIFO, drained by a single
// runner under the context's own lock, so user code is never invoked
// with that external library's lock held. Grounded on the teacher
// library's gensio_mdns.c, whose enqueue_callback/mdns_runner pair is
// the direct model for Context.Enqueue/the runner loop below.
package dispatcher

import (
	"time"

	"code.hybscloud.com/gensio/osservices"
)

// Item is one pending callback: a back-reference to whatever owns it
// (a watch, a service) plus the already-queued flag the enqueue rule
// tests before appending. Concrete dispatchers embed Item in their own
// per-event-source record (see discovery.go's Watch, which holds one in
// its item field).
type Item struct {
	inQueue bool
	next    *Item

	// Deliver is invoked by the drain loop with the context's lock
	// released. Removed is carried for the owner's own use: the drain
	// loop does not read it, and no hook runs for a removed item, so
	// freeing the owner is left to Deliver (discovery.go's Watch marks
	// removal with its own flag instead).
	Deliver func()
	Removed bool
	Owner   interface{}
}

// Options configures a Context at construction.
type Options struct {
	// QueueDepth is advisory: a Context never refuses an enqueue (the
	// external library cannot be told to slow down), but a dispatcher
	// built on top of this one can use it to size its own backlog
	// warnings. Zero means unbounded.
	QueueDepth int
}

type Option func(*Options)

// WithQueueDepth sets Options.QueueDepth.
func WithQueueDepth(n int) Option { return func(o *Options) { o.QueueDepth = n } }

var defaultOptions = Options{}

// DoneFunc is invoked once a freed Context has fully drained.
type DoneFunc func()

// Context is the generic callback dispatcher (§4.4 Structure): an
// external-library poll binding's lock, a one-shot runner, a FIFO of
// pending callback Items, a reference count, and a freed flag.
type Context struct {
	svc    osservices.Services
	opts   Options
	mu     osservices.Lock
	runner osservices.Runner

	head, tail    *Item
	runnerPending bool
	refcount      int
	freed         bool
	doneFn        DoneFunc

	// onTeardown is invoked once, with the lock held, when Free is
	// called, before Free drops the constructor's reference: concrete
	// dispatchers (discovery.Client) use it to stop their own watches/
	// services (§4.4 Teardown). Items already in the queue are not
	// cancelled; they still drain and are delivered.
	onTeardown func()
}

// New constructs a Context bound to svc.
func New(svc osservices.Services, opts ...Option) *Context {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	c := &Context{svc: svc, opts: o, mu: svc.NewLock(), refcount: 1}
	c.runner = svc.AllocRunner(c.drain)
	return c
}

// ref takes a reference. Must be called with c.mu held.
func (c *Context) ref() { c.refcount++ }

// deref drops a reference, running final cleanup once it reaches zero.
// Must be called with c.mu held; it releases and reacquires the lock
// around the final-cleanup call so Free's caller never blocks with the
// lock held.
func (c *Context) deref() {
	if c.refcount <= 0 {
		panic("dispatcher: refcount underflow")
	}
	c.refcount--
	if c.refcount > 0 {
		return
	}
	done := c.doneFn
	c.mu.Unlock()
	if done != nil {
		done()
	}
	c.mu.Lock()
}

// Enqueue implements §4.4's enqueue rule: an event handler from the
// external library calls this (the context lock is acquired here, not
// by the caller, since the caller is running on the external library's
// own call stack and must not already hold anything this package
// knows about). Appending an item already in the queue is a no-op; the
// first append takes a reference, and arming the runner (if not already
// pending) takes a second one, exactly mirroring enqueue_callback's two
// separate gensio_mdns_ref calls.
func (c *Context) Enqueue(it *Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return
	}
	if !it.inQueue {
		it.inQueue = true
		it.next = nil
		if c.tail != nil {
			c.tail.next = it
		} else {
			c.head = it
		}
		c.tail = it
		c.ref()
	}
	if !c.runnerPending {
		c.runnerPending = true
		c.ref()
		c.runner.Run()
	}
}

// drain is the runner callback implementing §4.4's drain rule: pop the
// FIFO head, clear in-queue, release the lock, invoke the item's
// payload, and re-acquire the lock, until the queue empties.
func (c *Context) drain() {
	c.mu.Lock()
	for c.head != nil {
		it := c.head
		c.head = it.next
		if c.head == nil {
			c.tail = nil
		}
		it.next = nil
		it.inQueue = false
		c.deref()

		deliver := it.Deliver
		c.mu.Unlock()
		if deliver != nil {
			deliver()
		}
		c.mu.Lock()
	}
	c.runnerPending = false
	c.deref()
	c.mu.Broadcast()
	c.mu.Unlock()
}

// Free marks the context freed and begins teardown (§4.4 Teardown):
// onTeardown runs under the lock to cancel/remove whatever the concrete
// dispatcher owns, then the reference count is left to drain naturally
// (the in-flight drain loop, if any, will run it down; if nothing is
// in flight, the final deref below fires done synchronously). done is
// invoked exactly once, after every reference — including every
// already-queued item — has drained.
func (c *Context) Free(done DoneFunc) error {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return ErrAlreadyFreed
	}
	c.freed = true
	c.doneFn = done
	if c.onTeardown != nil {
		c.onTeardown()
	}
	c.deref()
	c.mu.Unlock()
	return nil
}

// SetTeardown records the hook Free invokes under the lock. Must be
// called before the context is shared with any enqueuing goroutine.
func (c *Context) SetTeardown(fn func()) { c.onTeardown = fn }

// Lock exposes the context's lock so a concrete dispatcher can
// serialize its own bookkeeping under the same domain the drain loop
// uses. discovery.go's Client does not call it: it guards its watch/
// service maps with a separate mutex of its own.
func (c *Context) Lock()   { c.mu.Lock() }
func (c *Context) Unlock() { c.mu.Unlock() }

// Ref/Deref let a concrete dispatcher hold the context open across an
// operation that spans multiple lock acquisitions (e.g. a watch whose
// removal must survive until its own pending queue entries drain).
// Both must be called with the lock held.
func (c *Context) Ref()   { c.ref() }
func (c *Context) Deref() { c.deref() }

// WaitIdle blocks until the drain queue is empty and no runner is
// pending, or until deadline; used by tests that need to observe a
// fully-drained state without polling.
func (c *Context) WaitIdle(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.head != nil || c.runnerPending {
		if c.mu.Wait(deadline) {
			return
		}
	}
}

// ErrAlreadyFreed is returned by Free on a context already freed.
var ErrAlreadyFreed = errAlreadyFreed{}

type errAlreadyFreed struct{}

func (errAlreadyFreed) Error() string { return "dispatcher: context already freed" }
