// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatcher's discovery.go is the representative external-
// library binding named in spec.md §6: a service-discovery (mDNS/
// DNS-SD) client. The external library itself is modeled as Backend,
// grounded on the teacher library's lib/avahi_watcher.c and
// lib/gensio_mdns.c: AddService/RemoveService publish records, AddWatch/
// RemoveWatch subscribe to a (interface, ip-domain, name, type, domain)
// selector, and watch events arrive as one of NewData/DataGone/
// AllForNow, exactly the three cases gensio_mdns.c's mdns_runner drain
// loop branches on.
package dispatcher

import (
	"errors"
	"sync"
)

// DataState distinguishes the three watch-callback shapes
// gensio_mdns.c's mdns_runner drains: a fresh or refreshed record, a
// now-stale one, or the "no more results from this round" marker.
type DataState int

const (
	NewData DataState = iota
	DataGone
	AllForNow
)

func (s DataState) String() string {
	switch s {
	case NewData:
		return "new_data"
	case DataGone:
		return "data_gone"
	case AllForNow:
		return "all_for_now"
	default:
		return "unknown"
	}
}

// Record is one resolved discovery result, the Go-side equivalent of
// gensio_mdns.c's struct gensio_mdns_watch_data.
type Record struct {
	Interface string
	IPDomain  string
	Name      string
	Type      string
	Domain    string
	Host      string
	Addr      string
	Port      int
	Txt       []string
}

// WatchCallback is invoked for every event a Watch delivers. state ==
// AllForNow carries a zero Record (no single result to report, matching
// gensio_mdns.c's call with interface=0, name/type/domain=NULL).
type WatchCallback func(w *Watch, state DataState, rec Record)

// Backend models the external discovery library (e.g. an Avahi client):
// the concrete calls a Watch/Service issue to ask that library to start
// or stop resolving/publishing, and the raw notification hook that
// library uses to tell this package an event occurred. A production
// binding implements this against the real library's client API; tests
// use fakeBackend.
type Backend interface {
	// StartWatch begins resolving matches for the selector and returns
	// an opaque per-watch handle the backend will pass back to
	// StopWatch. notify is called by the backend's own thread/callback
	// whenever it has an event ready — it must be safe to call from any
	// goroutine, since that is exactly the untrusted caller context
	// §4.4 exists to serialize.
	StartWatch(sel Selector, notify func(DataState, Record)) (handle interface{}, err error)
	StopWatch(handle interface{})

	StartService(svc ServiceInfo) (handle interface{}, err error)
	StopService(handle interface{})
}

// Selector names what a Watch is looking for, the Go-side equivalent of
// gensio_mdns_add_watch's (interface, ipdomain, name, type, domain)
// parameter list.
type Selector struct {
	Interface string
	IPDomain  string
	Name      string
	Type      string
	Domain    string
}

// ServiceInfo is what AddService publishes.
type ServiceInfo struct {
	Interface string
	IPDomain  string
	Name      string
	Type      string
	Domain    string
	Host      string
	Port      int
	Txt       []string
}

// ErrClosed is the error value for a discovery client that has been
// freed. No Client method returns it: AddWatch and AddService do not
// check whether the Client's Context has been freed.
var ErrClosed = errors.New("dispatcher: discovery client closed")

// Client owns one dispatcher Context plus the set of live watches and
// services registered against a Backend; it is the Go-side equivalent
// of gensio_mdns.c's struct gensio_mdns.
type Client struct {
	ctx     *Context
	backend Backend

	mu       sync.Mutex // guards the maps below; distinct from ctx's lock
	watches  map[*Watch]struct{}
	services map[*Service]struct{}
}

// NewClient constructs a Client bound to backend on top of ctx, and
// registers the Client's teardown as ctx's teardown hook.
func NewClient(ctx *Context, backend Backend) *Client {
	c := &Client{
		ctx:      ctx,
		backend:  backend,
		watches:  make(map[*Watch]struct{}),
		services: make(map[*Service]struct{}),
	}
	ctx.SetTeardown(c.teardown)
	return c
}

// Watch is one active subscription; it owns the Item the dispatcher
// Context drains and the small ring of pending events a fast backend
// can pile up before the runner gets a chance to drain them.
type Watch struct {
	client *Client
	sel    Selector
	cb     WatchCallback
	handle interface{}

	item    Item
	mu      sync.Mutex
	pending []pendingEvent
	removed bool
}

type pendingEvent struct {
	state DataState
	rec   Record
}

// Service is one published record; gensio_mdns.c frees these
// synchronously (no callback queue involved) so, unlike Watch, it
// carries no Item of its own — removal just calls through to the
// backend.
type Service struct {
	client *Client
	info   ServiceInfo
	handle interface{}
}

// AddWatch starts watching sel, delivering events to cb through the
// Client's dispatcher Context (so cb always runs on the drain runner,
// never on the backend's own thread). This is the direct analogue of
// gensio_mdns_add_watch.
func (c *Client) AddWatch(sel Selector, cb WatchCallback) (*Watch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &Watch{client: c, sel: sel, cb: cb}
	w.item.Owner = w
	w.item.Deliver = w.deliver

	handle, err := c.backend.StartWatch(sel, func(state DataState, rec Record) {
		w.push(state, rec)
	})
	if err != nil {
		return nil, err
	}
	w.handle = handle
	c.watches[w] = struct{}{}
	return w, nil
}

// push is the backend's notify callback: it runs on whatever thread the
// external library uses, so it only ever appends to the pending ring
// and enqueues the Item — exactly enqueue_callback's role in
// gensio_mdns.c, with the per-event payload taking the place of
// gensio_mdns.c's single struct gensio_mdns_callback per watch (a real
// mDNS backend can deliver several records before the runner drains
// the first one, so this ring, unlike the C original's one-shot
// struct, must support more than one outstanding event per watch).
func (w *Watch) push(state DataState, rec Record) {
	w.mu.Lock()
	w.pending = append(w.pending, pendingEvent{state: state, rec: rec})
	w.mu.Unlock()
	w.client.ctx.Enqueue(&w.item)
}

// deliver runs on the drain runner with the dispatcher Context's lock
// released, firing cb for every event that accumulated since the last
// drain, in arrival order — §8 S5's FIFO-ordering guarantee.
func (w *Watch) deliver() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	removed := w.removed
	w.mu.Unlock()

	for _, ev := range events {
		w.cb(w, ev.state, ev.rec)
	}
	if removed {
		w.cb(w, AllForNow, Record{})
	}
}

// RemoveWatch stops sel's subscription. Any events already enqueued are
// still delivered (gensio_mdns.c's drain loop does not discard a
// callback already in flight merely because the watch is going away);
// the backend handle is released immediately, matching
// i_gensio_mdns_remove_watch's synchronous free.
func (c *Client) RemoveWatch(w *Watch) {
	c.mu.Lock()
	if _, ok := c.watches[w]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.watches, w)
	c.mu.Unlock()

	c.backend.StopWatch(w.handle)
}

// AddService publishes info, the direct analogue of
// gensio_mdns_add_service.
func (c *Client) AddService(info ServiceInfo) (*Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, err := c.backend.StartService(info)
	if err != nil {
		return nil, err
	}
	s := &Service{client: c, info: info, handle: handle}
	c.services[s] = struct{}{}
	return s, nil
}

// RemoveService un-publishes svc.
func (c *Client) RemoveService(svc *Service) {
	c.mu.Lock()
	if _, ok := c.services[svc]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.services, svc)
	c.mu.Unlock()

	c.backend.StopService(svc.handle)
}

// teardown is the dispatcher Context's onTeardown hook (§4.4 Teardown):
// it runs with the Context's lock held, so it only marks watches/
// services as gone and stops the backend; it must not block on the
// drain runner, which may itself be waiting to acquire that same lock.
func (c *Client) teardown() {
	c.mu.Lock()
	watches := make([]*Watch, 0, len(c.watches))
	for w := range c.watches {
		watches = append(watches, w)
	}
	services := make([]*Service, 0, len(c.services))
	for s := range c.services {
		services = append(services, s)
	}
	c.watches = make(map[*Watch]struct{})
	c.services = make(map[*Service]struct{})
	c.mu.Unlock()

	for _, w := range watches {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
		c.backend.StopWatch(w.handle)
	}
	for _, s := range services {
		c.backend.StopService(s.handle)
	}
}
