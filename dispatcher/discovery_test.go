// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatcher

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/gensio/osservices"
)

// fakeBackend plays the role of the external mDNS/DNS-SD library: its
// StartWatch/StartService calls just record state, and the test drives
// notify directly from a goroutine the way a real backend's own
// resolver thread would, exercising the dispatcher Context's FIFO
// ordering guarantee without any real network stack.
type fakeBackend struct {
	mu       sync.Mutex
	watches  map[int]func(DataState, Record)
	nextID   int
	stopped  map[int]bool
	services map[int]ServiceInfo
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		watches:  make(map[int]func(DataState, Record)),
		stopped:  make(map[int]bool),
		services: make(map[int]ServiceInfo),
	}
}

func (b *fakeBackend) StartWatch(sel Selector, notify func(DataState, Record)) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.watches[id] = notify
	return id, nil
}

func (b *fakeBackend) StopWatch(handle interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped[handle.(int)] = true
}

func (b *fakeBackend) StartService(info ServiceInfo) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.services[id] = info
	return id, nil
}

func (b *fakeBackend) StopService(handle interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, handle.(int))
}

// fire delivers an event for watch id as if the backend's own resolver
// thread produced it — called with no lock held by the test, matching
// a real callback's calling convention.
func (b *fakeBackend) fire(id int, state DataState, rec Record) {
	b.mu.Lock()
	notify := b.watches[id]
	b.mu.Unlock()
	if notify != nil {
		notify(state, rec)
	}
}

// TestDiscoveryWatchFIFOOrdering exercises §8 S5: three watch events
// (A, B, C) injected back-to-back from the backend's thread must be
// delivered to the user callback in that exact order, even though the
// dispatcher's drain runner is a separate goroutine.
func TestDiscoveryWatchFIFOOrdering(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)
	backend := newFakeBackend()
	client := NewClient(ctx, backend)

	var mu sync.Mutex
	var names []string
	done := make(chan struct{})

	w, err := client.AddWatch(Selector{Type: "_http._tcp"}, func(_ *Watch, state DataState, rec Record) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, rec.Name)
		if len(names) == 3 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	id := w.handle.(int)
	backend.fire(id, NewData, Record{Name: "A"})
	backend.fire(id, NewData, Record{Name: "B"})
	backend.fire(id, NewData, Record{Name: "C"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all three events delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 3 || names[0] != "A" || names[1] != "B" || names[2] != "C" {
		t.Fatalf("names = %v, want [A B C]", names)
	}
}

// TestDiscoveryAllForNow confirms the AllForNow marker (no single
// Record attached) threads through the same queue as ordinary results.
func TestDiscoveryAllForNow(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)
	backend := newFakeBackend()
	client := NewClient(ctx, backend)

	var mu sync.Mutex
	var states []DataState
	done := make(chan struct{})

	w, err := client.AddWatch(Selector{Type: "_http._tcp"}, func(_ *Watch, state DataState, _ Record) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
		if len(states) == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	id := w.handle.(int)
	backend.fire(id, NewData, Record{Name: "A"})
	backend.fire(id, AllForNow, Record{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != NewData || states[1] != AllForNow {
		t.Fatalf("states = %v, want [NewData AllForNow]", states)
	}
}

// TestDiscoveryRemoveWatchStopsBackend confirms RemoveWatch calls
// through to Backend.StopWatch and forgets the watch.
func TestDiscoveryRemoveWatchStopsBackend(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)
	backend := newFakeBackend()
	client := NewClient(ctx, backend)

	w, err := client.AddWatch(Selector{Type: "_http._tcp"}, func(*Watch, DataState, Record) {})
	if err != nil {
		t.Fatal(err)
	}
	client.RemoveWatch(w)

	backend.mu.Lock()
	stopped := backend.stopped[w.handle.(int)]
	backend.mu.Unlock()
	if !stopped {
		t.Fatal("backend.StopWatch was never called")
	}
}

// TestDiscoveryServiceLifecycle exercises AddService/RemoveService.
func TestDiscoveryServiceLifecycle(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)
	backend := newFakeBackend()
	client := NewClient(ctx, backend)

	s, err := client.AddService(ServiceInfo{Name: "printer", Type: "_ipp._tcp", Port: 631})
	if err != nil {
		t.Fatal(err)
	}

	backend.mu.Lock()
	_, ok := backend.services[s.handle.(int)]
	backend.mu.Unlock()
	if !ok {
		t.Fatal("backend never recorded the published service")
	}

	client.RemoveService(s)
	backend.mu.Lock()
	_, ok = backend.services[s.handle.(int)]
	backend.mu.Unlock()
	if ok {
		t.Fatal("backend still has the service after RemoveService")
	}
}

// TestDiscoveryClientFreeTearsDownWatchesAndServices exercises §4.4
// Teardown through the Client: freeing the underlying Context must stop
// every live watch and service exactly once.
func TestDiscoveryClientFreeTearsDownWatchesAndServices(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)
	backend := newFakeBackend()
	client := NewClient(ctx, backend)

	w, err := client.AddWatch(Selector{Type: "_http._tcp"}, func(*Watch, DataState, Record) {})
	if err != nil {
		t.Fatal(err)
	}
	s, err := client.AddService(ServiceInfo{Name: "printer", Type: "_ipp._tcp"})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	if err := ctx.Free(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never completed")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !backend.stopped[w.handle.(int)] {
		t.Fatal("watch was not stopped during teardown")
	}
	if _, ok := backend.services[s.handle.(int)]; ok {
		t.Fatal("service was not removed during teardown")
	}
}
