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

func waitDeadline() time.Time { return time.Now().Add(2 * time.Second) }

// TestEnqueueDrainsAllItems exercises the enqueue/drain rule directly: a
// burst of distinct items enqueued from several goroutines (modeling
// several backend callback threads) must all be delivered. The
// goroutines race each other, so no delivery order is checked.
func TestEnqueueDrainsAllItems(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	const n = 20
	items := make([]*Item, n)
	for i := 0; i < n; i++ {
		i := i
		items[i] = &Item{Deliver: func() {
			mu.Lock()
			got = append(got, i)
			if len(got) == n {
				close(done)
			}
			mu.Unlock()
		}}
	}

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(it *Item) {
			defer wg.Done()
			ctx.Enqueue(it)
		}(it)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all items drained")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("got %d deliveries, want %d", len(got), n)
	}
}

// TestEnqueueDuringDeliveryRedelivers exercises the in_queue flag being
// cleared before delivery: re-enqueuing the same Item while its Deliver
// is still running queues it again, so it is delivered a second time.
func TestEnqueueDuringDeliveryRedelivers(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)

	var mu sync.Mutex
	count := 0
	release := make(chan struct{})
	first := make(chan struct{})

	it := &Item{}
	it.Deliver = func() {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		if c == 1 {
			close(first)
			<-release
		}
	}

	ctx.Enqueue(it)
	<-first
	// The item is mid-delivery (in_queue already cleared); re-enqueuing
	// now starts a second, independent delivery rather than coalescing —
	// coalescing only applies to an item still sitting in the FIFO.
	ctx.Enqueue(it)
	close(release)

	ctx.WaitIdle(waitDeadline())
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

// TestFreeDrainsQueuedWork exercises §4.4 Teardown: Free must let
// already-queued items drain and fire done exactly once, after the
// last reference (including the queued items' own) is gone.
func TestFreeDrainsQueuedWork(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)

	var mu sync.Mutex
	delivered := 0
	it := &Item{Deliver: func() {
		mu.Lock()
		delivered++
		mu.Unlock()
	}}
	ctx.Enqueue(it)

	done := make(chan struct{})
	if err := ctx.Free(func() { close(done) }); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	if err := ctx.Free(nil); err != ErrAlreadyFreed {
		t.Fatalf("second Free: got %v, want ErrAlreadyFreed", err)
	}
}

// TestFreeRunsTeardownHook confirms onTeardown fires under Free, before
// done, matching gensio_free_mdns's "remove every service/watch" step
// preceding its final deref.
func TestFreeRunsTeardownHook(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)

	var order []string
	ctx.SetTeardown(func() { order = append(order, "teardown") })

	done := make(chan struct{})
	if err := ctx.Free(func() {
		order = append(order, "done")
		close(done)
	}); err != nil {
		t.Fatal(err)
	}
	<-done

	if len(order) != 2 || order[0] != "teardown" || order[1] != "done" {
		t.Fatalf("order = %v, want [teardown done]", order)
	}
}

// TestEnqueueAfterFreeIsNoop confirms a backend callback racing in after
// Free does not resurrect the context or panic.
func TestEnqueueAfterFreeIsNoop(t *testing.T) {
	svc := osservices.New()
	ctx := New(svc)

	done := make(chan struct{})
	if err := ctx.Free(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done

	fired := false
	ctx.Enqueue(&Item{Deliver: func() { fired = true }})
	time.Sleep(20 * time.Millisecond)
	if fired {
		t.Fatal("item delivered after Free")
	}
}
