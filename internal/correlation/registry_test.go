package correlation

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type scan struct {
	UserID string
}

func TestDeliverReachesRegisteredWaiter(t *testing.T) {
	r := NewRegistry[scan]()
	ch := r.Register("scene-1")

	if !r.Deliver("scene-1", scan{UserID: "open-id-9"}) {
		t.Fatal("delivery to a registered key reported no waiter")
	}

	select {
	case got := <-ch:
		if got.UserID != "open-id-9" {
			t.Fatalf("received %+v, want UserID open-id-9", got)
		}
	case <-time.After(time.Second):
		t.Fatal("delivered value never arrived on the waiter channel")
	}
}

func TestDeliverWithoutWaiterReportsFalse(t *testing.T) {
	r := NewRegistry[scan]()

	if r.Deliver("scene-unknown", scan{UserID: "u"}) {
		t.Fatal("delivery with no registered waiter reported success")
	}
}

func TestDeliverAfterDeregisterReportsFalse(t *testing.T) {
	r := NewRegistry[scan]()
	ch := r.Register("scene-1")
	r.Deregister("scene-1")

	if r.Deliver("scene-1", scan{UserID: "u"}) {
		t.Fatal("delivery to a deregistered key reported success")
	}
	select {
	case v := <-ch:
		t.Fatalf("deregistered waiter received %+v", v)
	default:
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := NewRegistry[scan]()
	r.Register("scene-1")

	r.Deregister("scene-1")
	r.Deregister("scene-1")
	r.Deregister("scene-1")

	if got := r.Len(); got != 0 {
		t.Fatalf("registry holds %d waiters after deregistration, want 0", got)
	}

	ch := r.Register("scene-1")
	if !r.Deliver("scene-1", scan{UserID: "again"}) {
		t.Fatal("re-registration after repeated deregister did not take")
	}
	if got := <-ch; got.UserID != "again" {
		t.Fatalf("received %+v after re-registration", got)
	}
}

func TestConcurrentDeliveriesHaveOneWinner(t *testing.T) {
	r := NewRegistry[scan]()
	ch := r.Register("scene-1")

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make(map[string]bool)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i)
			if r.Deliver("scene-1", scan{UserID: id}) {
				mu.Lock()
				winners[id] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning delivery, got %d", len(winners))
	}

	got := <-ch
	if !winners[got.UserID] {
		t.Fatalf("waiter received %q which was not the winning delivery", got.UserID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("waiter received a second value %+v", extra)
	default:
	}
}

func TestSecondSequentialDeliveryIsDropped(t *testing.T) {
	r := NewRegistry[scan]()
	ch := r.Register("scene-1")

	if !r.Deliver("scene-1", scan{UserID: "first"}) {
		t.Fatal("first delivery failed")
	}
	if r.Deliver("scene-1", scan{UserID: "second"}) {
		t.Fatal("second delivery for an already-delivered key reported success")
	}

	if got := <-ch; got.UserID != "first" {
		t.Fatalf("waiter received %q, want first", got.UserID)
	}
}

func TestRegisterReplacesStaleWaiter(t *testing.T) {
	r := NewRegistry[scan]()
	stale := r.Register("scene-1")
	fresh := r.Register("scene-1")

	if !r.Deliver("scene-1", scan{UserID: "u"}) {
		t.Fatal("delivery after re-registration failed")
	}

	select {
	case <-stale:
		t.Fatal("replaced waiter received the delivery")
	default:
	}
	select {
	case got := <-fresh:
		if got.UserID != "u" {
			t.Fatalf("fresh waiter received %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh waiter never received the delivery")
	}
}

func TestDeliverDoesNotBlockWithoutConsumer(t *testing.T) {
	r := NewRegistry[scan]()
	r.Register("scene-1")

	done := make(chan struct{})
	go func() {
		r.Deliver("scene-1", scan{UserID: "u"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked even though the waiter channel is buffered")
	}
}
