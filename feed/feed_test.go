package feed

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/slateboard/slate/element"
)

func testEvent(typ EventType, canvasID, elementID string) Event {
	return Event{
		Type:     typ,
		CanvasID: canvasID,
		Element: element.Element{
			ID:       elementID,
			CanvasID: canvasID,
			Kind:     element.KindRectangle,
		},
	}
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	a := r.Subscribe("canvas-1")
	b := r.Subscribe("canvas-1")
	if a != b {
		t.Fatal("duplicate Subscribe must return the existing subscription")
	}
	if hub.StreamCount("canvas-1") != 1 {
		t.Fatalf("stream count = %d, want 1", hub.StreamCount("canvas-1"))
	}
}

func TestRegistry_EventDelivery(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	sub := r.Subscribe("canvas-1")
	hub.Publish(testEvent(Added, "canvas-1", "e1"))

	ev := recvEvent(t, sub)
	if ev.Type != Added || ev.Element.ID != "e1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRegistry_UnsubscribeIdempotentAndResubscribe(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	sub := r.Subscribe("canvas-1")
	sub.Unsubscribe()
	sub.Unsubscribe() // safe to call again

	// The channel closes once the transport stream tears down.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after unsubscribe")
	}

	// Reconnection is just Subscribe again; it opens a fresh feed.
	again := r.Subscribe("canvas-1")
	if again == sub {
		t.Fatal("Subscribe after Unsubscribe returned the dead subscription")
	}
	hub.Publish(testEvent(Updated, "canvas-1", "e2"))
	ev := recvEvent(t, again)
	if ev.Element.ID != "e2" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRegistry_DegradedSubscriptionOnSetupFailure(t *testing.T) {
	hub := NewMemoryHub()
	hub.FailSetup(true)
	r := NewRegistry(hub)
	defer r.Close()

	sub := r.Subscribe("canvas-1")
	if !sub.Degraded() {
		t.Fatal("expected degraded subscription")
	}
	if sub.Err() == nil {
		t.Fatal("degraded subscription should expose its setup error")
	}
	// Channel is closed: consumers see an ended stream, not a hang.
	if _, ok := <-sub.Events(); ok {
		t.Fatal("degraded subscription emitted an event")
	}
	sub.Unsubscribe() // must not panic
	sub.Unsubscribe()

	// The degraded subscription is not cached; recovery retries setup.
	hub.FailSetup(false)
	healthy := r.Subscribe("canvas-1")
	if healthy.Degraded() {
		t.Fatal("Subscribe after transport recovery still degraded")
	}
}

func TestRegistry_CanvasIsolation(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	one := r.Subscribe("canvas-1")
	two := r.Subscribe("canvas-2")

	hub.Publish(testEvent(Added, "canvas-2", "e9"))

	ev := recvEvent(t, two)
	if ev.Element.ID != "e9" {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-one.Events():
		t.Fatalf("canvas-1 received canvas-2's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_OnConnectFires(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	var fired atomic.Int32
	r.OnConnect(func(canvasID string) {
		if canvasID != "canvas-1" {
			t.Errorf("canvasID = %q", canvasID)
		}
		fired.Add(1)
	})

	sub := r.Subscribe("canvas-1")
	if fired.Load() != 1 {
		t.Fatalf("OnConnect fired %d times, want 1", fired.Load())
	}

	// Idempotent subscribe: no second connection, no second callback.
	r.Subscribe("canvas-1")
	if fired.Load() != 1 {
		t.Fatalf("OnConnect fired %d times after duplicate subscribe", fired.Load())
	}

	// Re-subscribing after a drop is a new connection.
	sub.Unsubscribe()
	r.Subscribe("canvas-1")
	if fired.Load() != 2 {
		t.Fatalf("OnConnect fired %d times after resubscribe, want 2", fired.Load())
	}
}

func TestRegistry_OnConnectRemove(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)
	defer r.Close()

	var removed, kept atomic.Int32
	off := r.OnConnect(func(string) { removed.Add(1) })
	r.OnConnect(func(string) { kept.Add(1) })

	off()
	off() // removing twice is safe

	r.Subscribe("canvas-1")
	if removed.Load() != 0 {
		t.Fatalf("removed callback fired %d times, want 0", removed.Load())
	}
	if kept.Load() != 1 {
		t.Fatalf("remaining callback fired %d times, want 1", kept.Load())
	}
}

func TestRegistry_CloseTearsDownAll(t *testing.T) {
	hub := NewMemoryHub()
	r := NewRegistry(hub)

	r.Subscribe("canvas-1")
	r.Subscribe("canvas-2")
	r.Close()

	deadline := time.After(2 * time.Second)
	for hub.StreamCount("canvas-1")+hub.StreamCount("canvas-2") > 0 {
		select {
		case <-deadline:
			t.Fatal("streams not torn down after Close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
