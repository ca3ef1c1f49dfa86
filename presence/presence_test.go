package presence

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHub_SelfFilter(t *testing.T) {
	hub := NewHub()

	var got []Position
	cancel, err := hub.Subscribe("c1", "alice", func(p Position) { got = append(got, p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	hub.Publish("c1", "alice", Position{X: 1, Y: 1})
	hub.Publish("c1", "bob", Position{X: 2, Y: 2, Username: "Bob"})

	if len(got) != 1 {
		t.Fatalf("received %d positions, want 1 (own message filtered)", len(got))
	}
	if got[0].UserID != "bob" || got[0].X != 2 || got[0].Username != "Bob" {
		t.Fatalf("position = %+v", got[0])
	}
}

func TestHub_SharedChannelFanout(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, self := range []string{"alice", "bob", "carol"} {
		self := self
		cancel, _ := hub.Subscribe("c1", self, func(Position) {
			mu.Lock()
			counts[self]++
			mu.Unlock()
		})
		defer cancel()
	}
	if hub.SubscriberCount("c1") != 3 {
		t.Fatalf("subscribers = %d, want 3", hub.SubscriberCount("c1"))
	}

	hub.Publish("c1", "alice", Position{X: 5})

	mu.Lock()
	defer mu.Unlock()
	if counts["alice"] != 0 {
		t.Fatal("publisher received its own message")
	}
	if counts["bob"] != 1 || counts["carol"] != 1 {
		t.Fatalf("fanout counts = %v", counts)
	}
}

func TestHub_CanvasIsolation(t *testing.T) {
	hub := NewHub()

	var got int
	cancel, _ := hub.Subscribe("c2", "bob", func(Position) { got++ })
	defer cancel()

	hub.Publish("c1", "alice", Position{X: 1})
	if got != 0 {
		t.Fatal("position leaked across canvases")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()

	var got int
	cancel, _ := hub.Subscribe("c1", "bob", func(Position) { got++ })
	cancel()
	cancel() // safe to call again

	hub.Publish("c1", "alice", Position{X: 1})
	if got != 0 {
		t.Fatal("cancelled subscriber still received a position")
	}
	if hub.SubscriberCount("c1") != 0 {
		t.Fatalf("subscribers = %d after cancel, want 0", hub.SubscriberCount("c1"))
	}
}

// echoPresenceServer upgrades and echoes every frame back to all connections
// of the same path, mimicking the dev server's presence hub.
func echoPresenceServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := map[string][]*websocket.Conn{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		key := r.URL.Path
		mu.Lock()
		conns[key] = append(conns[key], conn)
		mu.Unlock()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			for _, c := range conns[key] {
				c.WriteMessage(mt, data)
			}
			mu.Unlock()
		}
	}))
}

func TestWSBroadcaster_PublishReachesPeers(t *testing.T) {
	srv := echoPresenceServer(t)
	defer srv.Close()

	b := NewWSBroadcaster(srv.URL)
	defer b.Close()

	var mu sync.Mutex
	var got []Position
	cancel, err := b.Subscribe("c1", "bob", func(p Position) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := b.Publish("c1", "alice", Position{X: 7, Y: 8, Username: "Alice"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The echo of bob's own id must be filtered.
	if err := b.Publish("c1", "bob", Position{X: 1, Y: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for echoed position")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Allow a moment for the (filtered) self echo to arrive and be dropped.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("received %d positions, want 1", len(got))
	}
	if got[0].UserID != "alice" || got[0].X != 7 || got[0].Username != "Alice" {
		t.Fatalf("position = %+v", got[0])
	}
}
