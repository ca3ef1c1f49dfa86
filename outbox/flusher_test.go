package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slateboard/slate/backend"
	"github.com/slateboard/slate/element"
)

// scriptedClient is a backend.Client whose persist behaviour is scripted per
// test: fail the first N persists, optionally drop read-backs, and assign
// authoritative ids to temp elements.
type scriptedClient struct {
	mu            sync.Mutex
	failPersists  int
	dropReadBacks bool
	persistCalls  int
	stored        map[string]element.Element
	nextID        string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{stored: make(map[string]element.Element)}
}

func (c *scriptedClient) PersistElement(ctx context.Context, el element.Element) (element.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistCalls++
	if c.failPersists > 0 {
		c.failPersists--
		return element.Element{}, &backend.TransientError{Op: "persist", Cause: errors.New("scripted failure")}
	}
	stored := el
	if strings.HasPrefix(el.ID, "temp_") && c.nextID != "" {
		stored.ID = c.nextID
	}
	if !c.dropReadBacks {
		c.stored[stored.ID] = stored
	}
	return stored, nil
}

func (c *scriptedClient) DeleteElement(ctx context.Context, canvasID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stored, id)
	return nil
}

func (c *scriptedClient) FetchElement(ctx context.Context, canvasID, id string) (element.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.stored[id]
	if !ok {
		return element.Element{}, &backend.NotFoundError{CanvasID: canvasID, ID: id}
	}
	return el, nil
}

func (c *scriptedClient) CreateCanvas(ctx context.Context, title string) (backend.Canvas, error) {
	return backend.Canvas{ID: "c1", Title: title}, nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistCalls
}

func TestFlusher_FlushConfirmsAndAcks(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, newFakeClock())
	client := newScriptedClient()

	ob.Enqueue(ctx, testElement("c1", "e1"))
	ob.Enqueue(ctx, testElement("c1", "e2"))

	f := NewFlusher(ob, client, "c1")
	n, err := f.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("flushed = %d, want 2", n)
	}
	if pending, _ := ob.Pending(ctx, "c1"); len(pending) != 0 {
		t.Fatalf("pending after flush = %d entries", len(pending))
	}
}

func TestFlusher_PersistFailureKeepsEntryQueued(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ob := newTestOutbox(t, clock)
	client := newScriptedClient()
	client.failPersists = 2

	ob.Enqueue(ctx, testElement("c1", "e1"))
	f := NewFlusher(ob, client, "c1")

	// First two passes fail; each records an attempt and backs the entry off.
	for i := 0; i < 2; i++ {
		n, err := f.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if n != 0 {
			t.Fatalf("pass %d flushed %d, want 0", i, n)
		}
		clock.Advance(time.Minute)
	}

	// Third pass succeeds and drains the queue.
	n, err := f.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed = %d, want 1", n)
	}
	if client.calls() != 3 {
		t.Fatalf("persist calls = %d, want 3", client.calls())
	}
}

func TestFlusher_ReadBackMismatchRequeues(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ob := newTestOutbox(t, clock)
	client := newScriptedClient()
	client.dropReadBacks = true // persist "succeeds" but the row never lands

	ob.Enqueue(ctx, testElement("c1", "e1"))
	f := NewFlusher(ob, client, "c1")

	n, err := f.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Fatalf("flushed = %d, want 0 on verification mismatch", n)
	}

	clock.Advance(time.Minute)
	pending, _ := ob.Pending(ctx, "c1")
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v, want the entry re-queued with 1 attempt", pending)
	}
}

func TestFlusher_RenameHookFiresForTempIDs(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, newFakeClock())
	client := newScriptedClient()
	client.nextID = "elem_42"

	ob.Enqueue(ctx, testElement("c1", "temp_abc123def456"))

	var gotOld, gotNew string
	f := NewFlusher(ob, client, "c1", WithRenameHook(func(oldID, newID string) {
		gotOld, gotNew = oldID, newID
	}))
	if _, err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if gotOld != "temp_abc123def456" || gotNew != "elem_42" {
		t.Fatalf("rename hook got %q -> %q", gotOld, gotNew)
	}
}

func TestFlusher_RunKickTriggersImmediateFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ob := newTestOutbox(t, newFakeClock())
	client := newScriptedClient()

	ob.Enqueue(context.Background(), testElement("c1", "e1"))

	// Interval far beyond the test horizon: only Kick can trigger the flush.
	f := NewFlusher(ob, client, "c1", WithFlushInterval(time.Hour))
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Kick()

	deadline := time.After(2 * time.Second)
	for {
		if client.calls() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a flush")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
