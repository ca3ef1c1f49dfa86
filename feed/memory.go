package feed

import (
	"context"
	"sync"
)

// MemoryHub is an in-process Transport for tests and single-process demos.
// Publish fans an event out to every open feed for its canvas, modelling
// the backend's at-least-once push without a network.
type MemoryHub struct {
	mu      sync.Mutex
	streams map[string][]chan Event // canvas id -> open streams
	fail    bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{streams: make(map[string][]chan Event)}
}

// FailSetup makes subsequent Open calls fail, for exercising the degraded
// subscription path.
func (h *MemoryHub) FailSetup(fail bool) {
	h.mu.Lock()
	h.fail = fail
	h.mu.Unlock()
}

// Open registers a new stream for canvasID.
func (h *MemoryHub) Open(ctx context.Context, canvasID string) (<-chan Event, error) {
	h.mu.Lock()
	if h.fail {
		h.mu.Unlock()
		return nil, context.Canceled
	}
	ch := make(chan Event, 64)
	h.streams[canvasID] = append(h.streams[canvasID], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(canvasID, ch)
	}()

	return ch, nil
}

// Publish delivers the event to every open stream for its canvas. Streams
// whose buffers are full are skipped — delivery is at-least-once across
// reconnects, not guaranteed per message.
func (h *MemoryHub) Publish(ev Event) {
	// Sends stay under the lock so a stream can never be closed mid-send.
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.streams[ev.CanvasID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StreamCount returns the number of open streams for canvasID.
func (h *MemoryHub) StreamCount(canvasID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[canvasID])
}

// remove unregisters and closes a stream under the lock.
func (h *MemoryHub) remove(canvasID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	streams := h.streams[canvasID]
	for i, c := range streams {
		if c == ch {
			h.streams[canvasID] = append(streams[:i], streams[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.streams[canvasID]) == 0 {
		delete(h.streams, canvasID)
	}
}
