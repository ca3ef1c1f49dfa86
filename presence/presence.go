// Package presence is the ephemeral cursor-position broadcast: best-effort,
// at-most-once, never persisted, fully isolated from the durable sync
// pipeline. Messages from the subscriber's own user id are filtered out
// locally. One shared broadcast channel per canvas is reused by all local
// publishers and subscribers.
package presence

import "sync"

// Position is one peer-cursor update.
type Position struct {
	UserID    string  `json:"userId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatarUrl,omitempty"`
}

// Broadcaster fans peer positions out per canvas. Implementations: Hub
// (in-process) and WSBroadcaster (WebSocket bridge to a presence server).
type Broadcaster interface {
	// Publish sends the position to every peer on the canvas. Best-effort:
	// a lost message is not retried.
	Publish(canvasID, userID string, pos Position) error
	// Subscribe delivers peer positions to fn, skipping selfUserID's own
	// messages. The returned function cancels the subscription.
	Subscribe(canvasID, selfUserID string, fn func(Position)) (cancel func(), err error)
}

type subscriber struct {
	selfID string
	fn     func(Position)
}

// Hub is the in-process Broadcaster.
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*subscriber
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string][]*subscriber)}
}

// Publish delivers pos to every subscriber of canvasID except userID's own.
func (h *Hub) Publish(canvasID, userID string, pos Position) error {
	pos.UserID = userID

	h.mu.Lock()
	subs := make([]*subscriber, len(h.channels[canvasID]))
	copy(subs, h.channels[canvasID])
	h.mu.Unlock()

	// Callbacks run outside the lock so a handler may publish in turn.
	for _, s := range subs {
		if s.selfID == userID {
			continue
		}
		s.fn(pos)
	}
	return nil
}

// Subscribe registers fn on canvasID's shared channel.
func (h *Hub) Subscribe(canvasID, selfUserID string, fn func(Position)) (func(), error) {
	sub := &subscriber{selfID: selfUserID, fn: fn}
	h.mu.Lock()
	h.channels[canvasID] = append(h.channels[canvasID], sub)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.channels[canvasID]
		for i, s := range subs {
			if s == sub {
				h.channels[canvasID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.channels[canvasID]) == 0 {
			delete(h.channels, canvasID)
		}
	}, nil
}

// SubscriberCount returns how many subscribers canvasID has.
func (h *Hub) SubscriberCount(canvasID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[canvasID])
}
