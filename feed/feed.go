// Package feed delivers the backend's change feed — row-level add, update,
// and delete notifications for a canvas — to the reconciler as a single
// type-discriminated event stream.
//
// Delivery is at-least-once and unordered relative to local optimistic
// application: an add may arrive after the local optimistic object already
// exists under a temporary id. The reconciler resolves that race, not this
// package. A dropped transport does not auto-heal; the owning session
// re-establishes the feed by calling Subscribe again, which is idempotent.
package feed

import (
	"context"
	"fmt"

	"github.com/slateboard/slate/element"
)

// EventType discriminates change-feed notifications.
type EventType string

const (
	Added   EventType = "ADD"
	Updated EventType = "UPDATE"
	Deleted EventType = "DELETE"
)

// Event is one change-feed notification as published by the backend.
type Event struct {
	Type     EventType       `json:"eventType"`
	CanvasID string          `json:"canvasId"`
	Element  element.Element `json:"element"`
}

// Transport establishes the raw event stream for one canvas. The returned
// channel is closed when ctx is cancelled or the underlying connection is
// lost; the transport does not reconnect.
type Transport interface {
	Open(ctx context.Context, canvasID string) (<-chan Event, error)
}

// SetupError is returned (and logged) when the feed for a canvas cannot be
// established. The subscription degrades to a no-op with a working
// Unsubscribe; nothing is fatal.
type SetupError struct {
	CanvasID string
	Cause    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("feed: cannot establish feed for canvas %s: %v", e.CanvasID, e.Cause)
}

func (e *SetupError) Unwrap() error { return e.Cause }
