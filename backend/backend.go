// Package backend is the engine's boundary to the remote authoritative
// store. The production service is out of scope; this package defines the
// Client contract the reconciler and outbox depend on, plus an HTTP
// implementation with per-call timeouts, a fixed-attempt retry policy, and a
// circuit breaker so a dead backend fails fast into the outbox instead of
// stalling the caller.
//
// Conflict semantics are last-write-wins on the server. The client never
// merges; it only persists, deletes, and reads back.
package backend

import (
	"context"
	"time"

	"github.com/slateboard/slate/element"
)

// Canvas is the remote record for one drawing surface.
type Canvas struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client is the remote persistence contract.
//
// PersistElement upserts the element row and returns the stored element;
// when the submitted element carries a temporary id the returned element
// carries the authoritative id assigned by the backend (the caller performs
// the in-place rename). FetchElement is the read-back used to verify that a
// reported-successful write actually exists before the outbox drops the
// pending entry.
type Client interface {
	PersistElement(ctx context.Context, el element.Element) (element.Element, error)
	DeleteElement(ctx context.Context, canvasID, id string) error
	FetchElement(ctx context.Context, canvasID, id string) (element.Element, error)
	CreateCanvas(ctx context.Context, title string) (Canvas, error)
}

// CanvasCreateBackoffCap bounds retry backoff growth on the canvas-creation
// path. The element path's long-term cap lives in the outbox.
const CanvasCreateBackoffCap = 5 * time.Minute

// CreateCanvasRetry calls CreateCanvas until it succeeds or ctx expires,
// doubling the wait between attempts up to CanvasCreateBackoffCap.
func CreateCanvasRetry(ctx context.Context, c Client, title string) (Canvas, error) {
	wait := time.Second
	for {
		canvas, err := c.CreateCanvas(ctx, title)
		if err == nil {
			return canvas, nil
		}
		select {
		case <-ctx.Done():
			return Canvas{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > CanvasCreateBackoffCap {
			wait = CanvasCreateBackoffCap
		}
	}
}
