package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/slateboard/slate/backend"
)

const defaultFlushInterval = 15 * time.Second

// Flusher drains one canvas's outbox against the backend. It runs on a fixed
// interval and can be kicked out-of-band — the feed registry kicks it on
// every (re)connection, since a fresh connection is the strongest signal that
// the backend is reachable again.
//
// Each entry is persisted, then read back to confirm the row actually exists
// before it is acked. A persist that "succeeds" but fails the read-back is
// treated as a failure and stays queued.
type Flusher struct {
	ob       *Outbox
	client   backend.Client
	canvasID string

	interval time.Duration
	logger   *slog.Logger
	onRename func(oldID, newID string)

	kick chan struct{}
}

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithFlushInterval sets the periodic flush interval. Default: 15s.
func WithFlushInterval(d time.Duration) FlusherOption {
	return func(f *Flusher) { f.interval = d }
}

// WithFlusherLogger sets a custom logger.
func WithFlusherLogger(l *slog.Logger) FlusherOption {
	return func(f *Flusher) { f.logger = l }
}

// WithRenameHook registers a callback invoked when the backend assigned an
// authoritative id to an optimistically created element during a flush. The
// session uses it to rename the element in place.
func WithRenameHook(fn func(oldID, newID string)) FlusherOption {
	return func(f *Flusher) { f.onRename = fn }
}

// NewFlusher creates a Flusher for canvasID.
func NewFlusher(ob *Outbox, client backend.Client, canvasID string, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		ob:       ob,
		client:   client,
		canvasID: canvasID,
		interval: defaultFlushInterval,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Kick requests an immediate flush. Non-blocking; multiple kicks before the
// loop wakes coalesce into one flush.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run flushes on the interval and on every Kick until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.kick:
		}
		if n, err := f.Flush(ctx); err != nil {
			f.logger.Warn("outbox: flush pass failed", "canvas", f.canvasID, "error", err)
		} else if n > 0 {
			f.logger.Info("outbox: flushed", "canvas", f.canvasID, "count", n)
		}
	}
}

// Flush attempts every due entry once, oldest first, and returns how many
// were confirmed and acked. Per-entry failures are recorded in the queue and
// do not abort the pass; only queue-level errors are returned.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	entries, err := f.ob.Pending(ctx, f.canvasID)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return flushed, ctx.Err()
		}

		persisted, err := f.client.PersistElement(ctx, e.Element)
		if err != nil {
			f.logger.Debug("outbox: persist failed", "element", e.Element.ID, "error", err)
			if ferr := f.ob.Fail(ctx, e.ID); ferr != nil {
				return flushed, ferr
			}
			continue
		}

		// Read-back verification: the write only counts once the row is
		// observable. A missing row re-queues the mutation.
		if _, err := f.client.FetchElement(ctx, f.canvasID, persisted.ID); err != nil {
			f.logger.Warn("outbox: read-back verification failed",
				"element", persisted.ID, "error", err)
			if ferr := f.ob.Fail(ctx, e.ID); ferr != nil {
				return flushed, ferr
			}
			continue
		}

		if persisted.ID != e.Element.ID && f.onRename != nil {
			f.onRename(e.Element.ID, persisted.ID)
		}

		if err := f.ob.Ack(ctx, e.ID); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}
