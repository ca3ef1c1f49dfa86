// Package outbox is the durable queue of local mutations not yet confirmed
// persisted remotely. Entries live in SQLite keyed by canvas id, so a
// process restart resumes pending work exactly where it stopped.
//
// An entry is removed only after a read-back verification confirms the row
// exists on the backend. Failures increment the attempt counter and push the
// entry's visibility into the future with capped exponential backoff. After
// MaxAttempts the entry parks in a terminal stalled state — visible through
// Stalled, recoverable with Requeue — instead of retrying forever.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS outbox_elements (
//	    id         TEXT PRIMARY KEY,              -- ULID, enqueue-ordered
//	    canvas_id  TEXT NOT NULL,
//	    element_id TEXT NOT NULL,
//	    element    TEXT NOT NULL,                 -- JSON
//	    attempts   INTEGER NOT NULL DEFAULT 0,
//	    queued_at  TEXT NOT NULL,                 -- RFC 3339
//	    visible_at INTEGER NOT NULL DEFAULT 0,    -- ms epoch; backoff gate
//	    stalled    INTEGER NOT NULL DEFAULT 0
//	);
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slateboard/slate/dbopen"
	"github.com/slateboard/slate/element"
	"github.com/slateboard/slate/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_elements (
    id         TEXT PRIMARY KEY,
    canvas_id  TEXT NOT NULL,
    element_id TEXT NOT NULL,
    element    TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    queued_at  TEXT NOT NULL,
    visible_at INTEGER NOT NULL DEFAULT 0,
    stalled    INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_element ON outbox_elements (canvas_id, element_id);
CREATE INDEX IF NOT EXISTS idx_outbox_visible ON outbox_elements (canvas_id, stalled, visible_at);
`

// Entry is one pending mutation.
type Entry struct {
	ID       string
	CanvasID string
	Element  element.Element
	Attempts int
	QueuedAt time.Time
	Stalled  bool
}

// Options configures queue behaviour.
type Options struct {
	// MaxAttempts limits retries before an entry stalls. 0 means unlimited,
	// which reproduces the source behavior of retrying forever. Default: 25.
	MaxAttempts int
	// BaseBackoff is the first retry delay, doubled per attempt. Default: 1s.
	BaseBackoff time.Duration
	// BackoffCap bounds backoff growth. Default: 5m.
	BackoffCap time.Duration
	// IDs overrides the entry id generator.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides the clock (for testing).
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 25
	} else if o.MaxAttempts < 0 {
		o.MaxAttempts = 0 // explicit "unlimited"
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.IDs == nil {
		o.IDs = idgen.NewOutboxID
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Outbox is the queue handle. Create one per local database; entries for all
// canvases share the table, keyed by canvas id.
type Outbox struct {
	db   *sql.DB
	opts Options
}

// New creates an Outbox over db. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Outbox {
	opts.defaults()
	return &Outbox{db: db, opts: opts}
}

// EnsureTable creates the outbox table and indexes if missing.
func (o *Outbox) EnsureTable(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, schema)
	return err
}

// Enqueue records el as a pending mutation. One pending entry exists per
// element: enqueueing a newer state for the same element replaces the
// payload, the entry id, and the attempt counter, since the backend only
// needs the latest state (last-write-wins). The returned Entry always
// carries the id of the surviving row, so Ack and Fail address it.
func (o *Outbox) Enqueue(ctx context.Context, el element.Element) (Entry, error) {
	payload, err := json.Marshal(el)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: marshal element: %w", err)
	}
	now := o.opts.Now()
	entry := Entry{
		ID:       o.opts.IDs(),
		CanvasID: el.CanvasID,
		Element:  el,
		QueuedAt: now,
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox_elements (id, canvas_id, element_id, element, attempts, queued_at, visible_at, stalled)
		VALUES (?, ?, ?, ?, 0, ?, 0, 0)
		ON CONFLICT(canvas_id, element_id) DO UPDATE SET
			id = excluded.id,
			element = excluded.element,
			attempts = 0,
			visible_at = 0,
			stalled = 0`,
		entry.ID, el.CanvasID, el.ID, string(payload), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	o.opts.Logger.Debug("outbox: enqueued", "canvas", el.CanvasID, "element", el.ID)
	return entry, nil
}

// Pending returns the mutations for canvasID that are due for a retry,
// oldest first. Entries inside their backoff window or stalled are skipped.
func (o *Outbox) Pending(ctx context.Context, canvasID string) ([]Entry, error) {
	nowMs := o.opts.Now().UnixMilli()
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, canvas_id, element, attempts, queued_at, stalled
		FROM outbox_elements
		WHERE canvas_id = ? AND stalled = 0 AND visible_at <= ?
		ORDER BY id`,
		canvasID, nowMs)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Stalled returns the entries that exhausted their attempts and need a
// manual resync via Requeue.
func (o *Outbox) Stalled(ctx context.Context, canvasID string) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, canvas_id, element, attempts, queued_at, stalled
		FROM outbox_elements
		WHERE canvas_id = ? AND stalled = 1
		ORDER BY id`,
		canvasID)
	if err != nil {
		return nil, fmt.Errorf("outbox: query stalled: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Ack removes a confirmed entry.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox_elements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: ack %s: %w", id, err)
	}
	return nil
}

// Fail records a failed persist attempt: the attempt counter increments and
// the entry becomes invisible for the backoff duration. Once MaxAttempts is
// reached the entry stalls instead. The read-increment-write runs in one
// transaction since the session and the flusher both record failures.
func (o *Outbox) Fail(ctx context.Context, id string) error {
	return dbopen.RunTx(ctx, o.db, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM outbox_elements WHERE id = ?`, id).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return nil // entry already acked; a late failure is a no-op
			}
			return fmt.Errorf("outbox: fail %s: %w", id, err)
		}

		attempts++
		if o.opts.MaxAttempts > 0 && attempts >= o.opts.MaxAttempts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_elements SET attempts = ?, stalled = 1 WHERE id = ?`, attempts, id); err != nil {
				return fmt.Errorf("outbox: stall %s: %w", id, err)
			}
			o.opts.Logger.Warn("outbox: entry stalled, needs manual resync",
				"entry", id, "attempts", attempts)
			return nil
		}

		visibleAt := o.opts.Now().Add(o.backoff(attempts)).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_elements SET attempts = ?, visible_at = ? WHERE id = ?`,
			attempts, visibleAt, id); err != nil {
			return fmt.Errorf("outbox: fail %s: %w", id, err)
		}
		return nil
	})
}

// Requeue resets a stalled entry for a fresh round of attempts.
func (o *Outbox) Requeue(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox_elements SET stalled = 0, attempts = 0, visible_at = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: requeue %s: %w", id, err)
	}
	return nil
}

// RemoveForElement drops any pending entry for the element. Called on local
// delete so a queued persist cannot resurrect a deleted element.
func (o *Outbox) RemoveForElement(ctx context.Context, canvasID, elementID string) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox_elements WHERE canvas_id = ? AND element_id = ?`,
		canvasID, elementID)
	if err != nil {
		return fmt.Errorf("outbox: remove for element %s: %w", elementID, err)
	}
	return nil
}

// RenameElement rewires a pending entry after the backend assigned the
// authoritative id for an optimistic creation.
func (o *Outbox) RenameElement(ctx context.Context, canvasID, oldID, newID string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox_elements
		SET element_id = ?, element = json_set(element, '$.id', ?)
		WHERE canvas_id = ? AND element_id = ?`,
		newID, newID, canvasID, oldID)
	if err != nil {
		return fmt.Errorf("outbox: rename %s -> %s: %w", oldID, newID, err)
	}
	return nil
}

// Len returns the number of non-stalled pending entries for canvasID,
// regardless of visibility. This is the "unsynced" count a UI can surface.
func (o *Outbox) Len(ctx context.Context, canvasID string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_elements WHERE canvas_id = ? AND stalled = 0`,
		canvasID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: len: %w", err)
	}
	return n, nil
}

// Stats returns a JSON-serializable status summary for canvasID.
func (o *Outbox) Stats(ctx context.Context, canvasID string) map[string]any {
	st := map[string]any{"canvas": canvasID}
	var pending, stalled int
	o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_elements WHERE canvas_id = ? AND stalled = 0`,
		canvasID).Scan(&pending)
	o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_elements WHERE canvas_id = ? AND stalled = 1`,
		canvasID).Scan(&stalled)
	st["pending"] = pending
	st["stalled"] = stalled

	var oldest sql.NullString
	o.db.QueryRowContext(ctx,
		`SELECT MIN(queued_at) FROM outbox_elements WHERE canvas_id = ?`,
		canvasID).Scan(&oldest)
	if oldest.Valid {
		st["oldest_queued_at"] = oldest.String
	}
	return st
}

// backoff returns the wait before the given (1-based) attempt retries.
func (o *Outbox) backoff(attempts int) time.Duration {
	d := o.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.opts.BackoffCap {
			return o.opts.BackoffCap
		}
	}
	if d > o.opts.BackoffCap {
		d = o.opts.BackoffCap
	}
	return d
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, queuedAt string
		var stalled int
		if err := rows.Scan(&e.ID, &e.CanvasID, &payload, &e.Attempts, &queuedAt, &stalled); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Element); err != nil {
			return nil, fmt.Errorf("outbox: unmarshal element: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			e.QueuedAt = ts
		}
		e.Stalled = stalled == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
