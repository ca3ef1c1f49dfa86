package element

import (
	"sync"
	"time"
)

// DefaultSuppressionWindow is how long after a local processing event a
// remote event for the same element id is dropped as a probable echo.
// This is a flicker guard, not a correctness guard.
const DefaultSuppressionWindow = 200 * time.Millisecond

// Tracker records, per element id, the last local-processing timestamp and
// action. The reconciler writes an entry on every Store mutation regardless
// of origin (local or remote) and consults ShouldSuppress to decide whether
// an incoming remote event is a probable echo of work this client already
// applied.
//
// The time-window heuristic lives entirely behind ShouldSuppress so a future
// causal-ordering strategy (vector clocks, per-field merge) can replace it
// without touching the reconciler's control flow.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]ProcessedEntry
	window  time.Duration
	now     func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithWindow sets the suppression window. Default: 200ms.
func WithWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.window = d }
}

// WithTrackerClock sets a custom clock function (for testing).
func WithTrackerClock(fn func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = fn }
}

// NewTracker creates a Tracker with the default 200ms window.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		entries: make(map[string]ProcessedEntry),
		window:  DefaultSuppressionWindow,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record notes that the reconciler processed the element now.
func (t *Tracker) Record(id string, action Action, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = ProcessedEntry{
		LastProcessedAt: t.now(),
		Action:          action,
		Version:         version,
	}
}

// Entry returns the processed-state record for id.
func (t *Tracker) Entry(id string) (ProcessedEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// ShouldSuppress reports whether a remote event for id arriving at now falls
// strictly within the suppression window of the last local processing event.
func (t *Tracker) ShouldSuppress(id string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	return now.Sub(e.LastProcessedAt) < t.window
}

// Forget drops the record for id.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Clear drops all records. Called when the owning session closes.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]ProcessedEntry)
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
