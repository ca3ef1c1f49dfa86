// Package reconcile implements the synchronization core: it applies local
// optimistic mutations immediately, applies remote change-feed events with
// suppression and merge rules, and drives the outbox retry loop.
//
// All state lives in an explicit Session with an Open/Close lifecycle — no
// package-level singletons. One Session serves one canvas.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slateboard/slate/backend"
	"github.com/slateboard/slate/element"
	"github.com/slateboard/slate/feed"
	"github.com/slateboard/slate/history"
	"github.com/slateboard/slate/idgen"
	"github.com/slateboard/slate/outbox"
)

// DefaultSettleDelay is how long the user-modifying flag stays set after a
// gesture ends, absorbing the echo of the just-sent update.
const DefaultSettleDelay = 500 * time.Millisecond

// Suppressor decides whether a remote event for an element is a probable
// echo of local work and should be dropped. The default is the Tracker's
// time-window heuristic; the interface exists so a causal-ordering strategy
// could replace it without touching the session's control flow.
type Suppressor interface {
	ShouldSuppress(id string, now time.Time) bool
}

// Session owns the per-canvas sync state: element store, processed-state
// tracker, outbox flusher, feed subscription, history stack, and the
// per-element user-modifying flags. Mutating methods are safe for concurrent
// use; the feed consumer runs on its own goroutine.
type Session struct {
	canvasID string
	client   backend.Client
	registry *feed.Registry
	ob       *outbox.Outbox

	store      *element.Store
	tracker    *element.Tracker
	suppressor Suppressor
	hist       *history.Stack
	surface    Surface
	flusher    *outbox.Flusher
	logger     *slog.Logger
	now        func() time.Time

	settleDelay   time.Duration
	window        time.Duration
	historyDepth  int
	flushInterval time.Duration

	mu           sync.Mutex
	editing      map[string]struct{}
	settleTimers map[string]*time.Timer
	closed       bool

	sub        *feed.Subscription
	offConnect func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// SessionOption configures a Session before it opens.
type SessionOption func(*Session)

// WithSurface sets the rendering surface. Default: NopSurface.
func WithSurface(sf Surface) SessionOption {
	return func(s *Session) { s.surface = sf }
}

// WithSessionLogger sets a custom logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithSettleDelay sets the gesture settle delay. Default: 500ms.
// Zero clears the user-modifying flag synchronously at gesture end.
func WithSettleDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.settleDelay = d }
}

// WithSuppressionWindow sets the tracker's echo-suppression window.
func WithSuppressionWindow(d time.Duration) SessionOption {
	return func(s *Session) { s.window = d }
}

// WithSuppressor replaces the default time-window suppressor.
func WithSuppressor(sup Suppressor) SessionOption {
	return func(s *Session) { s.suppressor = sup }
}

// WithHistoryDepth sets the undo ring capacity. Zero means unbounded.
func WithHistoryDepth(n int) SessionOption {
	return func(s *Session) { s.historyDepth = n }
}

// WithSessionFlushInterval sets the outbox flush interval.
func WithSessionFlushInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.flushInterval = d }
}

// WithSessionClock sets a custom clock (for testing).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *Session) { s.now = fn }
}

// WithConfig applies the tunables from a Config in one option.
func WithConfig(c *Config) SessionOption {
	return func(s *Session) {
		s.settleDelay = c.SettleDelay
		s.window = c.SuppressionWindow
		s.historyDepth = c.HistoryDepth
		s.flushInterval = c.FlushInterval
	}
}

// Open creates the session state for canvasID, subscribes to its change
// feed, and starts the feed consumer and outbox flusher goroutines.
// Cancelling ctx tears down the feed subscription and the flusher; call
// Close to also release the settle timers and tracker state and to make
// further mutating calls fail with ClosedError.
func Open(ctx context.Context, canvasID string, client backend.Client, registry *feed.Registry, ob *outbox.Outbox, opts ...SessionOption) (*Session, error) {
	if canvasID == "" {
		return nil, &OpenError{Reason: "canvas id is empty"}
	}

	s := &Session{
		canvasID:      canvasID,
		client:        client,
		registry:      registry,
		ob:            ob,
		surface:       NopSurface{},
		logger:        slog.Default(),
		now:           time.Now,
		settleDelay:   DefaultSettleDelay,
		window:        element.DefaultSuppressionWindow,
		historyDepth:  history.DefaultCapacity,
		flushInterval: 15 * time.Second,
		editing:       make(map[string]struct{}),
		settleTimers:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}

	s.store = element.NewStore(element.WithStoreLogger(s.logger))
	s.tracker = element.NewTracker(
		element.WithWindow(s.window),
		element.WithTrackerClock(s.now),
	)
	if s.suppressor == nil {
		s.suppressor = s.tracker
	}
	s.hist = history.New(history.WithCapacity(s.historyDepth))
	s.flusher = outbox.NewFlusher(ob, client, canvasID,
		outbox.WithFlushInterval(s.flushInterval),
		outbox.WithFlusherLogger(s.logger),
		outbox.WithRenameHook(s.applyRename),
	)

	// A fresh feed connection is the signal to flush opportunistically.
	s.offConnect = registry.OnConnect(func(cid string) {
		if cid == s.canvasID {
			s.flusher.Kick()
		}
	})
	s.sub = registry.Subscribe(canvasID)
	if s.sub.Degraded() {
		s.logger.Warn("session: feed degraded, edits stay local until resubscribe",
			"canvas", canvasID, "error", s.sub.Err())
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(3)
	go s.consume()
	go func() {
		defer s.wg.Done()
		s.flusher.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		// Unsubscribe is idempotent, so the duplicate call from Close is fine.
		s.sub.Unsubscribe()
	}()
	// Drain entries left over from a previous process.
	s.flusher.Kick()

	s.logger.Info("session: opened", "canvas", canvasID)
	return s, nil
}

// Close tears down the subscription, stops pending settle timers, and clears
// the tracker. In-flight persists started by mutating calls complete on
// their own; their late outbox confirmation is a harmless no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.settleTimers {
		t.Stop()
		delete(s.settleTimers, id)
	}
	s.editing = make(map[string]struct{})
	s.mu.Unlock()

	s.offConnect()
	s.sub.Unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.tracker.Clear()
	s.logger.Info("session: closed", "canvas", s.canvasID)
	return nil
}

// CanvasID returns the canvas this session serves.
func (s *Session) CanvasID() string { return s.canvasID }

// Element returns a copy of the element under id.
func (s *Session) Element(id string) (element.Element, bool) { return s.store.Get(id) }

// Elements returns copies of all elements, ordered by id.
func (s *Session) Elements() []element.Element { return s.store.List() }

// CreateElement performs an optimistic local create: the element appears
// immediately under a temporary id, is durably queued, and is persisted in
// the same call when the backend is reachable — in which case the returned
// element already carries the authoritative id.
func (s *Session) CreateElement(ctx context.Context, kind element.Kind, geom element.Geometry, attrs element.Attributes) (element.Element, error) {
	if err := s.checkOpen(); err != nil {
		return element.Element{}, err
	}
	el := element.Element{
		ID:         idgen.NewTempID(),
		CanvasID:   s.canvasID,
		Kind:       kind,
		Geometry:   geom,
		Attributes: attrs,
		Version:    1,
	}

	s.hist.Push(s.store.List())
	s.store.Upsert(el)
	s.tracker.Record(el.ID, element.ActionAdd, el.Version)
	s.surface.AddObject(el)

	entry, err := s.ob.Enqueue(ctx, el)
	if err != nil {
		s.logger.Error("session: enqueue failed, create is not durable", "element", el.ID, "error", err)
	}

	persisted, err := s.client.PersistElement(ctx, el)
	if err != nil {
		s.logger.Debug("session: immediate persist failed, queued for retry",
			"element", el.ID, "error", err)
		return el, nil
	}
	if persisted.ID != el.ID {
		s.applyRename(el.ID, persisted.ID)
		el.ID = persisted.ID
	}
	s.confirm(ctx, entry.ID, persisted)
	return el, nil
}

// UpdateElement applies a completed local edit: optimistic upsert, durable
// enqueue, immediate persist attempt.
func (s *Session) UpdateElement(ctx context.Context, el element.Element) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	el.CanvasID = s.canvasID
	if existing, ok := s.store.Get(el.ID); ok && el.Version <= existing.Version {
		el.Version = existing.Version + 1
	}

	s.hist.Push(s.store.List())
	s.store.Upsert(el)
	s.tracker.Record(el.ID, element.ActionUpdate, el.Version)
	s.surface.UpdateObject(el.ID, el)

	s.persistQueued(ctx, el)
	return nil
}

// BeginGesture marks the element user-modifying: remote events for its id
// are ignored until the gesture ends and the settle delay elapses.
func (s *Session) BeginGesture(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.editing[id] = struct{}{}
	// Re-grabbing during the settle window keeps the flag set.
	if t, ok := s.settleTimers[id]; ok {
		t.Stop()
		delete(s.settleTimers, id)
	}
}

// EndGesture applies the gesture's final state and persists it. The
// user-modifying flag stays set for the settle delay so the echo of this
// very update cannot snap the element back.
func (s *Session) EndGesture(ctx context.Context, id string, final element.Element) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	final.ID = id
	final.CanvasID = s.canvasID
	if existing, ok := s.store.Get(id); ok && final.Version <= existing.Version {
		final.Version = existing.Version + 1
	}

	s.hist.Push(s.store.List())
	s.store.Upsert(final)
	s.tracker.Record(id, element.ActionUpdate, final.Version)
	s.surface.UpdateObject(id, final)

	s.persistQueued(ctx, final)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if t, ok := s.settleTimers[id]; ok {
		t.Stop()
	}
	if s.settleDelay <= 0 {
		delete(s.editing, id)
		delete(s.settleTimers, id)
		return nil
	}
	s.settleTimers[id] = time.AfterFunc(s.settleDelay, func() {
		s.mu.Lock()
		delete(s.editing, id)
		delete(s.settleTimers, id)
		s.mu.Unlock()
	})
	return nil
}

// DeleteElement removes the element locally and issues the remote delete.
// On remote failure the local removal stands: the entry stays deleted for
// this client and the feed's eventual delete (or lack of one) resolves the
// divergence. See DESIGN.md on this asymmetry.
func (s *Session) DeleteElement(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.hist.Push(s.store.List())
	s.store.Remove(id)
	s.tracker.Record(id, element.ActionRemove, 0)
	s.surface.RemoveObject(id)
	s.clearEditing(id)

	// A queued persist must not resurrect the element later.
	if err := s.ob.RemoveForElement(ctx, s.canvasID, id); err != nil {
		s.logger.Error("session: dropping queued mutation failed", "element", id, "error", err)
	}

	if err := s.client.DeleteElement(ctx, s.canvasID, id); err != nil {
		s.logger.Warn("session: remote delete failed, local removal stands",
			"element", id, "error", err)
	}
	return nil
}

// Undo restores the snapshot preceding the last completed mutation.
// Reports whether anything was undone.
func (s *Session) Undo() bool {
	if s.checkOpen() != nil {
		return false
	}
	current := history.Snapshot(s.store.List())
	snap, ok := s.hist.Undo(current)
	if !ok {
		return false
	}
	s.restore(current, snap)
	return true
}

// Redo is the inverse of Undo.
func (s *Session) Redo() bool {
	if s.checkOpen() != nil {
		return false
	}
	current := history.Snapshot(s.store.List())
	snap, ok := s.hist.Redo(current)
	if !ok {
		return false
	}
	s.restore(current, snap)
	return true
}

// CanUndo reports whether an Undo would succeed.
func (s *Session) CanUndo() bool { return s.hist.CanUndo() }

// CanRedo reports whether a Redo would succeed.
func (s *Session) CanRedo() bool { return s.hist.CanRedo() }

// Flush runs one outbox pass now instead of waiting for the interval.
func (s *Session) Flush(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.flusher.Flush(ctx)
}

// Stats returns a JSON-serializable status summary, the "unsynced" counters
// a UI can surface passively.
func (s *Session) Stats(ctx context.Context) map[string]any {
	s.mu.Lock()
	editing := len(s.editing)
	s.mu.Unlock()

	undo, redo := s.hist.Depths()
	st := map[string]any{
		"canvas":        s.canvasID,
		"elements":      s.store.Len(),
		"tracked":       s.tracker.Len(),
		"editing":       editing,
		"undo_depth":    undo,
		"redo_depth":    redo,
		"feed_degraded": s.sub.Degraded(),
	}
	for k, v := range s.ob.Stats(ctx, s.canvasID) {
		if k != "canvas" {
			st["outbox_"+k] = v
		}
	}
	return st
}

// consume applies remote events until the feed channel closes.
func (s *Session) consume() {
	defer s.wg.Done()
	for ev := range s.sub.Events() {
		s.applyRemote(ev)
	}
	s.logger.Info("session: feed stream ended", "canvas", s.canvasID)
}

// applyRemote is the remote half of the state machine.
func (s *Session) applyRemote(ev feed.Event) {
	id := ev.Element.ID

	switch ev.Type {
	case feed.Deleted:
		// Unconditional: suppressing a real delete is worse than the
		// occasional double-remove no-op.
		if s.store.Remove(id) {
			s.surface.RemoveObject(id)
		}
		s.tracker.Record(id, element.ActionRemove, ev.Element.Version)
		s.clearEditing(id)
		return
	case feed.Added, feed.Updated:
	default:
		s.logger.Warn("session: unknown feed event type", "type", ev.Type, "element", id)
		return
	}

	if s.userModifying(id) {
		// Not an error: the user's in-progress gesture wins.
		s.logger.Debug("session: remote event ignored, user modifying", "element", id)
		return
	}
	if s.suppressor.ShouldSuppress(id, s.now()) {
		s.logger.Debug("session: remote event suppressed as probable echo", "element", id)
		return
	}

	incoming := ev.Element
	incoming.CanvasID = s.canvasID

	existing, ok := s.store.Get(id)
	if !ok {
		s.store.Upsert(incoming)
		s.tracker.Record(id, element.ActionAdd, incoming.Version)
		s.surface.AddObject(incoming)
		return
	}

	if existing.Attributes.ImageURL != "" &&
		incoming.Attributes.ImageURL != existing.Attributes.ImageURL {
		// The underlying image resource changed identity: replace the whole
		// object rather than patching fields.
		s.store.Upsert(incoming)
		s.tracker.Record(id, element.ActionUpdate, incoming.Version)
		s.surface.RemoveObject(id)
		s.surface.AddObject(incoming)
		return
	}

	merged := existing
	merged.Geometry = incoming.Geometry
	merged.Attributes = incoming.Attributes
	merged.Version = incoming.Version
	if s.store.Upsert(merged) {
		s.surface.UpdateObject(id, merged)
	}
	s.tracker.Record(id, element.ActionUpdate, merged.Version)
}

// persistQueued durably enqueues el, then tries one immediate persist with
// read-back confirmation. Failures leave the entry queued for the flusher.
func (s *Session) persistQueued(ctx context.Context, el element.Element) {
	entry, err := s.ob.Enqueue(ctx, el)
	if err != nil {
		s.logger.Error("session: enqueue failed, edit is not durable", "element", el.ID, "error", err)
	}
	persisted, err := s.client.PersistElement(ctx, el)
	if err != nil {
		s.logger.Debug("session: immediate persist failed, queued for retry",
			"element", el.ID, "error", err)
		return
	}
	if persisted.ID != el.ID {
		s.applyRename(el.ID, persisted.ID)
	}
	s.confirm(ctx, entry.ID, persisted)
}

// confirm read-back verifies a reported-successful persist and settles the
// outbox entry: Ack when the row exists, Fail (re-queue) when it does not.
func (s *Session) confirm(ctx context.Context, entryID string, el element.Element) {
	if entryID == "" {
		return
	}
	if _, err := s.client.FetchElement(ctx, s.canvasID, el.ID); err != nil {
		s.logger.Warn("session: read-back verification failed, mutation re-queued",
			"element", el.ID, "error", err)
		if ferr := s.ob.Fail(ctx, entryID); ferr != nil {
			s.logger.Error("session: recording failed attempt failed", "entry", entryID, "error", ferr)
		}
		return
	}
	if err := s.ob.Ack(ctx, entryID); err != nil {
		s.logger.Error("session: ack failed", "entry", entryID, "error", err)
	}
}

// applyRename replaces a temporary id with the backend-assigned one: the
// element keeps its identity, only the key changes. One store entry exists
// afterwards, addressable only by the new id.
func (s *Session) applyRename(oldID, newID string) {
	if oldID == newID {
		return
	}
	if !s.store.Rename(oldID, newID) {
		return
	}
	el, ok := s.store.Get(newID)

	s.tracker.Forget(oldID)
	if ok {
		s.tracker.Record(newID, element.ActionAdd, el.Version)
	}

	s.mu.Lock()
	if _, editing := s.editing[oldID]; editing {
		delete(s.editing, oldID)
		s.editing[newID] = struct{}{}
		// The old timer's closure clears the old id; restart under the new.
		if t, tok := s.settleTimers[oldID]; tok {
			t.Stop()
			delete(s.settleTimers, oldID)
			nid := newID
			s.settleTimers[nid] = time.AfterFunc(s.settleDelay, func() {
				s.mu.Lock()
				delete(s.editing, nid)
				delete(s.settleTimers, nid)
				s.mu.Unlock()
			})
		}
	}
	s.mu.Unlock()

	if err := s.ob.RenameElement(context.Background(), s.canvasID, oldID, newID); err != nil {
		s.logger.Error("session: outbox rename failed", "old_id", oldID, "new_id", newID, "error", err)
	}

	s.surface.RemoveObject(oldID)
	if ok {
		s.surface.AddObject(el)
	}
	s.logger.Debug("session: element id assigned", "old_id", oldID, "new_id", newID)
}

// restore swaps the store to a history snapshot and refreshes the surface
// with the per-id difference between the two states.
func (s *Session) restore(prev, next history.Snapshot) {
	s.store.Replace(next)

	prevByID := make(map[string]element.Element, len(prev))
	for _, el := range prev {
		prevByID[el.ID] = el
	}
	nextByID := make(map[string]element.Element, len(next))
	for _, el := range next {
		nextByID[el.ID] = el
	}

	for id := range prevByID {
		if _, ok := nextByID[id]; !ok {
			s.surface.RemoveObject(id)
			s.tracker.Record(id, element.ActionRemove, 0)
		}
	}
	for id, el := range nextByID {
		old, existed := prevByID[id]
		switch {
		case !existed:
			s.surface.AddObject(el)
			s.tracker.Record(id, element.ActionAdd, el.Version)
		case !old.Equal(el):
			s.surface.UpdateObject(id, el)
			s.tracker.Record(id, element.ActionUpdate, el.Version)
		}
	}
}

func (s *Session) userModifying(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.editing[id]
	return ok
}

func (s *Session) clearEditing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.editing, id)
	if t, ok := s.settleTimers[id]; ok {
		t.Stop()
		delete(s.settleTimers, id)
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ClosedError{CanvasID: s.canvasID}
	}
	return nil
}
