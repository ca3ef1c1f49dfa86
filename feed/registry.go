package feed

import (
	"context"
	"log/slog"
	"sync"
)

// Registry owns the active subscriptions of one client process: exactly one
// live Subscription per canvas id. Duplicate Subscribe calls return the
// existing one. The registry is explicit state with a defined lifecycle —
// create it next to the session, Close it when the client shuts down.
type Registry struct {
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	subs      map[string]*Subscription
	onConnect []*connectHook

	// lifecycleCtx parents all subscription contexts so feeds survive
	// beyond any short-lived caller context.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry over the given transport.
func NewRegistry(transport Transport, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		transport:       transport,
		logger:          slog.Default(),
		subs:            make(map[string]*Subscription),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// connectHook wraps a registered OnConnect callback so removal can address
// the exact registration, even when the same func is registered twice.
type connectHook struct {
	fn func(canvasID string)
}

// OnConnect registers a callback invoked after every successful feed
// establishment. The outbox hooks this to flush opportunistically on
// (re)connection. Callbacks run synchronously in registration order.
// The returned remove func unregisters the callback; sessions call it on
// Close so a long-lived registry does not accumulate dead hooks. Calling
// remove more than once is safe.
func (r *Registry) OnConnect(fn func(canvasID string)) (remove func()) {
	hook := &connectHook{fn: fn}
	r.mu.Lock()
	r.onConnect = append(r.onConnect, hook)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, h := range r.onConnect {
			if h == hook {
				r.onConnect = append(r.onConnect[:i], r.onConnect[i+1:]...)
				return
			}
		}
	}
}

// Subscribe returns the live Subscription for canvasID, opening the feed if
// none exists. If the transport cannot establish the feed the error is
// logged and a degraded no-op subscription is returned: its Events channel
// never emits and its Unsubscribe works, so callers need no special case.
func (r *Registry) Subscribe(canvasID string) *Subscription {
	r.mu.Lock()
	if sub, ok := r.subs[canvasID]; ok {
		r.mu.Unlock()
		return sub
	}
	callbacks := make([]func(string), 0, len(r.onConnect))
	for _, h := range r.onConnect {
		callbacks = append(callbacks, h.fn)
	}
	r.mu.Unlock()

	subCtx, cancel := context.WithCancel(r.lifecycleCtx)
	src, err := r.transport.Open(subCtx, canvasID)
	if err != nil {
		cancel()
		setupErr := &SetupError{CanvasID: canvasID, Cause: err}
		r.logger.Error("feed: subscription setup failed", "canvas", canvasID, "error", err)
		events := make(chan Event)
		close(events)
		return &Subscription{
			canvasID: canvasID,
			events:   events,
			cancel:   func() {},
			degraded: true,
			err:      setupErr,
		}
	}

	sub := &Subscription{
		canvasID: canvasID,
		events:   make(chan Event, 64),
		cancel:   cancel,
		registry: r,
	}

	r.mu.Lock()
	// Re-check: a concurrent Subscribe may have won the race.
	if existing, ok := r.subs[canvasID]; ok {
		r.mu.Unlock()
		cancel()
		return existing
	}
	r.subs[canvasID] = sub
	r.mu.Unlock()

	go sub.pump(subCtx, src)

	r.logger.Info("feed: subscribed", "canvas", canvasID)
	for _, fn := range callbacks {
		fn(canvasID)
	}
	return sub
}

// Active reports whether a live subscription exists for canvasID.
func (r *Registry) Active(canvasID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[canvasID]
	return ok
}

// Close tears down all subscriptions.
func (r *Registry) Close() error {
	r.lifecycleCancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		sub.cancel()
		delete(r.subs, id)
	}
	return nil
}

// drop removes a subscription from the active set so the next Subscribe
// opens a fresh feed. Called by the pump when the transport stream ends.
func (r *Registry) drop(canvasID string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[canvasID] == sub {
		delete(r.subs, canvasID)
	}
}

// Subscription is the live feed for one canvas.
type Subscription struct {
	canvasID string
	events   chan Event
	cancel   context.CancelFunc
	registry *Registry
	degraded bool
	err      *SetupError

	once sync.Once
}

// Events returns the event channel. It is closed when the subscription is
// torn down or the transport drops.
func (s *Subscription) Events() <-chan Event { return s.events }

// CanvasID returns the canvas this subscription serves.
func (s *Subscription) CanvasID() string { return s.canvasID }

// Degraded reports whether setup failed and this subscription is a no-op.
func (s *Subscription) Degraded() bool { return s.degraded }

// Err returns the setup error for degraded subscriptions, nil otherwise.
func (s *Subscription) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Unsubscribe tears the feed down. Synchronous from the caller's point of
// view and safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		if s.registry != nil {
			s.registry.drop(s.canvasID, s)
		}
	})
}

// pump copies transport events into the subscription channel until the
// source closes or the subscription is cancelled, then retires the
// subscription.
func (s *Subscription) pump(ctx context.Context, src <-chan Event) {
	defer func() {
		if s.registry != nil {
			s.registry.drop(s.canvasID, s)
			s.registry.logger.Info("feed: stream ended", "canvas", s.canvasID)
		}
		close(s.events)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
