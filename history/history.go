// Package history maintains snapshot-based undo/redo for one canvas,
// independent of the reconciler. Snapshots are whole-canvas copies, not
// deltas — O(canvas size) per edit, acceptable at the target scale.
//
// The undo side is a fixed-capacity ring: when a new snapshot would exceed
// capacity the oldest one is dropped, bounding memory over long sessions.
package history

import (
	"sync"

	"github.com/slateboard/slate/element"
)

// DefaultCapacity is the default undo depth.
const DefaultCapacity = 100

// Snapshot is a full copy of the element store at a point in time.
type Snapshot []element.Element

// clone deep-copies a snapshot so stored history never aliases live state.
func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for i, el := range s {
		out[i] = el.Clone()
	}
	return out
}

// Stack holds the undo and redo snapshot lists.
type Stack struct {
	mu       sync.Mutex
	undo     []Snapshot
	redo     []Snapshot
	capacity int
}

// Option configures a Stack.
type Option func(*Stack)

// WithCapacity sets the undo depth. Zero means unbounded (the source
// behavior). Default: 100.
func WithCapacity(n int) Option {
	return func(s *Stack) { s.capacity = n }
}

// New creates an empty Stack.
func New(opts ...Option) *Stack {
	s := &Stack{capacity: DefaultCapacity}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Push records the state that preceded a completed mutation. Any redo
// branch is discarded: editing after an undo forks history and the
// abandoned branch is unreachable.
func (s *Stack) Push(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, snap.clone())
	if s.capacity > 0 && len(s.undo) > s.capacity {
		// Ring bound: drop the oldest snapshot.
		copy(s.undo, s.undo[1:])
		s.undo = s.undo[:len(s.undo)-1]
	}
	s.redo = s.redo[:0]
}

// Undo pops the most recent snapshot, parks current on the redo side, and
// returns the popped snapshot for the caller to restore. Returns false when
// there is nothing to undo.
func (s *Stack) Undo(current Snapshot) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.undo) == 0 {
		return nil, false
	}
	top := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, current.clone())
	return top, true
}

// Redo is the inverse of Undo.
func (s *Stack) Redo(current Snapshot) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.redo) == 0 {
		return nil, false
	}
	top := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, current.clone())
	return top, true
}

// CanUndo reports whether an Undo would succeed.
func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo) > 0
}

// CanRedo reports whether a Redo would succeed.
func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo) > 0
}

// Depths returns the current undo and redo depths.
func (s *Stack) Depths() (undo, redo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo), len(s.redo)
}

// Clear drops both stacks.
func (s *Stack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = nil
	s.redo = nil
}
