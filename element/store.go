package element

import (
	"log/slog"
	"sort"
	"sync"
)

// Store is the in-memory authoritative client view of one canvas, keyed by
// element id. At most one Element per id exists at any time; Upsert on an
// existing id replaces it, so creation races (optimistic local object plus a
// late-arriving remote add for the same id) collapse to a single entry.
//
// The Store never fails: a Remove of an unknown id is logged and ignored.
type Store struct {
	mu       sync.RWMutex
	elements map[string]Element
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets a custom logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		elements: make(map[string]Element),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert inserts or replaces the element under its id and reports whether
// the stored content actually changed. Re-upserting identical content is a
// no-op for rendering purposes, but callers still record it in the Tracker.
func (s *Store) Upsert(el Element) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.elements[el.ID]; ok && prev.Equal(el) {
		return false
	}
	s.elements[el.ID] = el.Clone()
	return true
}

// Remove deletes the element under id and reports whether it existed.
// Absence is not an error: a remote delete may race a local one.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elements[id]; !ok {
		s.logger.Debug("store: remove of unknown element", "id", id)
		return false
	}
	delete(s.elements, id)
	return true
}

// Get returns a copy of the element under id.
func (s *Store) Get(id string) (Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.elements[id]
	if !ok {
		return Element{}, false
	}
	return el.Clone(), true
}

// List returns copies of all elements, ordered by id for determinism.
func (s *Store) List() []Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Element, 0, len(s.elements))
	for _, el := range s.elements {
		out = append(out, el.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored elements.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

// Rename moves the element stored under oldID to newID, updating its ID
// field in place. This is the id-rename step of optimistic creation: the
// element keeps its identity, only the key changes. Reports whether oldID
// existed. If newID already exists its entry is replaced, collapsing the
// race where the remote add for the authoritative id arrived first.
func (s *Store) Rename(oldID, newID string) bool {
	if oldID == newID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[oldID]
	if !ok {
		s.logger.Debug("store: rename of unknown element", "old_id", oldID, "new_id", newID)
		return false
	}
	delete(s.elements, oldID)
	el.ID = newID
	s.elements[newID] = el
	return true
}

// Replace swaps the entire content of the Store with the given elements.
// Used by undo/redo to restore a history snapshot.
func (s *Store) Replace(elements []Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = make(map[string]Element, len(elements))
	for _, el := range elements {
		s.elements[el.ID] = el.Clone()
	}
}

// Clear removes all elements.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = make(map[string]Element)
}
