package history

import (
	"fmt"
	"testing"

	"github.com/slateboard/slate/element"
)

func snap(ids ...string) Snapshot {
	s := make(Snapshot, 0, len(ids))
	for _, id := range ids {
		s = append(s, element.Element{
			ID:       id,
			CanvasID: "canvas-1",
			Kind:     element.KindRectangle,
		})
	}
	return s
}

func ids(s Snapshot) string {
	out := ""
	for _, el := range s {
		out += el.ID + ","
	}
	return out
}

func TestUndoRedoSymmetry(t *testing.T) {
	// N mutations: before each, the prior state is pushed.
	// undo × N followed by redo × N must restore the final state exactly.
	const n = 10
	st := New()

	states := make([]Snapshot, n+1)
	states[0] = snap() // empty canvas
	for i := 1; i <= n; i++ {
		states[i] = snap(fmt.Sprintf("e%d", i))
		st.Push(states[i-1])
	}

	current := states[n]
	for i := n; i >= 1; i-- {
		prev, ok := st.Undo(current)
		if !ok {
			t.Fatalf("undo %d: nothing to undo", i)
		}
		if ids(prev) != ids(states[i-1]) {
			t.Fatalf("undo %d: got %q, want %q", i, ids(prev), ids(states[i-1]))
		}
		current = prev
	}
	if _, ok := st.Undo(current); ok {
		t.Fatal("undo past the beginning should fail")
	}

	for i := 1; i <= n; i++ {
		next, ok := st.Redo(current)
		if !ok {
			t.Fatalf("redo %d: nothing to redo", i)
		}
		current = next
	}
	if ids(current) != ids(states[n]) {
		t.Fatalf("after full redo: got %q, want %q", ids(current), ids(states[n]))
	}
	if _, ok := st.Redo(current); ok {
		t.Fatal("redo past the end should fail")
	}
}

func TestPushDiscardsRedoBranch(t *testing.T) {
	st := New()
	st.Push(snap())
	st.Push(snap("e1"))

	current := snap("e1", "e2")
	prev, _ := st.Undo(current)
	current = prev

	if !st.CanRedo() {
		t.Fatal("redo should be available after undo")
	}

	// A new edit after an undo discards the redo branch.
	st.Push(current)
	if st.CanRedo() {
		t.Fatal("push after undo must clear the redo stack")
	}
}

func TestCapacityBound(t *testing.T) {
	st := New(WithCapacity(3))
	for i := 0; i < 10; i++ {
		st.Push(snap(fmt.Sprintf("e%d", i)))
	}
	undo, _ := st.Depths()
	if undo != 3 {
		t.Fatalf("undo depth = %d, want 3", undo)
	}

	// The retained snapshots are the newest three: e7, e8, e9.
	current := snap("final")
	for _, want := range []string{"e9,", "e8,", "e7,"} {
		got, ok := st.Undo(current)
		if !ok {
			t.Fatal("undo failed inside capacity")
		}
		if ids(got) != want {
			t.Fatalf("undo got %q, want %q", ids(got), want)
		}
		current = got
	}
	if _, ok := st.Undo(current); ok {
		t.Fatal("snapshots beyond capacity should have been dropped")
	}
}

func TestUnboundedWhenZeroCapacity(t *testing.T) {
	st := New(WithCapacity(0))
	for i := 0; i < 500; i++ {
		st.Push(snap(fmt.Sprintf("e%d", i)))
	}
	undo, _ := st.Depths()
	if undo != 500 {
		t.Fatalf("undo depth = %d, want 500 (unbounded)", undo)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	st := New()
	s := snap("e1")
	s[0].Attributes.Filters = []string{"blur"}
	st.Push(s)

	// Mutating the caller's snapshot must not affect stored history.
	s[0].Attributes.Filters[0] = "sepia"
	s[0].ID = "tampered"

	got, _ := st.Undo(snap())
	if got[0].ID != "e1" || got[0].Attributes.Filters[0] != "blur" {
		t.Fatalf("stored snapshot aliases caller data: %+v", got[0])
	}
}

func TestClear(t *testing.T) {
	st := New()
	st.Push(snap("e1"))
	st.Undo(snap("e1", "e2"))
	st.Clear()
	if st.CanUndo() || st.CanRedo() {
		t.Fatal("Clear should empty both stacks")
	}
}
