package element

import (
	"testing"
)

func rect(id string) Element {
	return Element{
		ID:       id,
		CanvasID: "canvas-1",
		Kind:     KindRectangle,
		Geometry: Geometry{X: 10, Y: 10, ScaleX: 1, ScaleY: 1, Opacity: 1},
		Attributes: Attributes{
			Fill:   "#3b82f6",
			Width:  120,
			Height: 80,
		},
		Version: 1,
	}
}

func TestStore_UpsertGet(t *testing.T) {
	s := NewStore()
	el := rect("e1")

	if changed := s.Upsert(el); !changed {
		t.Fatal("first upsert should report a change")
	}
	got, ok := s.Get("e1")
	if !ok {
		t.Fatal("Get after Upsert: not found")
	}
	if got.Kind != KindRectangle || got.Attributes.Fill != "#3b82f6" {
		t.Fatalf("Get returned wrong content: %+v", got)
	}
}

func TestStore_UpsertIdempotent(t *testing.T) {
	s := NewStore()
	el := rect("e1")
	s.Upsert(el)

	if changed := s.Upsert(el); changed {
		t.Fatal("re-upserting identical content should be a rendering no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStore_UpsertReplacesSameID(t *testing.T) {
	s := NewStore()
	s.Upsert(rect("e1"))

	moved := rect("e1")
	moved.Geometry.X = 99
	if changed := s.Upsert(moved); !changed {
		t.Fatal("upsert with new geometry should report a change")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want exactly one entry per id", s.Len())
	}
	got, _ := s.Get("e1")
	if got.Geometry.X != 99 {
		t.Fatalf("X = %v, want 99", got.Geometry.X)
	}
}

func TestStore_RemoveMissingIsNotFatal(t *testing.T) {
	s := NewStore()
	if removed := s.Remove("ghost"); removed {
		t.Fatal("Remove of unknown id reported true")
	}
}

func TestStore_Rename(t *testing.T) {
	s := NewStore()
	s.Upsert(rect("temp_abc"))

	if ok := s.Rename("temp_abc", "elem_123"); !ok {
		t.Fatal("Rename reported false for existing id")
	}
	if _, ok := s.Get("temp_abc"); ok {
		t.Fatal("old id still addressable after rename")
	}
	got, ok := s.Get("elem_123")
	if !ok {
		t.Fatal("new id not addressable after rename")
	}
	if got.ID != "elem_123" {
		t.Fatalf("element ID field = %q, want elem_123", got.ID)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStore_RenameCollapsesRace(t *testing.T) {
	// The remote add for the authoritative id can land before the local
	// rename runs. The rename must still leave exactly one entry.
	s := NewStore()
	s.Upsert(rect("temp_abc"))
	s.Upsert(rect("elem_123"))

	s.Rename("temp_abc", "elem_123")
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after rename onto existing id", s.Len())
	}
}

func TestStore_CloneIsolation(t *testing.T) {
	s := NewStore()
	el := rect("e1")
	el.Attributes.Filters = []string{"blur"}
	s.Upsert(el)

	got, _ := s.Get("e1")
	got.Attributes.Filters[0] = "sepia"

	again, _ := s.Get("e1")
	if again.Attributes.Filters[0] != "blur" {
		t.Fatal("stored element aliases caller's slice")
	}
}

func TestStore_Replace(t *testing.T) {
	s := NewStore()
	s.Upsert(rect("e1"))
	s.Upsert(rect("e2"))

	s.Replace([]Element{rect("e3")})
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after Replace", s.Len())
	}
	if _, ok := s.Get("e3"); !ok {
		t.Fatal("replaced content missing")
	}
}

func TestStore_ListOrdered(t *testing.T) {
	s := NewStore()
	s.Upsert(rect("b"))
	s.Upsert(rect("a"))
	s.Upsert(rect("c"))

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Fatalf("List[%d].ID = %q, want %q", i, list[i].ID, want)
		}
	}
}
