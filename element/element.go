// Package element defines the canvas object model and the two pieces of
// in-memory state the reconciler owns per editing session: the Store (the
// client's authoritative view of canvas objects) and the Tracker (per-id
// processing history used to recognise and drop echoes of the client's own
// mutations).
//
// Both are plain mutex-guarded maps with no persistence; durability lives in
// the outbox package.
package element

import (
	"time"

	"github.com/slateboard/slate/idgen"
)

// Kind is the closed set of drawable object types.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindText      Kind = "text"
	KindImage     Kind = "image"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindEllipse, KindText, KindImage:
		return true
	}
	return false
}

// Geometry holds position, scale, rotation, and opacity. These are the only
// fields considered safe to merge from a remote update without clobbering
// kind-specific state.
type Geometry struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Rotation float64 `json:"rotation"`
	Opacity  float64 `json:"opacity"`
}

// Attributes carries the kind-specific payload. Only the fields relevant to
// the element's Kind are meaningful; the rest stay zero.
type Attributes struct {
	// Text elements.
	Text       string  `json:"text,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`

	// Shapes.
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`

	// Images. A change of ImageURL means the underlying resource changed
	// identity, so remote updates carrying a new URL replace the whole
	// object instead of patching fields.
	ImageURL string   `json:"imageUrl,omitempty"`
	Filters  []string `json:"filters,omitempty"`
}

// Element is one drawable object on a canvas.
type Element struct {
	// ID is stable for the element's lifetime, except for one in-place
	// rename: optimistic creations carry a "temp_" id until the backend
	// returns the authoritative one.
	ID         string     `json:"id"`
	CanvasID   string     `json:"canvasId"`
	Kind       Kind       `json:"kind"`
	Geometry   Geometry   `json:"geometry"`
	Attributes Attributes `json:"attributes"`

	// Version is a monotonically assigned counter carried in the
	// kind-specific payload. Used opportunistically, not as the sole
	// conflict signal.
	Version int64 `json:"version"`
}

// IsTemp reports whether the element still carries a local optimistic id.
func (e Element) IsTemp() bool { return idgen.IsTemp(e.ID) }

// Clone returns a deep copy. Elements cross goroutine boundaries (feed
// events, outbox rows, history snapshots), so shared slices must not alias.
func (e Element) Clone() Element {
	out := e
	if e.Attributes.Filters != nil {
		out.Attributes.Filters = make([]string, len(e.Attributes.Filters))
		copy(out.Attributes.Filters, e.Attributes.Filters)
	}
	return out
}

// Equal reports whether two elements have identical content, ignoring
// nothing. Used to make Upsert idempotent for rendering purposes.
func (e Element) Equal(other Element) bool {
	if e.ID != other.ID || e.CanvasID != other.CanvasID || e.Kind != other.Kind ||
		e.Geometry != other.Geometry || e.Version != other.Version {
		return false
	}
	a, b := e.Attributes, other.Attributes
	if len(a.Filters) != len(b.Filters) {
		return false
	}
	for i := range a.Filters {
		if a.Filters[i] != b.Filters[i] {
			return false
		}
	}
	return a.Text == b.Text && a.FontFamily == b.FontFamily && a.FontSize == b.FontSize &&
		a.Fill == b.Fill && a.Stroke == b.Stroke && a.StrokeWidth == b.StrokeWidth &&
		a.Width == b.Width && a.Height == b.Height && a.ImageURL == b.ImageURL
}

// Action records how the reconciler last touched an element.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// ProcessedEntry is the Tracker's per-id record: when the reconciler last
// processed the element, what it did, and the version it saw.
type ProcessedEntry struct {
	LastProcessedAt time.Time
	Action          Action
	Version         int64
}
