package reconcile

import "github.com/slateboard/slate/element"

// Surface is the rendering boundary. The session calls it on every store
// mutation, local or remote; the production canvas renderer implements it,
// tests use a recording fake, and NopSurface serves headless use.
type Surface interface {
	AddObject(el element.Element)
	UpdateObject(id string, el element.Element)
	RemoveObject(id string)
}

// NopSurface is a Surface that does nothing.
type NopSurface struct{}

func (NopSurface) AddObject(element.Element)            {}
func (NopSurface) UpdateObject(string, element.Element) {}
func (NopSurface) RemoveObject(string)                  {}
