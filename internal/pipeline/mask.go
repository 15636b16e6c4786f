package pipeline

import (
	"fmt"
	"math"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Predicate selects the foreground pixels of a mask. Name becomes part of the
// mask identity, so two predicates with the same name must select the same
// samples.
type Predicate struct {
	Name string
	Fn   func(float64) bool
}

// EqualTo selects samples equal to v. EqualTo(NaN) selects NaN samples.
func EqualTo(v float64) Predicate {
	if math.IsNaN(v) {
		return Predicate{Name: "eq:nan", Fn: math.IsNaN}
	}
	return Predicate{
		Name: fmt.Sprintf("eq:%g", v),
		Fn:   func(s float64) bool { return s == v },
	}
}

// NotEqual selects samples different from v, NaN included.
func NotEqual(v float64) Predicate {
	eq := EqualTo(v)
	return Predicate{
		Name: fmt.Sprintf("ne:%g", v),
		Fn:   func(s float64) bool { return !eq.Fn(s) },
	}
}

// InRange selects samples in [lo, hi].
func InRange(lo, hi float64) Predicate {
	return Predicate{
		Name: fmt.Sprintf("range:%g:%g", lo, hi),
		Fn:   func(s float64) bool { return s >= lo && s <= hi },
	}
}

// BuildMask derives a 1 bit image from a single band image: pixels whose
// sample satisfies p are foreground.
func (a *Assembler) BuildMask(src *Image, p Predicate) (*Image, error) {
	if src == nil {
		return nil, tile.Configf("mask source is nil")
	}
	if p.Fn == nil || p.Name == "" {
		return nil, tile.Configf("mask predicate needs a name and a function")
	}
	if src.layout.Bands != 1 {
		return nil, tile.Configf("mask source %s has %d bands, expected 1", src.id, src.layout.Bands)
	}
	return newNode(a.g, &maskOp{pred: p}, src)
}

// RenderMask expands a 1 bit mask into an RGBA image through a two entry
// palette: background is fully transparent, foreground is c including its
// alpha.
func (a *Assembler) RenderMask(mask *Image, c tile.RGBA) (*Image, error) {
	if mask == nil || mask.layout.Type != tile.Bit {
		return nil, tile.Configf("render mask needs a 1 bit image")
	}
	return newNode(a.g, newLookupOp(nil, []tile.RGBA{tile.Transparent, c}, 4), mask)
}

// MaskLayer is a colored mask composited over a display image.
type MaskLayer struct {
	Source    tile.Source
	Predicate Predicate
	Color     tile.RGBA
}

// NoDataLayer marks the no-data pixels of r. ok is false when r has no
// no-data value.
func NoDataLayer(r *Raster, c tile.RGBA) (MaskLayer, bool) {
	if r.NoData == nil {
		return MaskLayer{}, false
	}
	return MaskLayer{Source: r.Source, Predicate: EqualTo(*r.NoData), Color: c}, true
}
