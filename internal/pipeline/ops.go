package pipeline

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Rescale maps v from [min, max] to [0, 255] with round half up. A degenerate
// range and NaN samples map to 0.
func Rescale(v, min, max float64) uint8 {
	if max == min || math.IsNaN(v) {
		return 0
	}
	x := math.Floor(255*(v-min)/(max-min) + 0.5)
	if x <= 0 {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return uint8(x)
}

type rescaleOp struct {
	min, max float64
}

func (o *rescaleOp) Name() string {
	return fmt.Sprintf("rescale[%g:%g]", o.min, o.max)
}

func (o *rescaleOp) Layout(in []tile.Layout) tile.Layout {
	l := in[0]
	l.Bands = 1
	l.Type = tile.Uint8
	return l
}

func (o *rescaleOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	src := srcs[0]
	if src.Bands != 1 {
		return nil, fmt.Errorf("expected 1 band, got %d", src.Bands)
	}
	out := tile.NewBuffer(src.Width, src.Height, 1, tile.Uint8)
	for i := range out.Pix {
		out.Pix[i] = Rescale(src.Sample(i), o.min, o.max)
	}
	return out, nil
}

// lookupOp maps each sample of a single band tile to a color. With an index
// map the sample is first translated to a palette index. Samples without a
// color map to all zero components.
type lookupOp struct {
	index  map[int]int
	colors []tile.RGBA
	bands  int
	name   string
}

func newLookupOp(index map[int]int, colors []tile.RGBA, bands int) *lookupOp {
	h := fnv.New64a()
	if index != nil {
		keys := make([]int, 0, len(index))
		for k := range index {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%d:%d;", k, index[k])
		}
	}
	h.Write([]byte{'|'})
	for _, c := range colors {
		h.Write([]byte{c.R, c.G, c.B, c.A})
	}
	return &lookupOp{
		index:  index,
		colors: colors,
		bands:  bands,
		name:   fmt.Sprintf("lookup%d#%016x", bands, h.Sum64()),
	}
}

func (o *lookupOp) Name() string {
	return o.name
}

func (o *lookupOp) Layout(in []tile.Layout) tile.Layout {
	l := in[0]
	l.Bands = o.bands
	l.Type = tile.Uint8
	return l
}

func (o *lookupOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	src := srcs[0]
	if src.Bands != 1 {
		return nil, fmt.Errorf("expected 1 band, got %d", src.Bands)
	}
	out := tile.NewBuffer(src.Width, src.Height, o.bands, tile.Uint8)
	n := src.Len()
	for i := 0; i < n; i++ {
		c, ok := o.color(src.Sample(i))
		if !ok {
			continue
		}
		p := out.Pix[i*o.bands : (i+1)*o.bands]
		p[0], p[1], p[2] = c.R, c.G, c.B
		if o.bands == 4 {
			p[3] = c.A
		}
	}
	return out, nil
}

func (o *lookupOp) color(v float64) (tile.RGBA, bool) {
	if math.IsNaN(v) {
		return tile.RGBA{}, false
	}
	idx := int(v)
	if o.index != nil {
		var ok bool
		if idx, ok = o.index[idx]; !ok {
			return tile.RGBA{}, false
		}
	}
	if idx < 0 || idx >= len(o.colors) {
		return tile.RGBA{}, false
	}
	return o.colors[idx], true
}

type interleaveOp struct{}

func (interleaveOp) Name() string {
	return "interleave"
}

func (interleaveOp) Layout(in []tile.Layout) tile.Layout {
	l := in[0]
	l.Bands = len(in)
	l.Type = tile.Uint8
	return l
}

func (interleaveOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	n := len(srcs)
	w, h := srcs[0].Width, srcs[0].Height
	out := tile.NewBuffer(w, h, n, tile.Uint8)
	for b, src := range srcs {
		if src.Width != w || src.Height != h || src.Pix == nil || src.Bands != 1 {
			return nil, fmt.Errorf("band %d is not a %dx%d 8 bit tile", b, w, h)
		}
		for i, v := range src.Pix {
			out.Pix[i*n+b] = v
		}
	}
	return out, nil
}

// matchOp remaps every band of an 8 bit tile through its own table.
type matchOp struct {
	tables [][256]uint8
	name   string
}

func newMatchOp(mode Matching, tables [][256]uint8) *matchOp {
	h := fnv.New64a()
	for _, t := range tables {
		h.Write(t[:])
	}
	return &matchOp{tables: tables, name: fmt.Sprintf("%s#%016x", mode, h.Sum64())}
}

func (o *matchOp) Name() string {
	return o.name
}

func (o *matchOp) Layout(in []tile.Layout) tile.Layout {
	return in[0]
}

func (o *matchOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	src := srcs[0]
	if src.Type != tile.Uint8 || src.Bands != len(o.tables) {
		return nil, fmt.Errorf("expected %d band 8 bit tile, got %d band %s", len(o.tables), src.Bands, src.Type)
	}
	out := tile.NewBuffer(src.Width, src.Height, src.Bands, tile.Uint8)
	for i, v := range src.Pix {
		out.Pix[i] = o.tables[i%src.Bands][v]
	}
	return out, nil
}

type maskOp struct {
	pred Predicate
}

func (o *maskOp) Name() string {
	return "mask[" + o.pred.Name + "]"
}

func (o *maskOp) Layout(in []tile.Layout) tile.Layout {
	l := in[0]
	l.Bands = 1
	l.Type = tile.Bit
	return l
}

func (o *maskOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	src := srcs[0]
	if src.Bands != 1 {
		return nil, fmt.Errorf("expected 1 band, got %d", src.Bands)
	}
	out := tile.NewBuffer(src.Width, src.Height, 1, tile.Bit)
	for i := range out.Pix {
		if o.pred.Fn(src.Sample(i)) {
			out.Pix[i] = 1
		}
	}
	return out, nil
}

// overlayOp composites 4 band layers over a 1, 3 or 4 band display tile. The
// output always carries alpha.
type overlayOp struct{}

func (overlayOp) Name() string {
	return "overlay"
}

func (overlayOp) Layout(in []tile.Layout) tile.Layout {
	l := in[0]
	l.Bands = 4
	l.Type = tile.Uint8
	return l
}

func (overlayOp) Apply(srcs []*tile.Buffer) (*tile.Buffer, error) {
	base := srcs[0]
	if base.Pix == nil {
		return nil, fmt.Errorf("base is not an 8 bit tile")
	}
	for i, l := range srcs[1:] {
		if l.Bands != 4 || l.Pix == nil || l.Width != base.Width || l.Height != base.Height {
			return nil, fmt.Errorf("layer %d is not a %dx%d RGBA tile", i, base.Width, base.Height)
		}
	}

	out := tile.NewBuffer(base.Width, base.Height, 4, tile.Uint8)
	n := base.Width * base.Height
	for i := 0; i < n; i++ {
		c := pixel(base, i)
		for _, l := range srcs[1:] {
			p := l.Pix[i*4 : i*4+4]
			c = tile.Over(tile.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}, c)
		}
		o := out.Pix[i*4 : i*4+4]
		o[0], o[1], o[2], o[3] = c.R, c.G, c.B, c.A
	}
	return out, nil
}

// pixel reads pixel i of an 8 bit gray, RGB or RGBA tile as a color.
func pixel(b *tile.Buffer, i int) tile.RGBA {
	p := b.Pix[i*b.Bands : (i+1)*b.Bands]
	switch b.Bands {
	case 1:
		v := p[0]
		if b.Type == tile.Bit && v != 0 {
			v = 255
		}
		return tile.RGBA{R: v, G: v, B: v, A: 255}
	case 3:
		return tile.RGBA{R: p[0], G: p[1], B: p[2], A: 255}
	default:
		return tile.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
	}
}
