package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kiesman99/tilepipe/internal/cache"
	"github.com/kiesman99/tilepipe/internal/stats"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// DefaultBins is the histogram resolution used to derive display ranges.
const DefaultBins = 512

// Matching selects the histogram matching applied to a display image.
type Matching int

const (
	MatchNone Matching = iota
	MatchEqualize
	MatchNormalize
)

func (m Matching) String() string {
	switch m {
	case MatchEqualize:
		return "equalize"
	case MatchNormalize:
		return "normalize"
	}
	return "none"
}

// ParseMatching converts "none", "equalize" or "normalize" to a Matching.
func ParseMatching(s string) (Matching, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MatchNone, nil
	case "equalize":
		return MatchEqualize, nil
	case "normalize":
		return MatchNormalize, nil
	}
	return MatchNone, tile.Configf("unknown histogram matching %q", s)
}

// Options configure an Assembler.
type Options struct {
	// Bins is the histogram resolution of PrepareInfo (DefaultBins if <= 0).
	Bins int
	// Clip is the fraction of samples cut from each histogram tail when a
	// display range is derived.
	Clip   float64
	Logger *zerolog.Logger
}

// Assembler builds display graphs. All images it builds share one cache and
// one set of in-flight computations.
type Assembler struct {
	g    *graph
	opts Options
	log  zerolog.Logger
}

// NewAssembler returns an assembler publishing tiles to c. A nil cache is
// replaced by a private one with default limits.
func NewAssembler(c *cache.Cache, opts Options) *Assembler {
	if c == nil {
		c = cache.New(0, 0)
	}
	if opts.Bins <= 0 {
		opts.Bins = DefaultBins
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Assembler{
		g:    &graph{cache: c, log: log},
		opts: opts,
		log:  log,
	}
}

// Cache returns the cache shared by all images of the assembler.
func (a *Assembler) Cache() *cache.Cache {
	return a.g.cache
}

// Source wraps a raw raster as a leaf image.
func (a *Assembler) Source(src tile.Source) *Image {
	return newLeaf(a.g, src)
}

// Rescale stretches [min, max] of a single band image to 8 bit.
func (a *Assembler) Rescale(in *Image, min, max float64) (*Image, error) {
	if in.layout.Bands != 1 {
		return nil, tile.Configf("rescale input %s has %d bands, expected 1", in.id, in.layout.Bands)
	}
	if math.IsNaN(min) || math.IsNaN(max) || math.IsInf(min, 0) || math.IsInf(max, 0) {
		return nil, tile.Configf("invalid display range [%g, %g]", min, max)
	}
	return newNode(a.g, &rescaleOp{min: min, max: max}, in)
}

// Lookup maps samples of a single band image to colors. index may be nil,
// in which case the sample itself is the palette index. bands is 3 or 4.
func (a *Assembler) Lookup(in *Image, index map[int]int, colors []tile.RGBA, bands int) (*Image, error) {
	if in.layout.Bands != 1 {
		return nil, tile.Configf("lookup input %s has %d bands, expected 1", in.id, in.layout.Bands)
	}
	if bands != 3 && bands != 4 {
		return nil, tile.Configf("lookup produces 3 or 4 bands, not %d", bands)
	}
	if len(colors) == 0 {
		return nil, tile.Configf("lookup without colors")
	}
	return newNode(a.g, newLookupOp(index, colors, bands), in)
}

// Interleave combines single band 8 bit images into one multi band image in
// input order.
func (a *Assembler) Interleave(in ...*Image) (*Image, error) {
	for _, im := range in {
		if im.layout.Bands != 1 || im.layout.Type != tile.Uint8 {
			return nil, tile.Configf("interleave input %s is not a single band 8 bit image", im.id)
		}
	}
	return newNode(a.g, interleaveOp{}, in...)
}

// Match remaps the bands of an 8 bit image through per band tables.
func (a *Assembler) Match(in *Image, mode Matching, tables [][256]uint8) (*Image, error) {
	if in.layout.Type != tile.Uint8 || len(tables) != in.layout.Bands {
		return nil, tile.Configf("%s needs one table per band of %s", mode, in.id)
	}
	return newNode(a.g, newMatchOp(mode, tables), in)
}

// Overlay composites RGBA layers over a display image.
func (a *Assembler) Overlay(base *Image, layers ...*Image) (*Image, error) {
	switch base.layout.Bands {
	case 1, 3, 4:
	default:
		return nil, tile.Configf("overlay base %s has %d bands", base.id, base.layout.Bands)
	}
	for _, l := range layers {
		if l.layout.Bands != 4 || l.layout.Type != tile.Uint8 {
			return nil, tile.Configf("overlay layer %s is not an RGBA image", l.id)
		}
	}
	return newNode(a.g, overlayOp{}, append([]*Image{base}, layers...)...)
}

// band is one display channel together with the distribution of its 8 bit
// levels, which is what histogram matching works on.
type band struct {
	img    *Image
	counts [][256]int64
}

// BuildDisplay assembles the display graph of 1, 3 or 4 rasters. Every raster
// needs its Info. No tiles are read: matching tables are derived from the
// histograms held by the infos.
func (a *Assembler) BuildDisplay(rasters []*Raster, matching Matching) (*Image, error) {
	switch len(rasters) {
	case 1, 3, 4:
	default:
		return nil, tile.Configf("display needs 1, 3 or 4 rasters, got %d", len(rasters))
	}
	for i, r := range rasters {
		if r == nil || r.Source == nil {
			return nil, tile.Configf("raster %d has no source", i)
		}
		if r.Info == nil {
			return nil, tile.Configf("raster %s has no image info", r.Source.ID())
		}
		if !r.Source.Layout().SameTiling(rasters[0].Source.Layout()) {
			return nil, tile.Configf("raster %s does not share the tiling of %s", r.Source.ID(), rasters[0].Source.ID())
		}
	}

	var out band
	if len(rasters) == 1 {
		b, err := a.single(rasters[0])
		if err != nil {
			return nil, err
		}
		out = b
	} else {
		imgs := make([]*Image, len(rasters))
		for i, r := range rasters {
			if r.Info.Discrete() {
				return nil, tile.Configf("discrete raster %s cannot be a channel of a %d band display", r.Source.ID(), len(rasters))
			}
			b, err := a.rescaled(r)
			if err != nil {
				return nil, err
			}
			imgs[i] = b.img
			out.counts = append(out.counts, b.counts[0])
		}
		img, err := a.Interleave(imgs...)
		if err != nil {
			return nil, err
		}
		out.img = img
	}

	if matching == MatchNone {
		a.log.Debug().Str("image", out.img.id).Msg("display assembled")
		return out.img, nil
	}
	tables := make([][256]uint8, len(out.counts))
	for i, c := range out.counts {
		// the alpha band of a 4 raster display is not matched
		if i == 3 {
			tables[i] = identityTable()
			continue
		}
		switch matching {
		case MatchEqualize:
			tables[i] = equalizeTable(c)
		case MatchNormalize:
			tables[i] = normalizeTable(c)
		default:
			return nil, tile.Configf("unknown histogram matching %d", matching)
		}
	}
	img, err := a.Match(out.img, matching, tables)
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("image", img.id).Str("matching", matching.String()).Msg("display assembled")
	return img, nil
}

// single builds the display channel of a lone raster: a palette lookup for
// discrete rasters, otherwise a rescale optionally followed by a color
// gradient.
func (a *Assembler) single(r *Raster) (band, error) {
	info := r.Info
	leaf := a.Source(r.Source)

	if info.Discrete() {
		colors := make([]tile.RGBA, len(info.Palette))
		for i, p := range info.Palette {
			colors[i] = p.Color
		}
		img, err := a.Lookup(leaf, info.SampleToIndex, colors, 3)
		if err != nil {
			return band{}, err
		}
		counts := make([][256]int64, 3)
		for sample, n := range info.IndexCounts {
			idx, ok := info.SampleToIndex[sample]
			if !ok {
				// unknown classes display black
				counts[0][0] += n
				counts[1][0] += n
				counts[2][0] += n
				continue
			}
			c := colors[idx]
			counts[0][c.R] += n
			counts[1][c.G] += n
			counts[2][c.B] += n
		}
		return band{img: img, counts: counts}, nil
	}

	b, err := a.rescaled(r)
	if err != nil {
		return band{}, err
	}
	if len(info.Palette) < 2 {
		return b, nil
	}

	lut := info.gradient()
	img, err := a.Lookup(b.img, nil, lut, 3)
	if err != nil {
		return band{}, err
	}
	counts := make([][256]int64, 3)
	for v, n := range b.counts[0] {
		c := lut[v]
		counts[0][c.R] += n
		counts[1][c.G] += n
		counts[2][c.B] += n
	}
	return band{img: img, counts: counts}, nil
}

// rescaled builds the 8 bit channel of a continuous raster together with the
// distribution of its levels. Exact level counts are used when the info holds
// them for the current display range, otherwise the histogram is spread over
// the levels.
func (a *Assembler) rescaled(r *Raster) (band, error) {
	lo, hi := r.rawRange(r.Info)
	img, err := a.Rescale(a.Source(r.Source), lo, hi)
	if err != nil {
		return band{}, err
	}
	var counts [256]int64
	switch {
	case r.Info.levelsFor(lo, hi):
		copy(counts[:], r.Info.Levels)
	case r.Info.Histogram != nil:
		counts = spreadLevels(r.Info.Histogram, lo, hi)
	}
	return band{img: img, counts: [][256]int64{counts}}, nil
}

// spreadLevels distributes every histogram bin over the 8 bit levels its
// sample interval overlaps, in proportion to the overlap. Level v holds
// [lo+(v-0.5)*step, lo+(v+0.5)*step), the first and last level are open
// ended.
func spreadLevels(h *stats.Histogram, lo, hi float64) [256]int64 {
	var acc [256]float64
	w := h.BinWidth()
	step := (hi - lo) / 255
	for i, n := range h.Bins {
		if n == 0 {
			continue
		}
		b0 := h.Low + float64(i)*w
		b1 := b0 + w
		v0 := int(Rescale(b0, lo, hi))
		v1 := int(Rescale(math.Nextafter(b1, math.Inf(-1)), lo, hi))
		if v0 == v1 || !(step > 0) || !(w > 0) {
			acc[v0] += float64(n)
			continue
		}
		for v := v0; v <= v1; v++ {
			l0, l1 := b0, b1
			if v > 0 {
				l0 = math.Max(l0, lo+(float64(v)-0.5)*step)
			}
			if v < 255 {
				l1 = math.Min(l1, lo+(float64(v)+0.5)*step)
			}
			if l1 > l0 {
				acc[v] += float64(n) * (l1 - l0) / w
			}
		}
	}
	// rounding the running sum keeps the total
	var counts [256]int64
	var cum float64
	var prev int64
	for v, x := range acc {
		cum += x
		next := int64(math.Round(cum))
		counts[v] = next - prev
		prev = next
	}
	return counts
}

// Display is BuildDisplay with a fallback: rasters without Info get one from
// PrepareInfo, stored back on the raster.
func (a *Assembler) Display(ctx context.Context, rasters []*Raster, matching Matching) (*Image, error) {
	if err := a.prepare(ctx, rasters, matching); err != nil {
		return nil, err
	}
	return a.BuildDisplay(rasters, matching)
}

// BuildOverlay assembles a display image with mask layers composited on top.
func (a *Assembler) BuildOverlay(rasters []*Raster, matching Matching, layers []MaskLayer) (*Image, error) {
	base, err := a.BuildDisplay(rasters, matching)
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return base, nil
	}
	rendered := make([]*Image, len(layers))
	for i, l := range layers {
		if l.Source == nil {
			return nil, tile.Configf("mask layer %d has no source", i)
		}
		m, err := a.BuildMask(a.Source(l.Source), l.Predicate)
		if err != nil {
			return nil, err
		}
		if rendered[i], err = a.RenderMask(m, l.Color); err != nil {
			return nil, err
		}
	}
	return a.Overlay(base, rendered...)
}

// Overlaid is BuildOverlay with the ImageInfo fallback of Display.
func (a *Assembler) Overlaid(ctx context.Context, rasters []*Raster, matching Matching, layers []MaskLayer) (*Image, error) {
	if err := a.prepare(ctx, rasters, matching); err != nil {
		return nil, err
	}
	return a.BuildOverlay(rasters, matching, layers)
}

// prepare gives every raster an Info. With matching, continuous rasters also
// get level counts for their current display range. Rasters are locked one
// at a time, so displays over different rasters prepare concurrently.
func (a *Assembler) prepare(ctx context.Context, rasters []*Raster, matching Matching) error {
	for i, r := range rasters {
		if r == nil || r.Source == nil {
			return tile.Configf("raster %d has no source", i)
		}
		if err := a.prepareRaster(ctx, r, matching != MatchNone); err != nil {
			return fmt.Errorf("prepare %s: %w", r.Source.ID(), err)
		}
	}
	return nil
}

func (a *Assembler) prepareRaster(ctx context.Context, r *Raster, levels bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Info == nil {
		info, err := a.PrepareInfo(ctx, r, nil)
		if err != nil {
			return err
		}
		r.Info = info
		return nil
	}
	if !levels || r.Info.Discrete() {
		return nil
	}
	if lo, hi := r.rawRange(r.Info); r.Info.levelsFor(lo, hi) {
		return nil
	}
	return a.countLevels(ctx, r, r.Info, nil)
}

func identityTable() [256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = uint8(i)
	}
	return t
}

// equalizeTable maps v to round(255 * cum(v) / total). An empty histogram
// yields the identity.
func equalizeTable(counts [256]int64) [256]uint8 {
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return identityTable()
	}
	var t [256]uint8
	var cum int64
	for v, n := range counts {
		cum += n
		t[v] = uint8(math.Floor(255*float64(cum)/float64(total) + 0.5))
	}
	return t
}

// normalizeTable stretches the occupied levels to [0, 255]. A single occupied
// level yields the identity.
func normalizeTable(counts [256]int64) [256]uint8 {
	lo, hi := -1, -1
	for v, n := range counts {
		if n > 0 {
			if lo < 0 {
				lo = v
			}
			hi = v
		}
	}
	if lo < 0 || lo == hi {
		return identityTable()
	}
	var t [256]uint8
	for v := range t {
		t[v] = Rescale(float64(v), float64(lo), float64(hi))
	}
	return t
}
