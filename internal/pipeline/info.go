package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/kiesman99/tilepipe/internal/stats"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Scale converts raw samples to geophysical values: raw*Factor + Offset.
// The zero Scale is the identity.
type Scale struct {
	Factor float64
	Offset float64
}

func (s Scale) factor() float64 {
	if s.Factor == 0 {
		return 1
	}
	return s.Factor
}

// Apply converts a raw sample to a geophysical value.
func (s Scale) Apply(raw float64) float64 {
	return raw*s.factor() + s.Offset
}

// Inverse converts a geophysical value back to raw sample units.
func (s Scale) Inverse(v float64) float64 {
	return (v - s.Offset) / s.factor()
}

// IndexEntry declares one class of a discrete raster.
type IndexEntry struct {
	Sample int
	Label  string
	// Color is optional; classes without one get a generated color.
	Color *tile.RGBA
}

// PalettePoint is one entry of a color palette. For discrete rasters Sample
// is the class sample, for continuous rasters it is a gradient stop in
// geophysical units.
type PalettePoint struct {
	Sample float64
	Color  tile.RGBA
	Label  string
}

// ImageInfo holds the display parameters of one raster. MinDisplay and
// MaxDisplay are geophysical values, the histogram is in raw sample units.
type ImageInfo struct {
	MinDisplay float64
	MaxDisplay float64
	Histogram  *stats.Histogram
	// SampleToIndex is set for discrete rasters and maps a class sample to
	// its position in Palette.
	SampleToIndex map[int]int
	Palette       []PalettePoint
	// IndexCounts holds the pixel count of every class sample.
	IndexCounts map[int]int64
	// Levels counts the 8 bit display levels of a continuous raster. It is
	// only used while the display range is the one it was counted for.
	Levels []int64

	levelsLo, levelsHi float64
}

// Discrete reports whether the info describes an indexed raster.
func (i *ImageInfo) Discrete() bool {
	return i.SampleToIndex != nil
}

// Raster is a raw raster plus everything needed to display it.
type Raster struct {
	Source tile.Source
	// Info is derived by PrepareInfo when nil.
	Info *ImageInfo
	// IndexCoding marks a discrete raster.
	IndexCoding []IndexEntry
	NoData      *float64
	Scale       Scale

	mu sync.Mutex
}

func (r *Raster) valid() func(float64) bool {
	if r.NoData == nil {
		return nil
	}
	nd := *r.NoData
	return func(v float64) bool { return v != nd }
}

// rawRange returns the display range of info in raw sample units.
func (r *Raster) rawRange(info *ImageInfo) (float64, float64) {
	lo, hi := r.Scale.Inverse(info.MinDisplay), r.Scale.Inverse(info.MaxDisplay)
	if r.Scale.factor() < 0 {
		lo, hi = hi, lo
	}
	return lo, hi
}

// levelsFor reports whether Levels were counted for the raw range [lo, hi].
func (i *ImageInfo) levelsFor(lo, hi float64) bool {
	return len(i.Levels) == 256 && i.levelsLo == lo && i.levelsHi == hi
}

// countLevels counts every valid sample of r at the 8 bit level the
// rescale of info's display range gives it.
func (a *Assembler) countLevels(ctx context.Context, r *Raster, info *ImageInfo, progress func(done, total int)) error {
	lo, hi := r.rawRange(info)
	levels, err := stats.Levels(ctx, a.Source(r.Source), 256, func(v float64) int {
		return int(Rescale(v, lo, hi))
	}, stats.Options{Valid: r.valid(), Progress: progress})
	if err != nil {
		return err
	}
	info.Levels, info.levelsLo, info.levelsHi = levels, lo, hi
	return nil
}

// PrepareInfo derives display parameters for r by scanning its tiles. An
// existing Info is returned as is. The raster is not modified.
func (a *Assembler) PrepareInfo(ctx context.Context, r *Raster, progress func(done, total int)) (*ImageInfo, error) {
	if r.Info != nil {
		return r.Info, nil
	}
	if r.Source == nil {
		return nil, tile.Configf("raster without source")
	}
	if err := r.Source.Layout().Validate(); err != nil {
		return nil, err
	}
	leaf := a.Source(r.Source)
	opts := stats.Options{Valid: r.valid(), Progress: progress}

	if len(r.IndexCoding) > 0 {
		return a.discreteInfo(ctx, r, leaf, opts)
	}

	t := r.Source.Layout().Type
	lo, hi, fixed := t.FixedRange()
	high := hi + 1
	if !fixed {
		var err error
		lo, hi, err = stats.Extrema(ctx, leaf, opts)
		if errors.Is(err, stats.ErrEmpty) {
			lo, hi = 0, 0
		} else if err != nil {
			return nil, err
		}
		high = math.Nextafter(hi, math.Inf(1))
		if !(high > lo) {
			high = lo + 1
		}
	}

	h, err := stats.Compute(ctx, leaf, a.opts.Bins, lo, high, opts)
	if err != nil {
		return nil, err
	}
	min, max := h.Range(a.opts.Clip)
	info := &ImageInfo{
		MinDisplay: r.Scale.Apply(min),
		MaxDisplay: r.Scale.Apply(max),
		Histogram:  h,
	}
	if r.Scale.factor() < 0 {
		info.MinDisplay, info.MaxDisplay = info.MaxDisplay, info.MinDisplay
	}
	if err := a.countLevels(ctx, r, info, progress); err != nil {
		return nil, err
	}
	a.log.Debug().
		Str("raster", r.Source.ID()).
		Float64("min", info.MinDisplay).
		Float64("max", info.MaxDisplay).
		Int("bins", h.NumBins()).
		Msg("derived display range")
	return info, nil
}

// discreteInfo builds the palette of an indexed raster and counts the real
// frequency of every class.
func (a *Assembler) discreteInfo(ctx context.Context, r *Raster, leaf *Image, opts stats.Options) (*ImageInfo, error) {
	entries := append([]IndexEntry(nil), r.IndexCoding...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sample < entries[j].Sample })

	generated := tile.Distinct(len(entries))
	info := &ImageInfo{
		SampleToIndex: make(map[int]int, len(entries)),
		Palette:       make([]PalettePoint, 0, len(entries)),
	}
	for i, e := range entries {
		if _, dup := info.SampleToIndex[e.Sample]; dup {
			return nil, tile.Configf("duplicate class sample %d in %s", e.Sample, r.Source.ID())
		}
		c := generated[i]
		if e.Color != nil {
			c = *e.Color
		}
		info.SampleToIndex[e.Sample] = i
		info.Palette = append(info.Palette, PalettePoint{Sample: float64(e.Sample), Color: c, Label: e.Label})
	}

	counts, err := stats.Counts(ctx, leaf, opts)
	if err != nil {
		return nil, err
	}
	info.IndexCounts = counts
	info.MinDisplay = r.Scale.Apply(float64(entries[0].Sample))
	info.MaxDisplay = r.Scale.Apply(float64(entries[len(entries)-1].Sample))
	if r.Scale.factor() < 0 {
		info.MinDisplay, info.MaxDisplay = info.MaxDisplay, info.MinDisplay
	}
	return info, nil
}

// gradient returns the 256 colors a continuous palette assigns to the 8 bit
// display levels between MinDisplay and MaxDisplay.
func (i *ImageInfo) gradient() []tile.RGBA {
	pts := append([]PalettePoint(nil), i.Palette...)
	sort.SliceStable(pts, func(a, b int) bool { return pts[a].Sample < pts[b].Sample })

	lut := make([]tile.RGBA, 256)
	for v := range lut {
		s := i.MinDisplay + float64(v)/255*(i.MaxDisplay-i.MinDisplay)
		switch {
		case s <= pts[0].Sample:
			lut[v] = pts[0].Color
		case s >= pts[len(pts)-1].Sample:
			lut[v] = pts[len(pts)-1].Color
		default:
			k := sort.Search(len(pts), func(k int) bool { return pts[k].Sample > s }) - 1
			t := (s - pts[k].Sample) / (pts[k+1].Sample - pts[k].Sample)
			lut[v] = pts[k].Color.Blend(pts[k+1].Color, t)
		}
	}
	return lut
}
