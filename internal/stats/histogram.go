package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// ErrEmpty is returned by Extrema when no valid sample was found.
var ErrEmpty = errors.New("no valid samples")

// Tiler is anything that can hand out tiles of an image.
type Tiler interface {
	Layout() tile.Layout
	Tile(ctx context.Context, tx, ty int) (*tile.Buffer, error)
}

// Options control a scan.
type Options struct {
	// Band selects the band to scan.
	Band int
	// Valid, when set, excludes samples for which it returns false.
	Valid func(float64) bool
	// Progress is called after every scanned tile.
	Progress func(done, total int)
}

// Histogram is a fixed bin histogram. Bin i covers
// [Low + i*BinWidth, Low + (i+1)*BinWidth).
type Histogram struct {
	Bins  []int64
	Low   float64
	High  float64
	Total int64
}

// NumBins returns the number of bins.
func (h *Histogram) NumBins() int {
	return len(h.Bins)
}

// BinWidth returns the width of one bin.
func (h *Histogram) BinWidth() float64 {
	if len(h.Bins) == 0 {
		return 0
	}
	return (h.High - h.Low) / float64(len(h.Bins))
}

// BinCenter returns the sample value in the middle of bin i.
func (h *Histogram) BinCenter(i int) float64 {
	return h.Low + (float64(i)+0.5)*h.BinWidth()
}

// Range returns the sample range [lo, hi] that holds the given fraction of
// samples in each tail, measured on bin edges. clip 0 yields [Low, High].
func (h *Histogram) Range(clip float64) (lo, hi float64) {
	if clip <= 0 || h.Total == 0 {
		return h.Low, h.High
	}
	limit := int64(clip * float64(h.Total))
	first, last := 0, len(h.Bins)-1

	var acc int64
	for i, n := range h.Bins {
		acc += n
		if acc > limit {
			first = i
			break
		}
	}
	acc = 0
	for i := len(h.Bins) - 1; i >= 0; i-- {
		acc += h.Bins[i]
		if acc > limit {
			last = i
			break
		}
	}
	if last < first {
		last = first
	}
	w := h.BinWidth()
	return h.Low + float64(first)*w, h.Low + float64(last+1)*w
}

// CancelledError is the outcome of a scan stopped through its context. The
// partial bins are informational only.
type CancelledError struct {
	Partial    []int64
	TilesDone  int
	TilesTotal int
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("scan cancelled after %d of %d tiles", e.TilesDone, e.TilesTotal)
}

func (e *CancelledError) Is(target error) bool {
	return target == tile.ErrCancelled
}

// Compute builds a histogram of numBins bins over [low, high) by visiting
// every tile of src once. The result is cropped to the first and last
// non-empty bin.
func Compute(ctx context.Context, src Tiler, numBins int, low, high float64, opts Options) (*Histogram, error) {
	if numBins <= 0 {
		return nil, tile.Configf("invalid bin count %d", numBins)
	}
	if math.IsNaN(low) || math.IsNaN(high) || math.IsInf(low, 0) || math.IsInf(high, 0) || !(high > low) {
		return nil, tile.Configf("invalid histogram range [%g, %g)", low, high)
	}
	if err := checkBand(src.Layout(), opts.Band); err != nil {
		return nil, err
	}

	bins := make([]int64, numBins)
	binWidth := (high - low) / float64(numBins)
	last := numBins - 1

	err := walk(ctx, src, opts, func(b *tile.Buffer) {
		for i := opts.Band; i < b.Len(); i += b.Bands {
			v := b.Sample(i)
			if math.IsNaN(v) || v < low || v >= high {
				continue
			}
			if opts.Valid != nil && !opts.Valid(v) {
				continue
			}
			bin := int(math.Floor((v - low) / binWidth))
			if bin < 0 {
				bin = 0
			} else if bin > last {
				bin = last
			}
			bins[bin]++
		}
	})
	if err != nil {
		var cancelled *CancelledError
		if errors.As(err, &cancelled) {
			cancelled.Partial = bins
		}
		return nil, err
	}

	return Crop(bins, low, high), nil
}

// Levels counts the samples of src by the level fn assigns them, for images
// whose display quantizes samples to n levels. fn must return a value in
// [0, n). NaN and invalid samples are not counted.
func Levels(ctx context.Context, src Tiler, n int, fn func(float64) int, opts Options) ([]int64, error) {
	if n <= 0 {
		return nil, tile.Configf("invalid level count %d", n)
	}
	if err := checkBand(src.Layout(), opts.Band); err != nil {
		return nil, err
	}
	counts := make([]int64, n)
	err := walk(ctx, src, opts, func(b *tile.Buffer) {
		for i := opts.Band; i < b.Len(); i += b.Bands {
			v := b.Sample(i)
			if math.IsNaN(v) || (opts.Valid != nil && !opts.Valid(v)) {
				continue
			}
			counts[fn(v)]++
		}
	})
	if err != nil {
		var cancelled *CancelledError
		if errors.As(err, &cancelled) {
			cancelled.Partial = counts
		}
		return nil, err
	}
	return counts, nil
}

// Crop trims empty bins from both ends of a histogram and recomputes its
// bounds. An all empty histogram is returned unchanged.
func Crop(bins []int64, low, high float64) *Histogram {
	minIndex, maxIndex := 0, len(bins)-1
	for i, n := range bins {
		if n > 0 {
			minIndex = i
			break
		}
	}
	for i := len(bins) - 1; i >= 0; i-- {
		if bins[i] > 0 {
			maxIndex = i
			break
		}
	}

	binWidth := (high - low) / float64(len(bins))
	cropped := make([]int64, maxIndex-minIndex+1)
	copy(cropped, bins[minIndex:maxIndex+1])

	var total int64
	for _, n := range cropped {
		total += n
	}
	return &Histogram{
		Bins:  cropped,
		Low:   low + float64(minIndex)*binWidth,
		High:  low + float64(maxIndex+1)*binWidth,
		Total: total,
	}
}

// Extrema scans src for its smallest and largest valid sample.
func Extrema(ctx context.Context, src Tiler, opts Options) (min, max float64, err error) {
	if err := checkBand(src.Layout(), opts.Band); err != nil {
		return 0, 0, err
	}
	min, max = math.Inf(1), math.Inf(-1)
	err = walk(ctx, src, opts, func(b *tile.Buffer) {
		for i := opts.Band; i < b.Len(); i += b.Bands {
			v := b.Sample(i)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if opts.Valid != nil && !opts.Valid(v) {
				continue
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	})
	if err != nil {
		return 0, 0, err
	}
	if min > max {
		return 0, 0, ErrEmpty
	}
	return min, max, nil
}

// Counts returns how often each integer sample value occurs in src.
func Counts(ctx context.Context, src Tiler, opts Options) (map[int]int64, error) {
	if err := checkBand(src.Layout(), opts.Band); err != nil {
		return nil, err
	}
	counts := make(map[int]int64)
	err := walk(ctx, src, opts, func(b *tile.Buffer) {
		for i := opts.Band; i < b.Len(); i += b.Bands {
			v := b.Sample(i)
			if math.IsNaN(v) {
				continue
			}
			if opts.Valid != nil && !opts.Valid(v) {
				continue
			}
			counts[int(v)]++
		}
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func checkBand(l tile.Layout, band int) error {
	if band < 0 || band >= l.Bands {
		return tile.Configf("band %d out of range, image has %d bands", band, l.Bands)
	}
	return nil
}

// walk visits every tile of src in row order, checking for cancellation
// before each tile.
func walk(ctx context.Context, src Tiler, opts Options, fn func(*tile.Buffer)) error {
	l := src.Layout()
	total := l.NumTiles()
	done := 0

	for ty := 0; ty < l.NumYTiles(); ty++ {
		for tx := 0; tx < l.NumXTiles(); tx++ {
			if ctx.Err() != nil {
				return &CancelledError{TilesDone: done, TilesTotal: total}
			}

			b, err := src.Tile(ctx, tx, ty)
			if err != nil {
				if ctx.Err() != nil {
					return &CancelledError{TilesDone: done, TilesTotal: total}
				}
				return err
			}
			fn(b)

			done++
			if opts.Progress != nil {
				opts.Progress(done, total)
			}
		}
	}
	return nil
}
