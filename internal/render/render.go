package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// MaxPixels bounds the size of an assembled image.
const MaxPixels = 20000 * 20000

// Tiler is a tiled image that can be rendered, usually a *pipeline.Image.
type Tiler interface {
	ID() string
	Layout() tile.Layout
	Tile(ctx context.Context, tx, ty int) (*tile.Buffer, error)
}

// Geo places the rendered image for the world file.
type Geo struct {
	PixelSizeX float64
	PixelSizeY float64
	MinX       float64
	MaxY       float64
}

// Options contains all rendering parameters
type Options struct {
	Format int
	// Workers is the number of tiles computed concurrently (GOMAXPROCS if <= 0).
	Workers int
	// Quicklook, when positive, also produces a PNG that fits into a
	// Quicklook x Quicklook box.
	Quicklook int
	// Geo, when set, produces world file data.
	Geo *Geo
	// Progress is called after every finished tile.
	Progress func(done, total int)
}

// Result contains the rendering result
type Result struct {
	ImageData     []byte
	WorldFileData []byte
	QuicklookData []byte
	Image         image.Image
	Width         int
	Height        int
}

// TileError reports tiles that could not be produced. Nothing is encoded when
// any tile failed.
type TileError struct {
	Message         string
	FailedTiles     []FailedTile
	SuccessfulTiles int
	TotalTiles      int
}

func (e *TileError) Error() string {
	return e.Message
}

// FailedTile represents a single failed tile
type FailedTile struct {
	TileX int
	TileY int
	Err   error
}

// CancelledError is returned when rendering stopped on request.
type CancelledError struct {
	TilesDone  int
	TilesTotal int
	Err        error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("render cancelled after %d of %d tiles: %v", e.TilesDone, e.TilesTotal, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

func (e *CancelledError) Is(target error) bool {
	return target == tile.ErrCancelled
}

// Renderer materializes whole images tile by tile.
type Renderer struct {
	log zerolog.Logger
}

// New creates a new renderer instance
func New(log zerolog.Logger) *Renderer {
	return &Renderer{log: log}
}

// Materialize requests every tile of src once so that later reads are served
// from the cache.
func (r *Renderer) Materialize(ctx context.Context, src Tiler, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	return r.walk(ctx, src, opts, nil)
}

// Render computes every tile of src and assembles and encodes the image.
func (r *Renderer) Render(ctx context.Context, src Tiler, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	l := src.Layout()
	if int64(l.Width)*int64(l.Height) > MaxPixels {
		return nil, tile.Configf("requested image size too large: %dx%d", l.Width, l.Height)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, l.Width, l.Height))
	err := r.walk(ctx, src, opts, func(tx, ty int, b *tile.Buffer) error {
		img, err := tile.ToImage(b)
		if err != nil {
			return err
		}
		bounds := l.TileBounds(tx, ty)
		// tiles cover disjoint regions of the canvas
		tile.Paste(canvas, img, bounds.Min.X, bounds.Min.Y)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := tile.Encode(canvas, opts.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output image: %w", err)
	}
	result := &Result{
		ImageData: data,
		Image:     canvas,
		Width:     l.Width,
		Height:    l.Height,
	}

	if opts.Quicklook > 0 {
		ql := imaging.Fit(canvas, opts.Quicklook, opts.Quicklook, imaging.Lanczos)
		if result.QuicklookData, err = tile.EncodePNG(ql); err != nil {
			return nil, fmt.Errorf("failed to encode quicklook: %w", err)
		}
	}
	if g := opts.Geo; g != nil {
		result.WorldFileData = tile.WorldFile(g.PixelSizeX, g.PixelSizeY, g.MinX, g.MaxY)
	}

	r.log.Info().
		Str("image", src.ID()).
		Int("width", l.Width).
		Int("height", l.Height).
		Int("bytes", len(data)).
		Msg("rendered")
	return result, nil
}

// walk fetches all tiles of src with a bounded number of workers and hands
// each one to fn. Tile failures are collected, cancellation stops the walk.
func (r *Renderer) walk(ctx context.Context, src Tiler, opts *Options, fn func(tx, ty int, b *tile.Buffer) error) error {
	l := src.Layout()
	total := l.NumTiles()
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		mu     sync.Mutex
		done   int
		failed []FailedTile
	)

	g := new(errgroup.Group)
	g.SetLimit(workers)

loop:
	for ty := 0; ty < l.NumYTiles(); ty++ {
		for tx := 0; tx < l.NumXTiles(); tx++ {
			// Check context cancellation
			select {
			case <-ctx.Done():
				break loop
			default:
			}

			tx, ty := tx, ty
			// workers always return nil so one failed tile does not stop
			// the others; failures are collected in failed
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				b, err := src.Tile(ctx, tx, ty)
				if err == nil && fn != nil {
					err = fn(tx, ty, b)
				}

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if ctx.Err() == nil || !isCancellation(err) {
						failed = append(failed, FailedTile{TileX: tx, TileY: ty, Err: err})
						r.log.Warn().Err(err).Int("tx", tx).Int("ty", ty).Msg("tile failed")
					}
					return nil
				}
				done++
				if opts.Progress != nil {
					opts.Progress(done, total)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return &CancelledError{TilesDone: done, TilesTotal: total, Err: err}
	}
	if len(failed) > 0 {
		return &TileError{
			Message:         fmt.Sprintf("%d of %d tiles of %s failed: %v", len(failed), total, src.ID(), failed[0].Err),
			FailedTiles:     failed,
			SuccessfulTiles: done,
			TotalTiles:      total,
		}
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, tile.ErrCancelled)
}
