package pipeline

import (
	"context"
	"fmt"

	"github.com/kiesman99/tilepipe/internal/cache"
)

// Probe reads single pixels of an image. It keeps the last few tiles in a
// private front cache, so walking neighbouring pixels does not touch the
// shared cache. A Probe may be shared between goroutines.
type Probe struct {
	img   *Image
	front *cache.Front
}

// NewProbe returns a probe over img remembering up to size tiles.
func NewProbe(img *Image, size int) *Probe {
	return &Probe{img: img, front: cache.NewFront(size)}
}

// At returns all band values of the pixel at (x, y).
func (p *Probe) At(ctx context.Context, x, y int) ([]float64, error) {
	l := p.img.layout
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return nil, fmt.Errorf("%w: pixel (%d,%d) outside %dx%d", ErrOutOfRange, x, y, l.Width, l.Height)
	}
	tx, ty := x/l.TileWidth, y/l.TileHeight
	k := cache.Key{ImageID: p.img.id, TileX: tx, TileY: ty}

	b, ok := p.front.Get(k)
	if !ok {
		var err error
		if b, err = p.img.Tile(ctx, tx, ty); err != nil {
			return nil, err
		}
		p.front.Put(k, b)
	}

	r := l.TileBounds(tx, ty)
	out := make([]float64, b.Bands)
	for band := range out {
		out[band] = b.At(x-r.Min.X, y-r.Min.Y, band)
	}
	return out, nil
}

// Reset forgets the remembered tiles, e.g. after the image was invalidated.
func (p *Probe) Reset() {
	p.front.Clear()
}
