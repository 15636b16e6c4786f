package raster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Memory is an in-memory single band raster.
type Memory struct {
	id     string
	layout tile.Layout

	mu      sync.RWMutex
	samples []float64

	reads atomic.Int64
}

// NewMemory copies data (row major, width*height samples) into a new raster.
func NewMemory[T tile.Number](id string, width, height, tileSize int, t tile.DataType, data []T) *Memory {
	samples := make([]float64, width*height)
	for i := range samples {
		samples[i] = float64(data[i])
	}
	return &Memory{
		id:      id,
		layout:  tile.NewLayout(width, height, tileSize, t),
		samples: samples,
	}
}

// Generate builds a raster whose sample at (x, y) is fn(x, y).
func Generate(id string, width, height, tileSize int, t tile.DataType, fn func(x, y int) float64) *Memory {
	samples := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			samples[y*width+x] = fn(x, y)
		}
	}
	return &Memory{
		id:      id,
		layout:  tile.NewLayout(width, height, tileSize, t),
		samples: samples,
	}
}

func (m *Memory) ID() string {
	return m.id
}

func (m *Memory) Layout() tile.Layout {
	return m.layout
}

// ReadTile copies one tile out of the raster.
func (m *Memory) ReadTile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.layout.ValidTile(tx, ty) {
		return nil, &tile.ReadError{ImageID: m.id, TileX: tx, TileY: ty, Err: errOutOfRange}
	}
	m.reads.Add(1)

	r := m.layout.TileBounds(tx, ty)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tile.Crop(m.samples, m.layout.Width, 1, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), m.layout.Type), nil
}

// Set changes a sample. Cached tiles derived from the raster are stale
// afterwards until the caller invalidates them.
func (m *Memory) Set(x, y int, v float64) {
	m.mu.Lock()
	m.samples[y*m.layout.Width+x] = v
	m.mu.Unlock()
}

// Reads returns the number of tiles read so far.
func (m *Memory) Reads() int64 {
	return m.reads.Load()
}
