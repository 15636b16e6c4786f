package raster

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

var errOutOfRange = errors.New("tile out of range")

// RawOptions describe a headerless, band sequential sample file such as an
// SRTM .hgt tile or an ENVI .img body.
type RawOptions struct {
	Width     int
	Height    int
	Type      tile.DataType
	BigEndian bool
	// Offset is the number of header bytes to skip.
	Offset   int64
	TileSize int
}

// Raw reads tiles on demand from a flat binary file.
type Raw struct {
	id     string
	file   *os.File
	opts   RawOptions
	layout tile.Layout
	order  binary.ByteOrder
}

// OpenRaw opens path and checks that it is large enough for the given layout.
func OpenRaw(path string, opts RawOptions) (*Raw, error) {
	if opts.TileSize <= 0 {
		opts.TileSize = tile.DefaultSize
	}
	if opts.Type == tile.Bit {
		return nil, tile.Configf("raw rasters cannot be stored as %s", opts.Type)
	}
	layout := tile.NewLayout(opts.Width, opts.Height, opts.TileSize, opts.Type)
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open raster %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat raster %s", path)
	}
	want := opts.Offset + int64(opts.Width)*int64(opts.Height)*int64(opts.Type.Bits()/8)
	if st.Size() < want {
		f.Close()
		return nil, tile.Configf("raster %s holds %d bytes, layout needs %d", path, st.Size(), want)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	id := fileID(path, "raw", opts.Type, opts.BigEndian, opts.Offset, opts.TileSize)
	return &Raw{id: id, file: f, opts: opts, layout: layout, order: order}, nil
}

// fileID names a file backed raster: its base name followed by a digest of
// the absolute path and the decoding parameters. Two rasters share an id
// only if they decode the same file the same way.
func fileID(path string, params ...any) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h := fnv.New32a()
	fmt.Fprint(h, filepath.Clean(path))
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return fmt.Sprintf("%s-%08x", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), h.Sum32())
}

// OpenHGT opens an SRTM height file (big endian int16, square).
func OpenHGT(path string, tileSize int) (*Raw, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	side := int(math.Sqrt(float64(st.Size() / 2)))
	if int64(side*side*2) != st.Size() {
		return nil, tile.Configf("%s is not a square int16 grid", path)
	}
	return OpenRaw(path, RawOptions{
		Width:     side,
		Height:    side,
		Type:      tile.Int16,
		BigEndian: true,
		TileSize:  tileSize,
	})
}

func (r *Raw) ID() string {
	return r.id
}

func (r *Raw) Layout() tile.Layout {
	return r.layout
}

// Close releases the underlying file.
func (r *Raw) Close() error {
	return r.file.Close()
}

// ReadTile reads the rows of one tile with positioned reads, so concurrent
// calls do not share a file offset.
func (r *Raw) ReadTile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.layout.ValidTile(tx, ty) {
		return nil, &tile.ReadError{ImageID: r.id, TileX: tx, TileY: ty, Err: errOutOfRange}
	}

	bounds := r.layout.TileBounds(tx, ty)
	size := r.opts.Type.Bits() / 8
	row := make([]byte, bounds.Dx()*size)
	buf := tile.NewBuffer(bounds.Dx(), bounds.Dy(), 1, r.opts.Type)

	for y := 0; y < bounds.Dy(); y++ {
		off := r.opts.Offset + (int64(bounds.Min.Y+y)*int64(r.layout.Width)+int64(bounds.Min.X))*int64(size)
		if _, err := r.file.ReadAt(row, off); err != nil {
			return nil, &tile.ReadError{
				ImageID: r.id,
				TileX:   tx,
				TileY:   ty,
				Err:     errors.Wrapf(err, "read row %d at offset %d", bounds.Min.Y+y, off),
			}
		}
		for x := 0; x < bounds.Dx(); x++ {
			buf.Set(x, y, 0, r.decode(row[x*size:]))
		}
	}
	return buf, nil
}

func (r *Raw) decode(b []byte) float64 {
	switch r.opts.Type {
	case tile.Uint8:
		return float64(b[0])
	case tile.Int8:
		return float64(int8(b[0]))
	case tile.Uint16:
		return float64(r.order.Uint16(b))
	case tile.Int16:
		return float64(int16(r.order.Uint16(b)))
	case tile.Uint32:
		return float64(r.order.Uint32(b))
	case tile.Int32:
		return float64(int32(r.order.Uint32(b)))
	case tile.Float32:
		return float64(math.Float32frombits(r.order.Uint32(b)))
	default:
		return math.Float64frombits(r.order.Uint64(b))
	}
}
