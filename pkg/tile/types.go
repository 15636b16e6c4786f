package tile

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
)

// Output format constants
const (
	FormatPNG = iota
	FormatTIFF
)

// DefaultSize is the tile edge length used when none is configured.
const DefaultSize = 512

// DataType is the sample encoding of a raster or tile.
type DataType int

const (
	Uint8 DataType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
	// Bit is a one bit per pixel mask encoding stored as 0/1 in Pix.
	Bit
)

var dataTypeNames = map[DataType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
	Bit:     "bit",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType converts a name such as "int16" to a DataType.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range dataTypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type: %q", s)
}

// Bits returns the storage width of one sample.
func (d DataType) Bits() int {
	switch d {
	case Bit:
		return 1
	case Uint8, Int8:
		return 8
	case Uint16, Int16:
		return 16
	case Uint32, Int32, Float32:
		return 32
	default:
		return 64
	}
}

// IsFloat reports whether d is a floating point encoding.
func (d DataType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// FixedRange returns the theoretical sample range of the 8 and 16 bit integer
// encodings. ok is false for encodings whose extrema have to be scanned.
func (d DataType) FixedRange() (lo, hi float64, ok bool) {
	switch d {
	case Bit:
		return 0, 1, true
	case Uint8:
		return 0, 255, true
	case Int8:
		return -128, 127, true
	case Uint16:
		return 0, 65535, true
	case Int16:
		return -32768, 32767, true
	}
	return 0, 0, false
}

// Layout describes the geometry and tiling of an image.
type Layout struct {
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
	Bands      int
	Type       DataType
}

// NewLayout returns a single band layout with square tiles of the given size.
func NewLayout(width, height, tileSize int, t DataType) Layout {
	return Layout{
		Width:      width,
		Height:     height,
		TileWidth:  tileSize,
		TileHeight: tileSize,
		Bands:      1,
		Type:       t,
	}
}

// NumXTiles returns the number of tile columns.
func (l Layout) NumXTiles() int {
	if l.TileWidth <= 0 {
		return 0
	}
	return (l.Width + l.TileWidth - 1) / l.TileWidth
}

// NumYTiles returns the number of tile rows.
func (l Layout) NumYTiles() int {
	if l.TileHeight <= 0 {
		return 0
	}
	return (l.Height + l.TileHeight - 1) / l.TileHeight
}

// NumTiles returns the total tile count.
func (l Layout) NumTiles() int {
	return l.NumXTiles() * l.NumYTiles()
}

// ValidTile reports whether (tx, ty) addresses a tile of the image.
func (l Layout) ValidTile(tx, ty int) bool {
	return tx >= 0 && ty >= 0 && tx < l.NumXTiles() && ty < l.NumYTiles()
}

// TileBounds returns the pixel rectangle covered by a tile. Tiles on the right
// and bottom edge are clipped to the image.
func (l Layout) TileBounds(tx, ty int) image.Rectangle {
	r := image.Rect(tx*l.TileWidth, ty*l.TileHeight, (tx+1)*l.TileWidth, (ty+1)*l.TileHeight)
	return r.Intersect(image.Rect(0, 0, l.Width, l.Height))
}

// SameTiling reports whether both layouts cover the same pixels with the same tiles.
func (l Layout) SameTiling(o Layout) bool {
	return l.Width == o.Width && l.Height == o.Height &&
		l.TileWidth == o.TileWidth && l.TileHeight == o.TileHeight
}

// Validate checks that the layout can be tiled.
func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return Configf("invalid image size %dx%d", l.Width, l.Height)
	}
	if l.TileWidth <= 0 || l.TileHeight <= 0 {
		return Configf("invalid tile size %dx%d", l.TileWidth, l.TileHeight)
	}
	if l.Bands <= 0 {
		return Configf("invalid band count %d", l.Bands)
	}
	return nil
}

// Source is raw raster storage owned by the reader layer. Implementations must
// be safe for concurrent ReadTile calls and must not change the returned data.
type Source interface {
	// ID is a stable identity used as cache key prefix.
	ID() string
	Layout() Layout
	ReadTile(ctx context.Context, tx, ty int) (*Buffer, error)
}

// Buffer is a rectangular block of samples. 8 bit and 1 bit data lives in Pix,
// every other encoding in Samples, band interleaved by pixel.
type Buffer struct {
	Width   int
	Height  int
	Bands   int
	Type    DataType
	Pix     []uint8
	Samples []float64
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(width, height, bands int, t DataType) *Buffer {
	b := &Buffer{Width: width, Height: height, Bands: bands, Type: t}
	n := width * height * bands
	if t == Uint8 || t == Bit {
		b.Pix = make([]uint8, n)
	} else {
		b.Samples = make([]float64, n)
	}
	return b
}

func (b *Buffer) index(x, y, band int) int {
	return (y*b.Width+x)*b.Bands + band
}

// At returns the sample at (x, y) in the given band.
func (b *Buffer) At(x, y, band int) float64 {
	i := b.index(x, y, band)
	if b.Pix != nil {
		return float64(b.Pix[i])
	}
	return b.Samples[i]
}

// Set stores a sample. Only valid on buffers that have not been published.
func (b *Buffer) Set(x, y, band int, v float64) {
	i := b.index(x, y, band)
	if b.Pix != nil {
		b.Pix[i] = uint8(v)
		return
	}
	b.Samples[i] = v
}

// Len returns the number of samples in the buffer.
func (b *Buffer) Len() int {
	return b.Width * b.Height * b.Bands
}

// Sample returns the i-th sample in storage order.
func (b *Buffer) Sample(i int) float64 {
	if b.Pix != nil {
		return float64(b.Pix[i])
	}
	return b.Samples[i]
}

// ByteSize approximates the memory held by the tile at its nominal bit depth.
func (b *Buffer) ByteSize() int64 {
	bits := int64(b.Len()) * int64(b.Type.Bits())
	return (bits + 7) / 8
}

// Clone returns a deep copy that may be modified freely.
func (b *Buffer) Clone() *Buffer {
	c := *b
	if b.Pix != nil {
		c.Pix = append([]uint8(nil), b.Pix...)
	}
	if b.Samples != nil {
		c.Samples = append([]float64(nil), b.Samples...)
	}
	return &c
}

// Equal reports whether both buffers hold identical samples.
func (b *Buffer) Equal(o *Buffer) bool {
	if b.Width != o.Width || b.Height != o.Height || b.Bands != o.Bands || b.Type != o.Type {
		return false
	}
	for i := 0; i < b.Len(); i++ {
		x, y := b.Sample(i), o.Sample(i)
		if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
			return false
		}
	}
	return true
}
