package tile

import (
	"golang.org/x/exp/constraints"
)

// Number is any sample element type a raster can be stored in.
type Number interface {
	constraints.Integer | constraints.Float
}

// FromSlice copies band interleaved samples into a new buffer of type t.
func FromSlice[T Number](width, height, bands int, t DataType, data []T) *Buffer {
	b := NewBuffer(width, height, bands, t)
	if b.Pix != nil {
		for i := range b.Pix {
			b.Pix[i] = uint8(data[i])
		}
		return b
	}
	for i := range b.Samples {
		b.Samples[i] = float64(data[i])
	}
	return b
}

// Crop copies the rectangle (x0, y0, w, h) of a band interleaved sample slice
// with the given row stride (in pixels) into a new buffer.
func Crop[T Number](data []T, stride, bands, x0, y0, w, h int, t DataType) *Buffer {
	b := NewBuffer(w, h, bands, t)
	for y := 0; y < h; y++ {
		row := ((y0+y)*stride + x0) * bands
		for x := 0; x < w*bands; x++ {
			v := data[row+x]
			i := y*w*bands + x
			if b.Pix != nil {
				b.Pix[i] = uint8(v)
			} else {
				b.Samples[i] = float64(v)
			}
		}
	}
	return b
}
