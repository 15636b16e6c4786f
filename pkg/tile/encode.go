package tile

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"golang.org/x/image/tiff"
)

// ToImage converts an 8 bit or 1 bit buffer with 1, 3 or 4 bands to an image.
func ToImage(b *Buffer) (image.Image, error) {
	if b.Type != Uint8 && b.Type != Bit {
		return nil, fmt.Errorf("cannot display %s samples, rescale to uint8 first", b.Type)
	}
	rect := image.Rect(0, 0, b.Width, b.Height)

	switch b.Bands {
	case 1:
		img := image.NewGray(rect)
		if b.Type == Bit {
			for i, v := range b.Pix {
				if v != 0 {
					img.Pix[i] = 255
				}
			}
		} else {
			copy(img.Pix, b.Pix)
		}
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for i := 0; i < b.Width*b.Height; i++ {
			img.Pix[i*4] = b.Pix[i*3]
			img.Pix[i*4+1] = b.Pix[i*3+1]
			img.Pix[i*4+2] = b.Pix[i*3+2]
			img.Pix[i*4+3] = 255
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, b.Pix)
		return img, nil
	}
	return nil, fmt.Errorf("cannot display %d bands", b.Bands)
}

// Paste draws a tile image into dst with its top-left corner at (x, y).
func Paste(dst draw.Image, src image.Image, x, y int) {
	r := src.Bounds().Add(image.Pt(x, y))
	draw.Draw(dst, r, src, src.Bounds().Min, draw.Src)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var output bytes.Buffer
	if err := png.Encode(&output, img); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

// EncodeTIFF encodes img as deflate compressed TIFF.
func EncodeTIFF(img image.Image) ([]byte, error) {
	var output bytes.Buffer
	if err := tiff.Encode(&output, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

// Encode encodes img in the given output format.
func Encode(img image.Image, format int) ([]byte, error) {
	switch format {
	case FormatPNG:
		return EncodePNG(img)
	case FormatTIFF:
		return EncodeTIFF(img)
	}
	return nil, fmt.Errorf("unknown output format %d", format)
}

// ParseFormat maps "png" and "tiff" to the format constants.
func ParseFormat(s string) (int, error) {
	switch s {
	case "png", "":
		return FormatPNG, nil
	case "tiff", "tif":
		return FormatTIFF, nil
	}
	return 0, fmt.Errorf("unknown format: %s", s)
}

// WorldFile generates world file data for an image with the given pixel size
// and upper left corner.
func WorldFile(px, py, minx, maxy float64) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", px)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", -py)
	fmt.Fprintf(&buf, "%24.10f\n", minx)
	fmt.Fprintf(&buf, "%24.10f\n", maxy)
	return buf.Bytes()
}

// WorldFileExt returns the world file extension matching an output format.
func WorldFileExt(format int) string {
	if format == FormatPNG {
		return ".pgw"
	}
	return ".tfw"
}
