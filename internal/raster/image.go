package raster

import (
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff" // Register TIFF format decoder

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// OpenImage decodes a PNG, JPEG or TIFF file into in-memory rasters. Gray
// images give one raster (uint8 or uint16), color images one raster per
// channel in R, G, B order.
func OpenImage(path string, tileSize int) ([]*Memory, error) {
	if tileSize <= 0 {
		tileSize = tile.DefaultSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}

	return FromImage(fileID(path, "image", tileSize), img, tileSize), nil
}

// FromImage splits an image into single band rasters.
func FromImage(id string, img image.Image, tileSize int) []*Memory {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		return []*Memory{Generate(id, w, h, tileSize, tile.Uint8, func(x, y int) float64 {
			return float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
		})}
	case *image.Gray16:
		return []*Memory{Generate(id, w, h, tileSize, tile.Uint16, func(x, y int) float64 {
			return float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
		})}
	}

	names := []string{"red", "green", "blue"}
	out := make([]*Memory, len(names))
	for band, name := range names {
		band := band
		out[band] = Generate(fmt.Sprintf("%s.%s", id, name), w, h, tileSize, tile.Uint8, func(x, y int) float64 {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			return float64([]uint32{r, g, bl}[band] >> 8)
		})
	}
	return out
}
