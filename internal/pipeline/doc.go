// Package pipeline builds lazily evaluated tile graphs over raw rasters.
//
// Every node of a graph is an *Image. Leaf images read tiles from a
// tile.Source, inner images combine the tiles of their inputs at the same
// coordinate with one of a closed set of operations:
//
//   - rescale: linear stretch of a display range to 8 bit
//   - lookup: sample or index to color through a palette
//   - interleave: N single band 8 bit images to one N band image
//   - match: per band 256 entry tables for histogram equalize/normalize
//   - mask: predicate over raw samples to a 1 bit image
//   - overlay: RGBA mask layers composited over a display image
//
// Tiles are computed on first request, at most once per node and coordinate
// while they stay cached, and published to a shared cache.Cache. Nothing is
// computed while a graph is built.
//
// The Assembler turns rasters with their display parameters (ImageInfo) into
// display graphs:
//
//	a := pipeline.NewAssembler(cache.New(0, 0), pipeline.Options{})
//	img, err := a.Display(ctx, []*pipeline.Raster{{Source: src}}, pipeline.MatchNone)
//	if err != nil {
//		return err
//	}
//	buf, err := img.Tile(ctx, 0, 0)
//
// Display derives missing ImageInfo from a histogram scan. BuildDisplay
// requires it to be present and performs no I/O.
package pipeline
