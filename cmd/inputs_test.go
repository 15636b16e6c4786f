package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/pipeline"
	"github.com/kiesman99/tilepipe/internal/render"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

func TestParseClass(t *testing.T) {
	tests := []struct {
		in      string
		sample  int
		label   string
		color   *tile.RGBA
		wantErr bool
	}{
		{"1:water", 1, "water", nil, false},
		{"2:forest:#33a02c", 2, "forest", &tile.RGBA{R: 0x33, G: 0xa0, B: 0x2c, A: 255}, false},
		{"x:water", 0, "", nil, true},
		{"3", 0, "", nil, true},
		{"4:rock:#zz0000", 0, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, err := parseClass(tt.in)
			if tt.wantErr {
				if !errors.Is(err, tile.ErrConfiguration) {
					t.Errorf("Expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if e.Sample != tt.sample || e.Label != tt.label {
				t.Errorf("Got %+v", e)
			}
			if (e.Color == nil) != (tt.color == nil) || (e.Color != nil && *e.Color != *tt.color) {
				t.Errorf("Expected color %v, got %v", tt.color, e.Color)
			}
		})
	}
}

func TestParsePaletteStop(t *testing.T) {
	p, err := parsePaletteStop("-12.5:#ff0000")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if p.Sample != -12.5 || p.Color != (tile.RGBA{R: 255, A: 255}) {
		t.Errorf("Got %+v", p)
	}
	for _, bad := range []string{"#ff0000", "a:#ff0000", "1:red"} {
		if _, err := parsePaletteStop(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestParseGeo(t *testing.T) {
	g, err := parseGeo("500000, 4200000, 30, 30")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if *g != (render.Geo{MinX: 500000, MaxY: 4200000, PixelSizeX: 30, PixelSizeY: 30}) {
		t.Errorf("Got %+v", g)
	}
	if g, err := parseGeo(""); g != nil || err != nil {
		t.Errorf("Expected no georeferencing, got %v %v", g, err)
	}
	if _, err := parseGeo("1,2,3"); err == nil {
		t.Error("Expected error for three values")
	}
}

func TestHGTGeo(t *testing.T) {
	g := hgtGeo("/data/S12W077.hgt", 1201)
	if g == nil {
		t.Fatal("Expected georeferencing")
	}
	px := 1.0 / 1200
	if math.Abs(g.PixelSizeX-px) > 1e-12 || math.Abs(g.MinX-(-77-px/2)) > 1e-12 || math.Abs(g.MaxY-(-11+px/2)) > 1e-12 {
		t.Errorf("Unexpected geo %+v", g)
	}
	if hgtGeo("/data/dem.hgt", 1201) != nil {
		t.Error("Expected no georeferencing for unparsable name")
	}
}

func TestParsePoint(t *testing.T) {
	x, y, err := parsePoint("12, 7")
	if err != nil || x != 12 || y != 7 {
		t.Errorf("Got %d,%d %v", x, y, err)
	}
	if _, _, err := parsePoint("12"); err == nil {
		t.Error("Expected error")
	}
}

func writeRaw(t *testing.T, dir string, w, h int, fn func(x, y int) uint16) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(buf[2*(y*w+x):], fn(x, y))
		}
	}
	path := filepath.Join(dir, "band.raw")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenInputsRaw(t *testing.T) {
	viper.Set("tile.size", 8)
	defer viper.Set("tile.size", nil)

	path := writeRaw(t, t.TempDir(), 20, 10, func(x, y int) uint16 {
		if x == 0 {
			return 9999
		}
		return uint16(100 * x)
	})
	in, err := openInputs([]string{path}, rasterConfig{
		RawWidth:    20,
		RawHeight:   10,
		RawType:     "uint16",
		NoData:      "9999",
		NoDataColor: "#ff0000",
		ScaleFactor: 0.1,
	})
	if err != nil {
		t.Fatalf("openInputs failed: %v", err)
	}
	defer in.Close()

	if len(in.rasters) != 1 || len(in.layers) != 1 {
		t.Fatalf("Expected one raster with a no-data layer, got %d/%d", len(in.rasters), len(in.layers))
	}
	r := in.rasters[0]
	if l := r.Source.Layout(); l.Width != 20 || l.TileWidth != 8 || l.Type != tile.Uint16 {
		t.Errorf("Unexpected layout %+v", l)
	}
	if r.NoData == nil || *r.NoData != 9999 || r.Scale.Factor != 0.1 {
		t.Errorf("Unexpected raster %+v", r)
	}

	asm := pipeline.NewAssembler(nil, pipeline.Options{})
	img, err := assemble(context.Background(), asm, in, pipeline.MatchNone)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if img.Layout().Bands != 4 {
		t.Errorf("Expected RGBA overlay, got %d bands", img.Layout().Bands)
	}
	// 128 wide bins over the uint16 range, scaled by 0.1
	if r.Info.MinDisplay != 0 || r.Info.MaxDisplay < 190 || r.Info.MaxDisplay > 195 {
		t.Errorf("Expected no-data to be excluded from [%g,%g]", r.Info.MinDisplay, r.Info.MaxDisplay)
	}

	res, err := render.New(zerolog.Nop()).Render(context.Background(), img, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if _, _, _, a := res.Image.At(0, 3).RGBA(); a>>8 != 255 {
		t.Error("Expected opaque no-data marker")
	}
	if r, g, _, _ := res.Image.At(0, 3).RGBA(); r>>8 != 255 || g>>8 != 0 {
		t.Error("Expected red no-data marker")
	}
}

func TestSameFileNamesDoNotShareTiles(t *testing.T) {
	viper.Set("tile.size", 8)
	defer viper.Set("tile.size", nil)

	dir := t.TempDir()
	cfg := rasterConfig{RawWidth: 2, RawHeight: 2, RawType: "int16"}
	a := writeRaw(t, filepath.Join(dir, "a"), 2, 2, func(x, y int) uint16 { return 10 })
	b := writeRaw(t, filepath.Join(dir, "b"), 2, 2, func(x, y int) uint16 { return 20 })

	asm := pipeline.NewAssembler(nil, pipeline.Options{})
	for _, tt := range []struct {
		path string
		want float64
	}{{a, 10}, {b, 20}} {
		in, err := openInputs([]string{tt.path}, cfg)
		if err != nil {
			t.Fatalf("openInputs failed: %v", err)
		}
		buf, err := asm.Source(in.rasters[0].Source).Tile(context.Background(), 0, 0)
		in.Close()
		if err != nil {
			t.Fatalf("Tile failed: %v", err)
		}
		if got := buf.At(1, 1, 0); got != tt.want {
			t.Errorf("%s: expected sample %g, got %g", tt.path, tt.want, got)
		}
	}
}

func TestNewCacheCapacity(t *testing.T) {
	defer viper.Set("cache.capacity", nil)

	viper.Set("cache.capacity", "0")
	if c := newCache(zerolog.Nop()); c.MemoryCapacity() != 0 {
		t.Errorf("Expected pass-through cache, got capacity %d", c.MemoryCapacity())
	}
	viper.Set("cache.capacity", "64MB")
	if c := newCache(zerolog.Nop()); c.MemoryCapacity() != 64<<20 {
		t.Errorf("Expected 64MB capacity, got %d", c.MemoryCapacity())
	}
}

func TestOpenInputsColorImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := 0; i < 24; i++ {
		img.Set(i%6, i/6, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	}
	path := filepath.Join(t.TempDir(), "rgb.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	in, err := openInputs([]string{path}, rasterConfig{})
	if err != nil {
		t.Fatalf("openInputs failed: %v", err)
	}
	if len(in.rasters) != 3 {
		t.Errorf("Expected three channels, got %d", len(in.rasters))
	}
}

func TestPrepareOverrides(t *testing.T) {
	path := writeRaw(t, t.TempDir(), 4, 4, func(x, y int) uint16 { return uint16(x * 10) })
	in, err := openInputs([]string{path}, rasterConfig{
		RawWidth:  4,
		RawHeight: 4,
		RawType:   "uint16",
		Palette:   []string{"0:#000000", "30:#ffffff"},
		Min:       "5",
		Max:       "25",
	})
	if err != nil {
		t.Fatalf("openInputs failed: %v", err)
	}
	defer in.Close()

	asm := pipeline.NewAssembler(nil, pipeline.Options{})
	if err := prepare(context.Background(), asm, in); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	info := in.rasters[0].Info
	if info == nil || info.MinDisplay != 5 || info.MaxDisplay != 25 || len(info.Palette) != 2 {
		t.Errorf("Expected overrides to be applied, got %+v", info)
	}

	in.rasters[0].Info = nil
	in.rasters[0].IndexCoding = []pipeline.IndexEntry{{Sample: 0}}
	if err := prepare(context.Background(), asm, in); !errors.Is(err, tile.ErrConfiguration) {
		t.Errorf("Expected configuration error for palette on classes, got %v", err)
	}
}

func TestOpenInputsErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeRaw(t, dir, 4, 4, func(x, y int) uint16 { return 0 })

	tests := []struct {
		name string
		cfg  rasterConfig
	}{
		{"unknown type", rasterConfig{RawWidth: 4, RawHeight: 4, RawType: "complex"}},
		{"too large", rasterConfig{RawWidth: 40, RawHeight: 4, RawType: "uint16"}},
		{"bad nodata", rasterConfig{RawWidth: 4, RawHeight: 4, RawType: "uint16", NoData: "none"}},
		{"bad color", rasterConfig{RawWidth: 4, RawHeight: 4, RawType: "uint16", NoData: "0", NoDataColor: "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := openInputs([]string{path}, tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
