package raster

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiesman99/tilepipe/pkg/tile"
)

// writeHGT writes a side x side big endian int16 grid where sample = y*side+x - 100
func writeHGT(t *testing.T, side int) string {
	t.Helper()
	data := make([]byte, side*side*2)
	for i := 0; i < side*side; i++ {
		binary.BigEndian.PutUint16(data[i*2:], uint16(int16(i-100)))
	}
	path := filepath.Join(t.TempDir(), "N00E000.hgt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write test raster: %v", err)
	}
	return path
}

func TestOpenHGT(t *testing.T) {
	path := writeHGT(t, 30)
	r, err := OpenHGT(path, 16)
	if err != nil {
		t.Fatalf("OpenHGT failed: %v", err)
	}
	defer r.Close()

	l := r.Layout()
	if l.Width != 30 || l.Height != 30 || l.Type != tile.Int16 {
		t.Fatalf("Unexpected layout %+v", l)
	}
	if l.NumXTiles() != 2 || l.NumYTiles() != 2 {
		t.Fatalf("Expected 2x2 tiles, got %dx%d", l.NumXTiles(), l.NumYTiles())
	}
	if !strings.HasPrefix(r.ID(), "N00E000-") {
		t.Errorf("Expected id starting with N00E000-, got %s", r.ID())
	}

	b, err := r.ReadTile(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("ReadTile failed: %v", err)
	}
	if b.Width != 14 || b.Height != 14 {
		t.Errorf("Expected clipped 14x14 edge tile, got %dx%d", b.Width, b.Height)
	}
	// pixel (16,16)
	want := float64(16*30 + 16 - 100)
	if got := b.At(0, 0, 0); got != want {
		t.Errorf("Expected sample %g, got %g", want, got)
	}

	first, err := r.ReadTile(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ReadTile failed: %v", err)
	}
	if got := first.At(0, 0, 0); got != -100 {
		t.Errorf("Expected negative sample -100, got %g", got)
	}
}

func TestRawOutOfRangeTile(t *testing.T) {
	r, err := OpenHGT(writeHGT(t, 10), 8)
	if err != nil {
		t.Fatalf("OpenHGT failed: %v", err)
	}
	defer r.Close()

	_, err = r.ReadTile(context.Background(), 5, 0)
	if !errors.Is(err, tile.ErrRead) {
		t.Fatalf("Expected read error, got %v", err)
	}
	var re *tile.ReadError
	if !errors.As(err, &re) || re.TileX != 5 || re.ImageID != r.ID() {
		t.Errorf("Expected tagged read error for tile 5, got %v", err)
	}
}

func TestOpenRawTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.raw")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenRaw(path, RawOptions{Width: 10, Height: 10, Type: tile.Float32})
	if !errors.Is(err, tile.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestOpenRawFloat32LittleEndian(t *testing.T) {
	data := make([]byte, 4*4*4)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], 0x3fc00000) // 1.5
	}
	path := filepath.Join(t.TempDir(), "f.raw")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := OpenRaw(path, RawOptions{Width: 4, Height: 4, Type: tile.Float32, TileSize: 4})
	if err != nil {
		t.Fatalf("OpenRaw failed: %v", err)
	}
	defer r.Close()

	b, err := r.ReadTile(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ReadTile failed: %v", err)
	}
	if got := b.At(3, 3, 0); got != 1.5 {
		t.Errorf("Expected 1.5, got %g", got)
	}
}

func TestRawIDsAreUniquePerFileAndDecoding(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, sub := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
		p := filepath.Join(dir, sub, "band.raw")
		if err := os.WriteFile(p, make([]byte, 16), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	open := func(path string, opts RawOptions) string {
		t.Helper()
		r, err := OpenRaw(path, opts)
		if err != nil {
			t.Fatalf("OpenRaw failed: %v", err)
		}
		defer r.Close()
		return r.ID()
	}
	base := RawOptions{Width: 2, Height: 2, Type: tile.Int16, TileSize: 2}

	a := open(paths[0], base)
	if a != open(paths[0], base) {
		t.Error("Expected the same file and options to give the same id")
	}
	if !strings.HasPrefix(a, "band-") {
		t.Errorf("Expected id to start with the file name, got %s", a)
	}
	if a == open(paths[1], base) {
		t.Error("Expected files in different directories to get different ids")
	}
	variants := []RawOptions{
		{Width: 2, Height: 2, Type: tile.Uint16, TileSize: 2},
		{Width: 2, Height: 2, Type: tile.Int16, TileSize: 2, BigEndian: true},
		{Width: 2, Height: 2, Type: tile.Int16, TileSize: 2, Offset: 2},
		{Width: 2, Height: 2, Type: tile.Int16, TileSize: 1},
	}
	for i, opts := range variants {
		if a == open(paths[0], opts) {
			t.Errorf("Variant %d: expected different decoding to change the id", i)
		}
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory("mem", 5, 3, 2, tile.Uint16, []uint16{
		0, 1, 2, 3, 4,
		5, 6, 7, 8, 9,
		10, 11, 12, 13, 14,
	})

	b, err := m.ReadTile(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("ReadTile failed: %v", err)
	}
	if b.Width != 1 || b.Height != 1 || b.At(0, 0, 0) != 14 {
		t.Errorf("Unexpected edge tile %+v", b)
	}
	if m.Reads() != 1 {
		t.Errorf("Expected 1 read, got %d", m.Reads())
	}

	m.Set(4, 2, 99)
	b, _ = m.ReadTile(context.Background(), 2, 1)
	if b.At(0, 0, 0) != 99 {
		t.Errorf("Expected updated sample, got %g", b.At(0, 0, 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ReadTile(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got %v", err)
	}
}

func TestFromImage(t *testing.T) {
	gray := image.NewGray16(image.Rect(0, 0, 4, 4))
	gray.SetGray16(1, 2, color.Gray16{Y: 40000})
	rasters := FromImage("g", gray, 2)
	if len(rasters) != 1 || rasters[0].Layout().Type != tile.Uint16 {
		t.Fatalf("Expected one uint16 raster, got %d", len(rasters))
	}
	b, _ := rasters[0].ReadTile(context.Background(), 0, 1)
	if b.At(1, 0, 0) != 40000 {
		t.Errorf("Expected 40000, got %g", b.At(1, 0, 0))
	}

	rgb := image.NewRGBA(image.Rect(0, 0, 2, 2))
	rgb.Set(0, 0, color.RGBA{10, 20, 30, 255})
	rasters = FromImage("c", rgb, 2)
	if len(rasters) != 3 {
		t.Fatalf("Expected three rasters, got %d", len(rasters))
	}
	for i, want := range []float64{10, 20, 30} {
		b, _ := rasters[i].ReadTile(context.Background(), 0, 0)
		if b.At(0, 0, 0) != want {
			t.Errorf("Band %d: expected %g, got %g", i, want, b.At(0, 0, 0))
		}
	}
	if rasters[1].ID() != "c.green" {
		t.Errorf("Expected id c.green, got %s", rasters[1].ID())
	}
}
