package tile

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"strings"
	"testing"

	"golang.org/x/image/tiff"
)

func TestLayoutTiling(t *testing.T) {
	l := NewLayout(1000, 600, 512, Int16)

	if l.NumXTiles() != 2 || l.NumYTiles() != 2 || l.NumTiles() != 4 {
		t.Fatalf("Expected 2x2 tiles, got %dx%d", l.NumXTiles(), l.NumYTiles())
	}
	if r := l.TileBounds(1, 1); r != image.Rect(512, 512, 1000, 600) {
		t.Errorf("Expected clipped edge tile, got %v", r)
	}
	if r := l.TileBounds(0, 0); r.Dx() != 512 || r.Dy() != 512 {
		t.Errorf("Expected full tile, got %v", r)
	}
	if l.ValidTile(2, 0) || l.ValidTile(0, -1) || !l.ValidTile(1, 1) {
		t.Error("ValidTile mismatch")
	}
	if !l.SameTiling(NewLayout(1000, 600, 512, Uint8)) {
		t.Error("Expected same tiling regardless of type")
	}
	if l.SameTiling(NewLayout(1000, 600, 256, Int16)) {
		t.Error("Expected different tile size to differ")
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		ok     bool
	}{
		{"valid", NewLayout(10, 10, 4, Uint8), true},
		{"zero width", NewLayout(0, 10, 4, Uint8), false},
		{"zero tile", NewLayout(10, 10, 0, Uint8), false},
		{"no bands", Layout{Width: 1, Height: 1, TileWidth: 1, TileHeight: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if tt.ok && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestDataType(t *testing.T) {
	for _, d := range []DataType{Uint8, Int8, Uint16, Int16, Uint32, Int32, Float32, Float64, Bit} {
		parsed, err := ParseDataType(strings.ToUpper(d.String()))
		if err != nil || parsed != d {
			t.Errorf("ParseDataType(%s) = %v, %v", d, parsed, err)
		}
	}
	if _, err := ParseDataType("complex64"); err == nil {
		t.Error("Expected error for unknown type")
	}

	if lo, hi, ok := Uint8.FixedRange(); !ok || lo != 0 || hi != 255 {
		t.Errorf("Unexpected uint8 range [%g,%g] %v", lo, hi, ok)
	}
	if lo, hi, ok := Int16.FixedRange(); !ok || lo != -32768 || hi != 32767 {
		t.Errorf("Unexpected int16 range [%g,%g] %v", lo, hi, ok)
	}
	for _, d := range []DataType{Uint32, Int32, Float32, Float64} {
		if _, _, ok := d.FixedRange(); ok {
			t.Errorf("%s must be scanned", d)
		}
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer(3, 2, 2, Uint16)
	b.Set(2, 1, 1, 4000)
	if b.At(2, 1, 1) != 4000 || b.At(2, 1, 0) != 0 {
		t.Error("Set/At mismatch")
	}
	if b.ByteSize() != 3*2*2*2 {
		t.Errorf("Expected 24 bytes, got %d", b.ByteSize())
	}

	c := b.Clone()
	c.Set(0, 0, 0, 1)
	if b.At(0, 0, 0) != 0 {
		t.Error("Clone shares storage")
	}
	if b.Equal(c) {
		t.Error("Expected buffers to differ")
	}

	mask := NewBuffer(3, 3, 1, Bit)
	if mask.ByteSize() != 2 {
		t.Errorf("Expected 9 bits to round up to 2 bytes, got %d", mask.ByteSize())
	}

	f := FromSlice(2, 1, 1, Float32, []float32{float32(math.NaN()), 1})
	if !f.Equal(f.Clone()) {
		t.Error("Expected NaN samples to compare equal")
	}
}

func TestCrop(t *testing.T) {
	data := []int16{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}
	b := Crop(data, 4, 1, 1, 1, 2, 2, Int16)
	want := []float64{6, 7, 10, 11}
	for i, w := range want {
		if b.Sample(i) != w {
			t.Errorf("Sample %d: expected %g, got %g", i, w, b.Sample(i))
		}
	}
}

func TestErrors(t *testing.T) {
	err := Configf("bad %d", 3)
	if !errors.Is(err, ErrConfiguration) || errors.Is(err, ErrRead) {
		t.Errorf("ConfigError matching failed: %v", err)
	}

	cause := errors.New("short read")
	err = &ReadError{ImageID: "dem", TileX: 1, TileY: 2, Err: cause}
	if !errors.Is(err, ErrRead) || !errors.Is(err, cause) {
		t.Errorf("ReadError matching failed: %v", err)
	}
	if !strings.Contains(err.Error(), "(1,2) of dem") {
		t.Errorf("Expected origin in message, got %q", err.Error())
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    RGBA
		wantErr bool
	}{
		{"#ff0000", RGBA{255, 0, 0, 255}, false},
		{"00ff0080", RGBA{0, 255, 0, 128}, false},
		{"#0000FF", RGBA{0, 0, 255, 255}, false},
		{"#fff", RGBA{}, true},
		{"#gg0000", RGBA{}, true},
		{"#ff0000zz", RGBA{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.in)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseColor(%q) = %v, %v", tt.in, got, err)
			}
			if round, _ := ParseColor(got.Hex()); round != got {
				t.Errorf("Hex round trip changed %v to %v", got, round)
			}
		})
	}
}

func TestOver(t *testing.T) {
	tests := []struct {
		name   string
		fg, bg RGBA
		want   RGBA
	}{
		{"opaque foreground wins", RGBA{255, 0, 0, 255}, RGBA{0, 0, 255, 255}, RGBA{255, 0, 0, 255}},
		{"transparent foreground", RGBA{255, 0, 0, 0}, RGBA{0, 0, 255, 255}, RGBA{0, 0, 255, 255}},
		{"half over opaque", RGBA{255, 255, 255, 128}, RGBA{0, 0, 0, 255}, RGBA{128, 128, 128, 255}},
		{"both transparent", RGBA{}, RGBA{}, Transparent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Over(tt.fg, tt.bg); got != tt.want {
				t.Errorf("Over(%v, %v) = %v, want %v", tt.fg, tt.bg, got, tt.want)
			}
		})
	}
}

func TestDistinct(t *testing.T) {
	a, b := Distinct(8), Distinct(8)
	seen := make(map[RGBA]bool)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("Expected deterministic colors")
		}
		if a[i].A != 255 {
			t.Errorf("Color %d is not opaque", i)
		}
		if seen[a[i]] {
			t.Errorf("Color %d repeats", i)
		}
		seen[a[i]] = true
	}
}

func TestToImage(t *testing.T) {
	gray := FromSlice(2, 1, 1, Uint8, []uint8{7, 9})
	img, err := ToImage(gray)
	if err != nil {
		t.Fatalf("ToImage failed: %v", err)
	}
	if g, ok := img.(*image.Gray); !ok || g.GrayAt(1, 0).Y != 9 {
		t.Errorf("Expected gray image with value 9, got %T", img)
	}

	mask := FromSlice(2, 1, 1, Bit, []uint8{0, 1})
	img, _ = ToImage(mask)
	if img.(*image.Gray).GrayAt(1, 0).Y != 255 {
		t.Error("Expected mask foreground to be white")
	}

	rgb := FromSlice(1, 1, 3, Uint8, []uint8{1, 2, 3})
	img, _ = ToImage(rgb)
	if r, g, b, a := img.At(0, 0).RGBA(); r>>8 != 1 || g>>8 != 2 || b>>8 != 3 || a>>8 != 255 {
		t.Errorf("Unexpected RGB pixel %d %d %d %d", r>>8, g>>8, b>>8, a>>8)
	}

	if _, err := ToImage(NewBuffer(1, 1, 1, Int16)); err == nil {
		t.Error("Expected error for 16 bit buffer")
	}
	if _, err := ToImage(NewBuffer(1, 1, 2, Uint8)); err == nil {
		t.Error("Expected error for 2 band buffer")
	}
}

func TestEncode(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	img.Pix[0] = 200

	data, err := Encode(img, FormatPNG)
	if err != nil {
		t.Fatalf("PNG encode failed: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil || decoded.Bounds().Dx() != 4 {
		t.Errorf("PNG decode failed: %v", err)
	}

	data, err = Encode(img, FormatTIFF)
	if err != nil {
		t.Fatalf("TIFF encode failed: %v", err)
	}
	decoded, err = tiff.Decode(bytes.NewReader(data))
	if err != nil || decoded.Bounds().Dy() != 3 {
		t.Errorf("TIFF decode failed: %v", err)
	}

	if _, err := Encode(img, 42); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]int{"png": FormatPNG, "": FormatPNG, "tiff": FormatTIFF, "tif": FormatTIFF} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("jpeg"); err == nil {
		t.Error("Expected error for jpeg")
	}
}

func TestWorldFile(t *testing.T) {
	data := string(WorldFile(30, 30, 500000, 4200000))
	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) != 6 {
		t.Fatalf("Expected 6 lines, got %d", len(lines))
	}
	if strings.TrimSpace(lines[3]) != "-30.0000000000" {
		t.Errorf("Expected negative y pixel size, got %q", lines[3])
	}
	if WorldFileExt(FormatPNG) != ".pgw" || WorldFileExt(FormatTIFF) != ".tfw" {
		t.Error("Unexpected world file extension")
	}
}
