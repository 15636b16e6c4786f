package tile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// RGBA is a non-premultiplied 8 bit color.
type RGBA struct {
	R, G, B, A uint8
}

// Transparent is the fully transparent background of rendered masks.
var Transparent = RGBA{}

// ParseColor accepts "#rrggbb" or "#rrggbbaa".
func ParseColor(s string) (RGBA, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	if len(s) != 7 && len(s) != 9 {
		return RGBA{}, fmt.Errorf("invalid color %q: want #rrggbb or #rrggbbaa", s)
	}
	c, err := colorful.Hex(s[:7])
	if err != nil {
		return RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	a := uint64(255)
	if len(s) == 9 {
		a, err = strconv.ParseUint(s[7:], 16, 8)
		if err != nil {
			return RGBA{}, fmt.Errorf("invalid alpha in %q: %w", s, err)
		}
	}
	return RGBA{R: r, G: g, B: b, A: uint8(a)}, nil
}

// Hex formats the color as "#rrggbbaa".
func (c RGBA) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// Blend interpolates linearly in RGB between c and o, t in [0,1].
func (c RGBA) Blend(o RGBA, t float64) RGBA {
	a := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	b := colorful.Color{R: float64(o.R) / 255, G: float64(o.G) / 255, B: float64(o.B) / 255}
	r, g, bl := a.BlendRgb(b, t).Clamped().RGB255()
	alpha := float64(c.A) + (float64(o.A)-float64(c.A))*t
	return RGBA{R: r, G: g, B: bl, A: uint8(alpha + 0.5)}
}

// Distinct returns n visually separated opaque colors. The sequence is
// deterministic so equal inputs produce equal palettes.
func Distinct(n int) []RGBA {
	out := make([]RGBA, n)
	for i := 0; i < n; i++ {
		// golden angle steps keep neighbours apart
		h := float64(i) * 137.508
		for h >= 360 {
			h -= 360
		}
		v := 0.95
		if i%2 == 1 {
			v = 0.75
		}
		r, g, b := colorful.Hsv(h, 0.65, v).Clamped().RGB255()
		out[i] = RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

// Over composites fg on top of bg with source-over alpha blending.
func Over(fg, bg RGBA) RGBA {
	af := float64(fg.A) / 255.0
	ab := float64(bg.A) / 255.0

	ao := af + ab*(1-af)
	if ao <= 0 {
		return Transparent
	}

	blend := func(cf, cb uint8) uint8 {
		v := (float64(cf)*af + float64(cb)*ab*(1-af)) / ao
		return uint8(v + 0.5)
	}
	return RGBA{
		R: blend(fg.R, bg.R),
		G: blend(fg.G, bg.G),
		B: blend(fg.B, bg.B),
		A: uint8(ao*255.0 + 0.5),
	}
}
