package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/cache"
	"github.com/kiesman99/tilepipe/internal/pipeline"
	"github.com/kiesman99/tilepipe/internal/raster"
	"github.com/kiesman99/tilepipe/internal/render"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// rasterConfig describes how to open and display one input. The same keys are
// used by command line flags and by the rasters section of the config file.
type rasterConfig struct {
	Path         string   `mapstructure:"path"`
	RawWidth     int      `mapstructure:"raw-width"`
	RawHeight    int      `mapstructure:"raw-height"`
	RawType      string   `mapstructure:"raw-type"`
	RawBigEndian bool     `mapstructure:"raw-big-endian"`
	RawOffset    int64    `mapstructure:"raw-offset"`
	NoData       string   `mapstructure:"nodata"`
	NoDataColor  string   `mapstructure:"nodata-color"`
	ScaleFactor  float64  `mapstructure:"scale-factor"`
	ScaleOffset  float64  `mapstructure:"scale-offset"`
	Classes      []string `mapstructure:"classes"`
	Palette      []string `mapstructure:"palette"`
	Min          string   `mapstructure:"min"`
	Max          string   `mapstructure:"max"`
}

func addRasterFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.Int("raw-width", 0, "width of raw rasters")
	f.Int("raw-height", 0, "height of raw rasters")
	f.String("raw-type", "uint16", "sample type of raw rasters")
	f.Bool("raw-big-endian", false, "raw samples are big endian")
	f.Int64("raw-offset", 0, "header bytes to skip in raw rasters")
	f.String("nodata", "", "sample value marking missing data")
	f.String("nodata-color", "", "overlay color of no-data pixels (#rrggbb[aa])")
	f.Float64("scale-factor", 1, "geophysical value = raw * factor + offset")
	f.Float64("scale-offset", 0, "geophysical value = raw * factor + offset")
	f.StringArray("class", nil, "discrete class 'sample:label[:#rrggbb]', repeatable")
	f.StringArray("palette", nil, "color gradient stop 'value:#rrggbb', repeatable")
	f.String("min", "", "display minimum in geophysical units")
	f.String("max", "", "display maximum in geophysical units")

	for key, flag := range map[string]string{
		"raster.raw-width":      "raw-width",
		"raster.raw-height":     "raw-height",
		"raster.raw-type":       "raw-type",
		"raster.raw-big-endian": "raw-big-endian",
		"raster.raw-offset":     "raw-offset",
		"raster.nodata":         "nodata",
		"raster.nodata-color":   "nodata-color",
		"raster.scale-factor":   "scale-factor",
		"raster.scale-offset":   "scale-offset",
		"raster.classes":        "class",
		"raster.palette":        "palette",
		"raster.min":            "min",
		"raster.max":            "max",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}
}

func rasterConfigFromFlags() rasterConfig {
	return rasterConfig{
		RawWidth:     viper.GetInt("raster.raw-width"),
		RawHeight:    viper.GetInt("raster.raw-height"),
		RawType:      viper.GetString("raster.raw-type"),
		RawBigEndian: viper.GetBool("raster.raw-big-endian"),
		RawOffset:    viper.GetInt64("raster.raw-offset"),
		NoData:       viper.GetString("raster.nodata"),
		NoDataColor:  viper.GetString("raster.nodata-color"),
		ScaleFactor:  viper.GetFloat64("raster.scale-factor"),
		ScaleOffset:  viper.GetFloat64("raster.scale-offset"),
		Classes:      viper.GetStringSlice("raster.classes"),
		Palette:      viper.GetStringSlice("raster.palette"),
		Min:          viper.GetString("raster.min"),
		Max:          viper.GetString("raster.max"),
	}
}

// inputs are the opened rasters of one display.
type inputs struct {
	rasters []*pipeline.Raster
	configs []rasterConfig
	layers  []pipeline.MaskLayer
	closers []io.Closer
	geo     *render.Geo
}

func (in *inputs) Close() error {
	var first error
	for _, c := range in.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openInputs opens every path with the same configuration.
func openInputs(paths []string, cfg rasterConfig) (*inputs, error) {
	cfgs := make([]rasterConfig, len(paths))
	for i, p := range paths {
		cfgs[i] = cfg
		cfgs[i].Path = p
	}
	return openConfigured(cfgs)
}

func openConfigured(cfgs []rasterConfig) (*inputs, error) {
	in := &inputs{}
	tileSize := viper.GetInt("tile.size")
	for _, cfg := range cfgs {
		srcs, err := openSources(cfg, tileSize, in)
		if err != nil {
			in.Close()
			return nil, err
		}
		for _, src := range srcs {
			r, err := newRaster(src, cfg)
			if err != nil {
				in.Close()
				return nil, err
			}
			in.rasters = append(in.rasters, r)
			in.configs = append(in.configs, cfg)

			if cfg.NoDataColor == "" {
				continue
			}
			c, err := tile.ParseColor(cfg.NoDataColor)
			if err != nil {
				in.Close()
				return nil, tile.Configf("nodata color: %v", err)
			}
			if layer, ok := pipeline.NoDataLayer(r, c); ok {
				in.layers = append(in.layers, layer)
			}
		}
	}
	return in, nil
}

func openSources(cfg rasterConfig, tileSize int, in *inputs) ([]tile.Source, error) {
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".hgt":
		r, err := raster.OpenHGT(cfg.Path, tileSize)
		if err != nil {
			return nil, err
		}
		in.closers = append(in.closers, r)
		if in.geo == nil {
			in.geo = hgtGeo(cfg.Path, r.Layout().Width)
		}
		return []tile.Source{r}, nil
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		mems, err := raster.OpenImage(cfg.Path, tileSize)
		if err != nil {
			return nil, err
		}
		out := make([]tile.Source, len(mems))
		for i, m := range mems {
			out[i] = m
		}
		return out, nil
	}

	t, err := tile.ParseDataType(cfg.RawType)
	if err != nil {
		return nil, err
	}
	r, err := raster.OpenRaw(cfg.Path, raster.RawOptions{
		Width:     cfg.RawWidth,
		Height:    cfg.RawHeight,
		Type:      t,
		BigEndian: cfg.RawBigEndian,
		Offset:    cfg.RawOffset,
		TileSize:  tileSize,
	})
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, r)
	return []tile.Source{r}, nil
}

func newRaster(src tile.Source, cfg rasterConfig) (*pipeline.Raster, error) {
	r := &pipeline.Raster{
		Source: src,
		Scale:  pipeline.Scale{Factor: cfg.ScaleFactor, Offset: cfg.ScaleOffset},
	}
	if cfg.NoData != "" {
		v, err := strconv.ParseFloat(cfg.NoData, 64)
		if err != nil {
			return nil, tile.Configf("invalid nodata value %q", cfg.NoData)
		}
		r.NoData = &v
	}
	for _, c := range cfg.Classes {
		e, err := parseClass(c)
		if err != nil {
			return nil, err
		}
		r.IndexCoding = append(r.IndexCoding, e)
	}
	return r, nil
}

// parseClass parses "sample:label[:#rrggbb]".
func parseClass(s string) (pipeline.IndexEntry, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return pipeline.IndexEntry{}, tile.Configf("class %q must be 'sample:label[:#rrggbb]'", s)
	}
	sample, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return pipeline.IndexEntry{}, tile.Configf("invalid class sample in %q", s)
	}
	e := pipeline.IndexEntry{Sample: sample, Label: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		c, err := tile.ParseColor(parts[2])
		if err != nil {
			return pipeline.IndexEntry{}, tile.Configf("class %q: %v", s, err)
		}
		e.Color = &c
	}
	return e, nil
}

// parsePaletteStop parses "value:#rrggbb".
func parsePaletteStop(s string) (pipeline.PalettePoint, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return pipeline.PalettePoint{}, tile.Configf("palette stop %q must be 'value:#rrggbb'", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:i]), 64)
	if err != nil {
		return pipeline.PalettePoint{}, tile.Configf("invalid palette value in %q", s)
	}
	c, err := tile.ParseColor(s[i+1:])
	if err != nil {
		return pipeline.PalettePoint{}, tile.Configf("palette stop %q: %v", s, err)
	}
	return pipeline.PalettePoint{Sample: v, Color: c}, nil
}

// parseGeo parses "min-x,max-y,pixel-size-x,pixel-size-y". An empty string
// means no georeferencing.
func parseGeo(s string) (*render.Geo, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("geo must be in format 'min-x,max-y,pixel-size-x,pixel-size-y'")
	}
	v := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number in geo: %v", err)
		}
		v[i] = f
	}
	return &render.Geo{MinX: v[0], MaxY: v[1], PixelSizeX: v[2], PixelSizeY: v[3]}, nil
}

// hgtGeo derives the georeferencing of an SRTM tile from its name, e.g.
// N45E006.hgt. Samples are centered on the grid lines.
func hgtGeo(path string, side int) *render.Geo {
	name := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	var ns, ew rune
	var lat, lon int
	if n, err := fmt.Sscanf(name, "%c%2d%c%3d", &ns, &lat, &ew, &lon); err != nil || n != 4 || side < 2 {
		return nil
	}
	if ns == 'S' {
		lat = -lat
	} else if ns != 'N' {
		return nil
	}
	if ew == 'W' {
		lon = -lon
	} else if ew != 'E' {
		return nil
	}
	px := 1 / float64(side-1)
	return &render.Geo{
		PixelSizeX: px,
		PixelSizeY: px,
		MinX:       float64(lon) - px/2,
		MaxY:       float64(lat+1) + px/2,
	}
}

// newAssembler builds an assembler over a cache configured from viper.
func newAssembler(logger zerolog.Logger) *pipeline.Assembler {
	c := newCache(logger)
	return pipeline.NewAssembler(c, pipeline.Options{
		Bins:   viper.GetInt("histogram.bins"),
		Clip:   viper.GetFloat64("histogram.clip"),
		Logger: &logger,
	})
}

func newCache(logger zerolog.Logger) *cache.Cache {
	capacity := int64(viper.GetSizeInBytes("cache.capacity"))
	c := cache.New(capacity, viper.GetFloat64("cache.threshold"))
	if capacity == 0 {
		// New reads zero as the default
		c.SetMemoryCapacity(0)
	}
	if viper.GetBool("cache.trace") {
		c.SetTracer(func(ev cache.Event) {
			logger.Debug().
				Str("op", ev.Op).
				Str("image", ev.Key.ImageID).
				Int("tx", ev.Key.TileX).
				Int("ty", ev.Key.TileY).
				Bool("hit", ev.Hit).
				Int64("size", ev.Size).
				Int64("used", ev.Used).
				Int("tiles", ev.Tiles).
				Msg("cache")
		})
	}
	return c
}

// prepare derives the infos of rasters that override display parameters, so
// the overrides can be applied before the graph is assembled.
func prepare(ctx context.Context, asm *pipeline.Assembler, in *inputs) error {
	for i, r := range in.rasters {
		cfg := in.configs[i]
		if len(cfg.Palette) == 0 && cfg.Min == "" && cfg.Max == "" {
			continue
		}
		if len(r.IndexCoding) > 0 {
			return tile.Configf("raster %s has classes, palette and display range do not apply", r.Source.ID())
		}
		info, err := asm.PrepareInfo(ctx, r, nil)
		if err != nil {
			return err
		}
		for _, s := range cfg.Palette {
			p, err := parsePaletteStop(s)
			if err != nil {
				return err
			}
			info.Palette = append(info.Palette, p)
		}
		if cfg.Min != "" {
			if info.MinDisplay, err = strconv.ParseFloat(cfg.Min, 64); err != nil {
				return tile.Configf("invalid display minimum %q", cfg.Min)
			}
		}
		if cfg.Max != "" {
			if info.MaxDisplay, err = strconv.ParseFloat(cfg.Max, 64); err != nil {
				return tile.Configf("invalid display maximum %q", cfg.Max)
			}
		}
		r.Info = info
	}
	return nil
}

// assemble builds the display image of the inputs.
func assemble(ctx context.Context, asm *pipeline.Assembler, in *inputs, matching pipeline.Matching) (*pipeline.Image, error) {
	if err := prepare(ctx, asm, in); err != nil {
		return nil, err
	}
	return asm.Overlaid(ctx, in.rasters, matching, in.layers)
}
