package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/pipeline"
)

var probeCmd = &cobra.Command{
	Use:   "probe RASTER... --at x,y [--at x,y]",
	Short: "Print raw samples and displayed colors of single pixels",
	Long: `Print the raw sample, the geophysical value and the displayed color of pixels.
Neighbouring pixels share tiles, so probing many of them reads each tile once.

Examples:
  tilepipe probe N45E006.hgt --at 100,200 --at 101,200 --matching equalize`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringArray("at", nil, "pixel as 'x,y', repeatable")
	probeCmd.Flags().String("matching", "none", "histogram matching (none|equalize|normalize)")
	probeCmd.Flags().Int("front", 4, "tiles remembered by the probe")

	viper.BindPFlag("probe.matching", probeCmd.Flags().Lookup("matching"))
	viper.BindPFlag("cache.front", probeCmd.Flags().Lookup("front"))
}

func runProbe(cmd *cobra.Command, args []string) error {
	points, err := cmd.Flags().GetStringArray("at")
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("at least one pixel is required (use --at)")
	}
	matching, err := pipeline.ParseMatching(viper.GetString("probe.matching"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	in, err := openInputs(args, rasterConfigFromFlags())
	if err != nil {
		return err
	}
	defer in.Close()

	asm := newAssembler(log.Logger)
	img, err := assemble(ctx, asm, in, matching)
	if err != nil {
		return err
	}

	front := viper.GetInt("cache.front")
	shown := pipeline.NewProbe(img, front)
	raw := make([]*pipeline.Probe, len(in.rasters))
	for i, r := range in.rasters {
		raw[i] = pipeline.NewProbe(asm.Source(r.Source), front)
	}

	for _, p := range points {
		x, y, err := parsePoint(p)
		if err != nil {
			return err
		}
		var cols []string
		for i, r := range in.rasters {
			v, err := raw[i].At(ctx, x, y)
			if err != nil {
				return err
			}
			col := fmt.Sprintf("%s=%g (%g)", r.Source.ID(), v[0], r.Scale.Apply(v[0]))
			if info := r.Info; info != nil && info.Discrete() {
				if idx, ok := info.SampleToIndex[int(v[0])]; ok {
					col += " " + info.Palette[idx].Label
				}
			}
			cols = append(cols, col)
		}
		c, err := shown.At(ctx, x, y)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d,%d\t%s\t%v\n", x, y, strings.Join(cols, "\t"), c)
	}
	return nil
}

func parsePoint(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("pixel must be in format 'x,y', got %q", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x in %q: %v", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid y in %q: %v", s, err)
	}
	return x, y, nil
}
