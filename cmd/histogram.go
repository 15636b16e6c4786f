package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/pipeline"
)

var histogramCmd = &cobra.Command{
	Use:   "histogram RASTER...",
	Short: "Print the histogram and display range of rasters",
	Long: `Scan every tile of the given rasters once and print the derived display range
together with the non-empty histogram bins.

Examples:
  # Histogram of an SRTM tile ignoring voids
  tilepipe histogram N45E006.hgt --nodata -32768

  # Machine readable output with 64 bins
  tilepipe histogram b4.raw --raw-width 7000 --raw-height 7000 --bins 64 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHistogram,
}

func init() {
	rootCmd.AddCommand(histogramCmd)

	histogramCmd.Flags().Bool("json", false, "print JSON instead of a table")
	viper.BindPFlag("histogram.json", histogramCmd.Flags().Lookup("json"))
}

type histogramOutput struct {
	Raster     string       `json:"raster"`
	MinDisplay float64      `json:"min_display"`
	MaxDisplay float64      `json:"max_display"`
	Low        float64      `json:"low"`
	High       float64      `json:"high"`
	Total      int64        `json:"total"`
	Bins       []int64      `json:"bins,omitempty"`
	Classes    []classCount `json:"classes,omitempty"`
}

type classCount struct {
	Sample int    `json:"sample"`
	Label  string `json:"label,omitempty"`
	Color  string `json:"color"`
	Count  int64  `json:"count"`
}

func runHistogram(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	in, err := openInputs(args, rasterConfigFromFlags())
	if err != nil {
		return err
	}
	defer in.Close()

	asm := newAssembler(log.Logger)
	var out []histogramOutput
	for _, r := range in.rasters {
		info, err := asm.PrepareInfo(ctx, r, func(done, total int) {
			log.Debug().Str("raster", r.Source.ID()).Int("done", done).Int("total", total).Msg("scanned tile")
		})
		if err != nil {
			return err
		}
		out = append(out, summarize(r, info))
	}

	if viper.GetBool("histogram.json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, h := range out {
		fmt.Fprintf(w, "%s\tdisplay [%g, %g]\tsamples %d\n", h.Raster, h.MinDisplay, h.MaxDisplay, h.Total)
		for _, c := range h.Classes {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%d\n", c.Sample, c.Label, c.Color, c.Count)
		}
		if len(h.Bins) > 0 {
			width := (h.High - h.Low) / float64(len(h.Bins))
			for i, n := range h.Bins {
				if n == 0 {
					continue
				}
				fmt.Fprintf(w, "  [%g, %g)\t%d\n", h.Low+float64(i)*width, h.Low+float64(i+1)*width, n)
			}
		}
	}
	return w.Flush()
}

func summarize(r *pipeline.Raster, info *pipeline.ImageInfo) histogramOutput {
	out := histogramOutput{
		Raster:     r.Source.ID(),
		MinDisplay: info.MinDisplay,
		MaxDisplay: info.MaxDisplay,
	}
	if info.Discrete() {
		for _, p := range info.Palette {
			n := info.IndexCounts[int(p.Sample)]
			out.Classes = append(out.Classes, classCount{
				Sample: int(p.Sample),
				Label:  p.Label,
				Color:  p.Color.Hex(),
				Count:  n,
			})
			out.Total += n
		}
		return out
	}
	if h := info.Histogram; h != nil {
		out.Low, out.High, out.Total, out.Bins = h.Low, h.High, h.Total, h.Bins
	}
	return out
}
