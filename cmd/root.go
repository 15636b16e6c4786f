package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/export"
	"github.com/kiesman99/tilepipe/internal/pipeline"
	"github.com/kiesman99/tilepipe/internal/render"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Version is reported by the server health endpoint.
const Version = "0.3.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tilepipe [flags] RASTER...",
	Short: "Render display images of large rasters tile by tile",
	Long: `tilepipe turns raw rasters into display images. Tiles are read and computed on
demand, shared through a bounded in-memory cache, and assembled into PNG or TIFF.

One raster gives a gray or palette image, three rasters give RGB and four give
RGBA. A color PNG or TIFF counts as three rasters. Raw files need --raw-width,
--raw-height and --raw-type, SRTM .hgt files are detected by extension.

Examples:
  # Gray display of an SRTM tile, contrast stretched by histogram equalization
  tilepipe N45E006.hgt --matching equalize -o alps.png -w

  # False color composite of three raw bands written as TIFF
  tilepipe b4.raw b3.raw b2.raw --raw-width 7000 --raw-height 7000 --raw-type uint16 -f tiff -o scene.tif

  # Land cover classes with their own colors and no-data marked red
  tilepipe landcover.png --class 1:water:#1f78b4 --class 2:forest:#33a02c --nodata 0 --nodata-color #ff0000

  # Start HTTP server
  tilepipe serve --port 8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runRender(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tilepipe.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String("cache-capacity", "256MB", "tile cache memory capacity")
	rootCmd.PersistentFlags().Float64("cache-threshold", 0.75, "fraction of the capacity kept after eviction")
	rootCmd.PersistentFlags().Bool("cache-trace", false, "log every tile cache operation at debug level")
	rootCmd.PersistentFlags().Int("tile-size", tile.DefaultSize, "tile size in pixels")
	rootCmd.PersistentFlags().Int("bins", pipeline.DefaultBins, "histogram bins used to derive display ranges")
	rootCmd.PersistentFlags().Float64("clip", 0, "fraction of samples clipped from each histogram tail")
	addRasterFlags(rootCmd)

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("cache.capacity", rootCmd.PersistentFlags().Lookup("cache-capacity"))
	viper.BindPFlag("cache.threshold", rootCmd.PersistentFlags().Lookup("cache-threshold"))
	viper.BindPFlag("cache.trace", rootCmd.PersistentFlags().Lookup("cache-trace"))
	viper.BindPFlag("tile.size", rootCmd.PersistentFlags().Lookup("tile-size"))
	viper.BindPFlag("histogram.bins", rootCmd.PersistentFlags().Lookup("bins"))
	viper.BindPFlag("histogram.clip", rootCmd.PersistentFlags().Lookup("clip"))
	viper.SetDefault("cache.front", 4)

	// Output options
	rootCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	rootCmd.Flags().StringP("format", "f", "png", "output format (png|tiff)")
	rootCmd.Flags().BoolP("worldfile", "w", false, "write world file")
	rootCmd.Flags().Int("quicklook", 0, "also write a PNG quicklook fitting into NxN pixels")
	rootCmd.Flags().String("matching", "none", "histogram matching (none|equalize|normalize)")
	rootCmd.Flags().Int("workers", 0, "tiles computed concurrently (default: number of CPUs)")
	rootCmd.Flags().String("geo", "", "georeferencing as 'min-x,max-y,pixel-size-x,pixel-size-y'")

	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("render.format", rootCmd.Flags().Lookup("format"))
	viper.BindPFlag("worldfile", rootCmd.Flags().Lookup("worldfile"))
	viper.BindPFlag("render.quicklook", rootCmd.Flags().Lookup("quicklook"))
	viper.BindPFlag("render.matching", rootCmd.Flags().Lookup("matching"))
	viper.BindPFlag("render.workers", rootCmd.Flags().Lookup("workers"))
	viper.BindPFlag("geo", rootCmd.Flags().Lookup("geo"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".tilepipe" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tilepipe")
	}

	viper.SetEnvPrefix("tilepipe")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	err := viper.ReadInConfig()
	setupLogging()
	if err == nil {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}
}

// setupLogging points the global logger at stderr with the configured level.
func setupLogging() {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRender(cmd *cobra.Command, args []string) error {
	output := viper.GetString("output")
	if err := export.CheckOutput(output, os.Stdout); err != nil {
		return err
	}
	format, err := tile.ParseFormat(viper.GetString("render.format"))
	if err != nil {
		return err
	}
	matching, err := pipeline.ParseMatching(viper.GetString("render.matching"))
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

	opts := &render.Options{
		Format:    format,
		Workers:   viper.GetInt("render.workers"),
		Quicklook: viper.GetInt("render.quicklook"),
		Progress: func(done, total int) {
			log.Debug().Int("done", done).Int("total", total).Msg("tile finished")
		},
	}
	if opts.Geo, err = parseGeo(viper.GetString("geo")); err != nil {
		return err
	}
	if opts.Geo == nil {
		opts.Geo = in.geo
	}
	writeWorldFile := viper.GetBool("worldfile")
	if writeWorldFile && opts.Geo == nil {
		return fmt.Errorf("world file needs georeferencing (use --geo)")
	}

	start := time.Now()
	result, err := render.New(log.Logger).Render(ctx, img, opts)
	if err != nil {
		return err
	}

	err = export.Write(result, &export.Options{
		Output:         output,
		Format:         format,
		WriteWorldFile: writeWorldFile,
		WriteQuicklook: opts.Quicklook > 0,
	}, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	st := asm.Cache().Stats()
	log.Info().
		Int("width", result.Width).
		Int("height", result.Height).
		Uint64("cache_hits", st.Hits).
		Uint64("cache_misses", st.Misses).
		Dur("took", time.Since(start)).
		Msg("done")
	return nil
}
