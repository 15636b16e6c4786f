package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/tilepipe/internal/cache"
	"github.com/kiesman99/tilepipe/internal/pipeline"
	"github.com/kiesman99/tilepipe/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [RASTER...]",
	Short: "Start HTTP server for display tiles",
	Long: `Start an HTTP server that serves display tiles, histograms and pixel values of
rasters. Rasters given on the command line form one display named after the
first raster. More displays are read from the rasters section of the config
file:

  rasters:
    - name: alps
      matching: equalize
      bands:
        - path: N45E006.hgt
          nodata: "-32768"
          nodata-color: "#ff000080"
    - name: scene
      bands:
        - {path: b4.raw, raw-width: 7000, raw-height: 7000, raw-type: uint16}
        - {path: b3.raw, raw-width: 7000, raw-height: 7000, raw-type: uint16}
        - {path: b2.raw, raw-width: 7000, raw-height: 7000, raw-type: uint16}

Examples:
  # Start server on default port 8080
  tilepipe serve N45E006.hgt

  # Start server with custom bind address and a larger cache
  tilepipe serve --bind 0.0.0.0 --port 8080 --cache-capacity 2GB`,
	RunE: runServe,
}

// displayConfig is one entry of the rasters config section.
type displayConfig struct {
	Name     string         `mapstructure:"name"`
	Matching string         `mapstructure:"matching"`
	Bands    []rasterConfig `mapstructure:"bands"`
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	serveCmd.Flags().String("matching", "none", "histogram matching of the command line display")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.matching", serveCmd.Flags().Lookup("matching"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	var displays []displayConfig
	if err := viper.UnmarshalKey("rasters", &displays); err != nil {
		return fmt.Errorf("invalid rasters config: %w", err)
	}
	if len(args) > 0 {
		d := displayConfig{Matching: viper.GetString("server.matching")}
		flags := rasterConfigFromFlags()
		for _, p := range args {
			b := flags
			b.Path = p
			d.Bands = append(d.Bands, b)
		}
		displays = append(displays, d)
	}
	if len(displays) == 0 {
		return fmt.Errorf("no rasters to serve (pass files or configure rasters)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	asm := newAssembler(log.Logger)
	registry := prometheus.NewRegistry()
	registry.MustRegister(cache.NewCollector(asm.Cache(), "tilepipe"))

	// Create server implementation
	apiServer := server.NewServer(Version, asm, log.Logger, server.Options{
		ProbeTiles: viper.GetInt("cache.front"),
		Workers:    viper.GetInt("render.workers"),
	})
	for _, dc := range displays {
		in, err := openConfigured(dc.Bands)
		if err != nil {
			return err
		}
		defer in.Close()

		matching, err := pipeline.ParseMatching(dc.Matching)
		if err != nil {
			return err
		}
		if err := prepare(ctx, asm, in); err != nil {
			return err
		}
		name := dc.Name
		if name == "" && len(dc.Bands) > 0 {
			base := filepath.Base(dc.Bands[0].Path)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		err = apiServer.Add(server.Display{Name: name, Rasters: in.rasters, Matching: matching, Layers: in.layers})
		if err != nil {
			return err
		}
		log.Info().Str("display", name).Int("rasters", len(in.rasters)).Msg("serving display")
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewRouter(apiServer, timeout, prometheus.Gatherers{prometheus.DefaultGatherer, registry}),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().
		Str("addr", addr).
		Str("health", fmt.Sprintf("http://%s/api/v1/health", addr)).
		Str("rasters", fmt.Sprintf("http://%s/api/v1/rasters", addr)).
		Str("metrics", fmt.Sprintf("http://%s/metrics", addr)).
		Msg("starting tilepipe server")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
