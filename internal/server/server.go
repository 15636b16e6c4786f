package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kiesman99/tilepipe/internal/api"
	"github.com/kiesman99/tilepipe/internal/pipeline"
	"github.com/kiesman99/tilepipe/internal/render"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Display is a named raster composition served over HTTP.
type Display struct {
	Name     string
	Rasters  []*pipeline.Raster
	Matching pipeline.Matching
	Layers   []pipeline.MaskLayer
}

// entry holds the lazily assembled graph of a display.
type entry struct {
	Display

	mu    sync.Mutex
	image *pipeline.Image
	probe *pipeline.Probe
	raw   []*pipeline.Probe
}

// Options tune the server.
type Options struct {
	// ProbeTiles is the number of tiles each pixel probe remembers.
	ProbeTiles int
	// Workers bounds the concurrent tile computations of a whole image render.
	Workers int
}

// Server implements api.ServerInterface on top of an Assembler.
type Server struct {
	startTime time.Time
	version   string
	asm       *pipeline.Assembler
	renderer  *render.Renderer
	opts      Options
	log       zerolog.Logger

	mu       sync.RWMutex
	displays map[string]*entry
}

// NewServer creates a new server instance
func NewServer(version string, asm *pipeline.Assembler, log zerolog.Logger, opts Options) *Server {
	if opts.ProbeTiles <= 0 {
		opts.ProbeTiles = 4
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		asm:       asm,
		renderer:  render.New(log),
		opts:      opts,
		log:       log,
		displays:  make(map[string]*entry),
	}
}

// Add registers a display. Its graph is assembled on first use.
func (s *Server) Add(d Display) error {
	if d.Name == "" {
		return tile.Configf("display without name")
	}
	switch len(d.Rasters) {
	case 1, 3, 4:
	default:
		return tile.Configf("display %s needs 1, 3 or 4 rasters, got %d", d.Name, len(d.Rasters))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.displays[d.Name]; ok {
		return tile.Configf("duplicate display %s", d.Name)
	}
	s.displays[d.Name] = &entry{Display: d}
	return nil
}

func (s *Server) lookup(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.displays[name]
	return e, ok
}

// assemble builds the display graph and its probes once.
func (s *Server) assemble(ctx context.Context, e *entry) (*pipeline.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.image != nil {
		return e.image, nil
	}

	img, err := s.asm.Overlaid(ctx, e.Rasters, e.Matching, e.Layers)
	if err != nil {
		return nil, err
	}
	e.raw = make([]*pipeline.Probe, len(e.Rasters))
	for i, r := range e.Rasters {
		e.raw[i] = pipeline.NewProbe(s.asm.Source(r.Source), s.opts.ProbeTiles)
	}
	e.probe = pipeline.NewProbe(img, s.opts.ProbeTiles)
	e.image = img

	s.log.Info().Str("display", e.Name).Str("image", img.ID()).Msg("display assembled")
	return img, nil
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())
	stats := s.cacheStats()

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
		Cache:     &stats,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// GetCacheStats reports the shared tile cache diagnostics.
func (s *Server) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cacheStats())
}

func (s *Server) cacheStats() api.CacheStats {
	st := s.asm.Cache().Stats()
	return api.CacheStats{
		Tiles:          st.Tiles,
		Hits:           st.Hits,
		Misses:         st.Misses,
		Evictions:      st.Evictions,
		MemoryUsed:     st.MemoryUsed,
		MemoryCapacity: st.MemoryCapacity,
		Threshold:      st.Threshold,
	}
}

// ListRasters describes every display. Display ranges are only known for
// displays that were already assembled.
func (s *Server) ListRasters(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.displays))
	for name := range s.displays {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	list := api.RasterList{Rasters: make([]api.RasterSummary, 0, len(names))}
	for _, name := range names {
		e, _ := s.lookup(name)
		l := e.Rasters[0].Source.Layout()
		sum := api.RasterSummary{
			Name:       name,
			Width:      l.Width,
			Height:     l.Height,
			TileWidth:  l.TileWidth,
			TileHeight: l.TileHeight,
			NumXTiles:  l.NumXTiles(),
			NumYTiles:  l.NumYTiles(),
			Matching:   e.Matching.String(),
		}
		e.mu.Lock()
		for _, ras := range e.Rasters {
			b := api.BandSummary{Id: ras.Source.ID(), Type: ras.Source.Layout().Type.String()}
			if ras.Info != nil {
				b.MinDisplay, b.MaxDisplay = ras.Info.MinDisplay, ras.Info.MaxDisplay
				b.Discrete = ras.Info.Discrete()
			} else {
				b.Discrete = len(ras.IndexCoding) > 0
			}
			sum.Bands = append(sum.Bands, b)
		}
		e.mu.Unlock()
		list.Rasters = append(list.Rasters, sum)
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GetTile serves one tile of a display image.
func (s *Server) GetTile(w http.ResponseWriter, r *http.Request, name string, tx int, ty int, params api.GetTileParams) {
	format, err := outputFormat(params.Format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, ok := s.lookup(name)
	if !ok {
		s.writeNotFound(w, r, name)
		return
	}
	img, err := s.assemble(r.Context(), e)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := img.Tile(r.Context(), tx, ty)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := tile.ToImage(b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := tile.Encode(out, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeImage(w, r, format, data)
}

// GetImage renders a whole display image, or its quicklook.
func (s *Server) GetImage(w http.ResponseWriter, r *http.Request, name string, params api.GetImageParams) {
	format, err := outputFormat(params.Format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, ok := s.lookup(name)
	if !ok {
		s.writeNotFound(w, r, name)
		return
	}
	img, err := s.assemble(r.Context(), e)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := &render.Options{Format: format, Workers: s.opts.Workers}
	if params.Quicklook != nil {
		if *params.Quicklook <= 0 {
			s.writeError(w, r, tile.Configf("quicklook size must be positive"))
			return
		}
		opts.Quicklook = *params.Quicklook
	}

	result, err := s.renderer.Render(r.Context(), img, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Quicklook > 0 {
		s.writeImage(w, r, tile.FormatPNG, result.QuicklookData)
		return
	}
	s.writeImage(w, r, format, result.ImageData)
}

// GetHistogram returns the histogram of one band of a display. Discrete
// bands report one bin per class in palette order.
func (s *Server) GetHistogram(w http.ResponseWriter, r *http.Request, name string, params api.GetHistogramParams) {
	e, ok := s.lookup(name)
	if !ok {
		s.writeNotFound(w, r, name)
		return
	}
	if _, err := s.assemble(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}

	band := 0
	if params.Band != nil {
		band = *params.Band
	}
	if band < 0 || band >= len(e.Rasters) {
		s.writeError(w, r, tile.Configf("band %d out of range, display %s has %d", band, name, len(e.Rasters)))
		return
	}

	info := e.Rasters[band].Info
	resp := api.HistogramResponse{
		Band:       band,
		MinDisplay: info.MinDisplay,
		MaxDisplay: info.MaxDisplay,
	}
	if info.Discrete() {
		resp.Bins = make([]int64, len(info.Palette))
		for i, p := range info.Palette {
			resp.Bins[i] = info.IndexCounts[int(p.Sample)]
			resp.Total += resp.Bins[i]
		}
		resp.Low, resp.High = info.MinDisplay, info.MaxDisplay
	} else if h := info.Histogram; h != nil {
		resp.Bins = h.Bins
		resp.Low, resp.High = h.Low, h.High
		resp.Total = h.Total
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetPixel returns the raw samples under a pixel, their geophysical values
// and the displayed color.
func (s *Server) GetPixel(w http.ResponseWriter, r *http.Request, name string, params api.GetPixelParams) {
	e, ok := s.lookup(name)
	if !ok {
		s.writeNotFound(w, r, name)
		return
	}
	if _, err := s.assemble(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := api.PixelResponse{X: params.X, Y: params.Y}
	for i, ras := range e.Rasters {
		v, err := e.raw[i].At(r.Context(), params.X, params.Y)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Raw = append(resp.Raw, v[0])
		resp.Values = append(resp.Values, ras.Scale.Apply(v[0]))
		if info := ras.Info; info.Discrete() {
			label := ""
			if idx, ok := info.SampleToIndex[int(v[0])]; ok {
				label = info.Palette[idx].Label
			}
			resp.Labels = append(resp.Labels, label)
		}
	}

	shown, err := e.probe.At(r.Context(), params.X, params.Y)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Color = displayColor(shown).Hex()
	s.writeJSON(w, http.StatusOK, resp)
}

// InvalidateRaster drops every cached tile of a display and of the images it
// is computed from.
func (s *Server) InvalidateRaster(w http.ResponseWriter, r *http.Request, name string) {
	e, ok := s.lookup(name)
	if !ok {
		s.writeNotFound(w, r, name)
		return
	}

	// the display's rasters may feed other displays, so everything built on
	// them goes, and every probe forgets its tiles
	for _, ras := range e.Rasters {
		if ras != nil && ras.Source != nil {
			s.asm.Source(ras.Source).Invalidate()
		}
	}
	for _, l := range e.Layers {
		if l.Source != nil {
			s.asm.Source(l.Source).Invalidate()
		}
	}
	s.mu.RLock()
	all := make([]*entry, 0, len(s.displays))
	for _, d := range s.displays {
		all = append(all, d)
	}
	s.mu.RUnlock()
	for _, d := range all {
		d.resetProbes()
	}

	s.log.Info().Str("display", name).Msg("display invalidated")
	w.WriteHeader(http.StatusNoContent)
}

func (e *entry) resetProbes() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.probe == nil {
		return
	}
	e.probe.Reset()
	for _, p := range e.raw {
		p.Reset()
	}
}

// ParamError is the api.ChiServerOptions.ErrorHandlerFunc of the server.
func (s *Server) ParamError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorResponse(w, r, http.StatusBadRequest, api.INVALIDREQUEST, err.Error(), nil)
}

func displayColor(v []float64) tile.RGBA {
	u := func(i int) uint8 { return uint8(v[i]) }
	switch len(v) {
	case 1:
		return tile.RGBA{R: u(0), G: u(0), B: u(0), A: 255}
	case 3:
		return tile.RGBA{R: u(0), G: u(1), B: u(2), A: 255}
	case 4:
		return tile.RGBA{R: u(0), G: u(1), B: u(2), A: u(3)}
	}
	return tile.Transparent
}

func outputFormat(f *api.ImageFormat) (int, error) {
	if f == nil {
		return tile.FormatPNG, nil
	}
	switch *f {
	case api.Png:
		return tile.FormatPNG, nil
	case api.Tiff:
		return tile.FormatTIFF, nil
	}
	return 0, tile.Configf("unknown format %q", *f)
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, format int, data []byte) {
	switch format {
	case tile.FormatTIFF:
		w.Header().Set("Content-Type", "image/tiff")
	default:
		w.Header().Set("Content-Type", "image/png")
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Warn().Err(err).Msg("error writing response")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("error encoding response")
	}
}

func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request, name string) {
	s.writeErrorResponse(w, r, http.StatusNotFound, api.NOTFOUND, fmt.Sprintf("unknown raster %q", name), nil)
}

// writeError maps pipeline errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tileErr *render.TileError
	switch {
	case errors.As(err, &tileErr):
		s.writeTileError(w, r, tileErr)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, r, http.StatusGatewayTimeout, api.TIMEOUT, "tile computation timed out", nil)
	case errors.Is(err, tile.ErrCancelled), errors.Is(err, context.Canceled):
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, api.CANCELLED, err.Error(), nil)
	case errors.Is(err, pipeline.ErrOutOfRange):
		s.writeErrorResponse(w, r, http.StatusNotFound, api.OUTOFRANGE, err.Error(), nil)
	case errors.Is(err, tile.ErrConfiguration):
		s.writeErrorResponse(w, r, http.StatusBadRequest, api.INVALIDREQUEST, err.Error(), nil)
	case errors.Is(err, tile.ErrRead):
		var readErr *tile.ReadError
		var details map[string]interface{}
		if errors.As(err, &readErr) {
			details = map[string]interface{}{
				"image":  readErr.ImageID,
				"tile_x": readErr.TileX,
				"tile_y": readErr.TileY,
			}
		}
		s.writeErrorResponse(w, r, http.StatusBadGateway, api.READERROR, err.Error(), details)
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		s.writeErrorResponse(w, r, http.StatusInternalServerError, api.INTERNALERROR, "Internal server error", nil)
	}
}

func (s *Server) writeTileError(w http.ResponseWriter, r *http.Request, tileErr *render.TileError) {
	failed := make([]api.FailedTile, len(tileErr.FailedTiles))
	for i, ft := range tileErr.FailedTiles {
		failed[i] = api.FailedTile{TileX: ft.TileX, TileY: ft.TileY, Error: ft.Err.Error()}
	}
	s.writeJSON(w, http.StatusBadGateway, api.TileErrorResponse{
		Error:           api.TILEERROR,
		Message:         tileErr.Message,
		FailedTiles:     failed,
		SuccessfulTiles: tileErr.SuccessfulTiles,
		TotalTiles:      tileErr.TotalTiles,
		RequestId:       requestID(r),
	})
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code api.ErrorCode, message string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     code,
		Message:   message,
		RequestId: requestID(r),
	}
	if details != nil {
		response.Details = &details
	}
	s.log.Debug().Int("status", statusCode).Str("code", string(code)).Msg(message)
	s.writeJSON(w, statusCode, response)
}

func requestID(r *http.Request) *string {
	id := middleware.GetReqID(r.Context())
	if id == "" {
		return nil
	}
	return &id
}
