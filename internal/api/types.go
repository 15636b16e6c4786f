// Package api provides the HTTP surface of the tile server: request and
// response types and a chi router bound to a ServerInterface.
package api

import "time"

// Defines values for HealthResponseStatus.
const (
	Healthy   HealthResponseStatus = "healthy"
	Unhealthy HealthResponseStatus = "unhealthy"
)

// Defines values for ImageFormat.
const (
	Png  ImageFormat = "png"
	Tiff ImageFormat = "tiff"
)

// Defines values for ErrorCode.
const (
	INVALIDREQUEST ErrorCode = "INVALID_REQUEST"
	NOTFOUND       ErrorCode = "NOT_FOUND"
	OUTOFRANGE     ErrorCode = "OUT_OF_RANGE"
	READERROR      ErrorCode = "READ_ERROR"
	TILEERROR      ErrorCode = "TILE_ERROR"
	CANCELLED      ErrorCode = "CANCELLED"
	TIMEOUT        ErrorCode = "TIMEOUT"
	INTERNALERROR  ErrorCode = "INTERNAL_ERROR"
)

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// ImageFormat defines model for ImageFormat.
type ImageFormat string

// ErrorCode defines model for ErrorResponse.Error.
type ErrorCode string

// CacheStats defines model for CacheStats.
type CacheStats struct {
	Evictions      uint64  `json:"evictions"`
	Hits           uint64  `json:"hits"`
	MemoryCapacity int64   `json:"memory_capacity"`
	MemoryUsed     int64   `json:"memory_used"`
	Misses         uint64  `json:"misses"`
	Threshold      float64 `json:"threshold"`
	Tiles          int     `json:"tiles"`
}

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Cache     *CacheStats          `json:"cache,omitempty"`
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    *int                 `json:"uptime,omitempty"`
	Version   *string              `json:"version,omitempty"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Details   *map[string]interface{} `json:"details,omitempty"`
	Error     ErrorCode               `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
}

// FailedTile defines model for TileErrorResponse.FailedTiles.
type FailedTile struct {
	Error string `json:"error"`
	TileX int    `json:"tile_x"`
	TileY int    `json:"tile_y"`
}

// TileErrorResponse defines model for TileErrorResponse.
type TileErrorResponse struct {
	Error           ErrorCode    `json:"error"`
	FailedTiles     []FailedTile `json:"failed_tiles"`
	Message         string       `json:"message"`
	RequestId       *string      `json:"request_id,omitempty"`
	SuccessfulTiles int          `json:"successful_tiles"`
	TotalTiles      int          `json:"total_tiles"`
}

// BandSummary defines model for BandSummary.
type BandSummary struct {
	Discrete   bool    `json:"discrete"`
	Id         string  `json:"id"`
	MaxDisplay float64 `json:"max_display"`
	MinDisplay float64 `json:"min_display"`
	Type       string  `json:"type"`
}

// RasterSummary defines model for RasterSummary.
type RasterSummary struct {
	Bands      []BandSummary `json:"bands"`
	Height     int           `json:"height"`
	Matching   string        `json:"matching"`
	Name       string        `json:"name"`
	NumXTiles  int           `json:"num_x_tiles"`
	NumYTiles  int           `json:"num_y_tiles"`
	TileHeight int           `json:"tile_height"`
	TileWidth  int           `json:"tile_width"`
	Width      int           `json:"width"`
}

// RasterList defines model for RasterList.
type RasterList struct {
	Rasters []RasterSummary `json:"rasters"`
}

// HistogramResponse defines model for HistogramResponse.
type HistogramResponse struct {
	Band       int     `json:"band"`
	Bins       []int64 `json:"bins"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	MaxDisplay float64 `json:"max_display"`
	MinDisplay float64 `json:"min_display"`
	Total      int64   `json:"total"`
}

// PixelResponse defines model for PixelResponse.
type PixelResponse struct {
	Color  string    `json:"color"`
	Labels []string  `json:"labels,omitempty"`
	Raw    []float64 `json:"raw"`
	Values []float64 `json:"values"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
}

// GetTileParams defines parameters for GetTile.
type GetTileParams struct {
	Format *ImageFormat `form:"format,omitempty" json:"format,omitempty"`
}

// GetImageParams defines parameters for GetImage.
type GetImageParams struct {
	Format    *ImageFormat `form:"format,omitempty" json:"format,omitempty"`
	Quicklook *int         `form:"quicklook,omitempty" json:"quicklook,omitempty"`
}

// GetHistogramParams defines parameters for GetHistogram.
type GetHistogramParams struct {
	Band *int `form:"band,omitempty" json:"band,omitempty"`
}

// GetPixelParams defines parameters for GetPixel.
type GetPixelParams struct {
	X int `form:"x" json:"x"`
	Y int `form:"y" json:"y"`
}
