package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every graph-build time error.
	ErrConfiguration = errors.New("configuration error")
	// ErrRead is matched by failures reading raw raster storage.
	ErrRead = errors.New("raster read failure")
	// ErrCancelled marks an operation stopped on request. It is an outcome,
	// not a computation failure.
	ErrCancelled = errors.New("cancelled")
)

// ConfigError is returned when a graph or scan is set up with invalid
// parameters. It is never produced while tiles are being requested.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Message
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configf builds a ConfigError from a format string.
func Configf(format string, a ...interface{}) error {
	return &ConfigError{Message: fmt.Sprintf(format, a...)}
}

// ReadError tags a failed raw tile read with its origin. It is never cached,
// so requesting the tile again retries the read.
type ReadError struct {
	ImageID string
	TileX   int
	TileY   int
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read tile (%d,%d) of %s: %v", e.TileX, e.TileY, e.ImageID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func (e *ReadError) Is(target error) bool {
	return target == ErrRead
}
