package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiesman99/tilepipe/internal/render"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// Options controls where a rendered image goes.
type Options struct {
	// Output is the image file, empty for standard output.
	Output         string
	Format         int
	WriteWorldFile bool
	WriteQuicklook bool
}

// CheckOutput refuses to write binary image data to a terminal.
func CheckOutput(output string, stdout *os.File) error {
	if output != "" {
		return nil
	}
	if stat, err := stdout.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) != 0 {
		return fmt.Errorf("didn't specify output file and standard output is a terminal")
	}
	return nil
}

// Write stores the image, and optionally its world file and quicklook next to
// it. Side files need a named output.
func Write(res *render.Result, opts *Options, stdout io.Writer) error {
	if opts.Output == "" {
		if opts.WriteWorldFile || opts.WriteQuicklook {
			return fmt.Errorf("world file and quicklook need an output file")
		}
		if _, err := stdout.Write(res.ImageData); err != nil {
			return fmt.Errorf("failed to write image: %w", err)
		}
		return nil
	}

	if err := os.WriteFile(opts.Output, res.ImageData, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}

	base := strings.TrimSuffix(opts.Output, filepath.Ext(opts.Output))
	if opts.WriteWorldFile {
		if res.WorldFileData == nil {
			return fmt.Errorf("no georeferencing available for world file")
		}
		if err := os.WriteFile(base+tile.WorldFileExt(opts.Format), res.WorldFileData, 0o644); err != nil {
			return fmt.Errorf("failed to write world file: %w", err)
		}
	}
	if opts.WriteQuicklook {
		if res.QuicklookData == nil {
			return fmt.Errorf("no quicklook rendered")
		}
		if err := os.WriteFile(QuicklookPath(opts.Output), res.QuicklookData, 0o644); err != nil {
			return fmt.Errorf("failed to write quicklook: %w", err)
		}
	}
	return nil
}

// QuicklookPath returns the quicklook file name belonging to an output file.
func QuicklookPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".ql.png"
}
