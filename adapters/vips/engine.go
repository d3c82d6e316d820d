// Package vips is a libvips-backed core.Engine. It requires cgo and libvips
// at build time and encodes every output format, including webp, avif and
// heif.
package vips

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// Config configures the libvips runtime.
type Config struct {
	DefaultQuality int
	MaxCacheSize   int
	Concurrency    int
	ReportLeaks    bool
	// MaxPixels rejects larger sources (0 = unbounded).
	MaxPixels int
}

// Engine opens buffers with libvips. Safe for concurrent use.
type Engine struct {
	cfg Config
}

var _ core.Engine = (*Engine)(nil)

var (
	startOnce sync.Once
	stopOnce  sync.Once
)

// New initialises libvips once per process and returns a ready Engine.
// Call Shutdown when the process exits.
func New(cfg Config) *Engine {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 80
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	startOnce.Do(func() {
		govips.Startup(&govips.Config{
			ConcurrencyLevel: cfg.Concurrency,
			MaxCacheSize:     cfg.MaxCacheSize,
			ReportLeaks:      cfg.ReportLeaks,
			CollectStats:     true,
		})
	})
	return &Engine{cfg: cfg}
}

// Shutdown releases all libvips resources.
func (e *Engine) Shutdown() {
	stopOnce.Do(govips.Shutdown)
}

func (e *Engine) Name() string { return "vips" }

// CanEncode reports whether libvips can write f.
func (e *Engine) CanEncode(f core.Format) bool {
	return f.IsOutput()
}

// Load decodes data. With opts.Animated every page of a multi-page source is
// loaded as one tall strip.
func (e *Engine) Load(ctx context.Context, data []byte, opts core.LoadOptions) (core.Image, error) {
	const op = "vips.load"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, op, apperrors.ErrEmptyInput)
	}

	params := govips.NewImportParams()
	if opts.Animated {
		params.NumPages.Set(-1)
	}
	ref, err := govips.LoadImageFromBuffer(data, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	runtime.SetFinalizer(ref, func(r *govips.ImageRef) { r.Close() })

	if e.cfg.MaxPixels > 0 && ref.Width()*ref.Height() > e.cfg.MaxPixels {
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrTooLarge, ref.Width(), ref.Height()))
	}

	format := vipsFormatToCore(ref.Format())
	return &Image{
		engine: e,
		ref:    ref,
		format: format,
		meta: core.Metadata{
			Format:      format,
			ColorSpace:  vipsInterpretationToColorSpace(ref.Interpretation()),
			HasAlpha:    ref.HasAlpha(),
			Orientation: ref.Orientation(),
			SizeBytes:   int64(len(data)),
		},
	}, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func vipsFormatToCore(f govips.ImageType) core.Format {
	switch f {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	case govips.ImageTypeAVIF:
		return core.FormatAVIF
	case govips.ImageTypeHEIF:
		return core.FormatHEIF
	case govips.ImageTypeTIFF:
		return core.FormatTIFF
	case govips.ImageTypeGIF:
		return core.FormatGIF
	case govips.ImageTypeSVG:
		return core.FormatSVG
	case govips.ImageTypeBMP:
		return core.FormatBMP
	default:
		return core.FormatUnknown
	}
}

func vipsInterpretationToColorSpace(i govips.Interpretation) core.ColorSpace {
	switch i {
	case govips.InterpretationSRGB, govips.InterpretationRGB16:
		return core.ColorSpaceRGB
	case govips.InterpretationBW:
		return core.ColorSpaceGray
	case govips.InterpretationCMYK:
		return core.ColorSpaceCMYK
	default:
		return core.ColorSpaceRGB
	}
}

func vipsKernel(k core.Kernel) govips.Kernel {
	switch k {
	case core.KernelNearest:
		return govips.KernelNearest
	case core.KernelCubic:
		return govips.KernelCubic
	case core.KernelMitchell:
		return govips.KernelMitchell
	case core.KernelLanczos2:
		return govips.KernelLanczos2
	}
	return govips.KernelLanczos3
}
