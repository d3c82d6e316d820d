// Package native is a cgo-free image engine built on the standard image
// packages, golang.org/x/image and the WebAssembly webp/avif codecs. It is
// the default engine; adapters/vips is faster and also writes heif.
package native

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/Skryldev/imageproxy/adapters/decoder"
	"github.com/Skryldev/imageproxy/adapters/encoder"
	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

// Engine implements core.Engine on top of a codec registry.
type Engine struct {
	registry  core.Registry
	maxPixels int
}

var _ core.Engine = (*Engine)(nil)

// New returns an Engine using reg for decoding and encoding.
func New(reg core.Registry) *Engine {
	return &Engine{registry: reg}
}

// NewDefault returns an Engine with every built-in codec registered.
func NewDefault(defaultQuality int) *Engine {
	return New(DefaultRegistry(defaultQuality))
}

// DefaultRegistry registers the built-in decoders and encoders.
func DefaultRegistry(defaultQuality int) *core.Codecs {
	return core.NewCodecs().
		Register(core.FormatJPEG, decoder.NewJPEG(), encoder.NewJPEG(defaultQuality)).
		Register(core.FormatPNG, decoder.NewPNG(), encoder.NewPNG()).
		Register(core.FormatGIF, decoder.NewGIF(), encoder.NewGIF()).
		Register(core.FormatTIFF, decoder.NewTIFF(), encoder.NewTIFF()).
		Register(core.FormatWebP, decoder.NewWebP(), encoder.NewWebP(defaultQuality)).
		Register(core.FormatAVIF, decoder.NewAVIF(), encoder.NewAVIF(defaultQuality)).
		Register(core.FormatBMP, decoder.NewBMP(), nil)
}

// WithMaxPixels rejects sources larger than n pixels (0 = unbounded).
// Returns the same Engine for chaining.
func (e *Engine) WithMaxPixels(n int) *Engine {
	e.maxPixels = n
	return e
}

func (e *Engine) Name() string { return "native" }

// CanEncode reports whether f has a registered encoder.
func (e *Engine) CanEncode(f core.Format) bool {
	_, ok := e.registry.EncoderFor(f)
	return ok
}

// Formats lists the output formats this engine can produce.
func (e *Engine) Formats() []core.Format { return e.registry.Encodable() }

// Load decodes data. Animated sources keep every frame only when
// opts.Animated is set.
func (e *Engine) Load(ctx context.Context, data []byte, opts core.LoadOptions) (core.Image, error) {
	const op = "native.load"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, op, apperrors.ErrEmptyInput)
	}

	format := core.Format(utils.DetectFormat(data))
	dec, ok := e.registry.DecoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryDecode, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}

	if e.maxPixels > 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil && cfg.Width*cfg.Height > e.maxPixels {
			return nil, apperrors.New(apperrors.CategoryDecode, op,
				fmt.Errorf("%w: %dx%d", apperrors.ErrTooLarge, cfg.Width, cfg.Height))
		}
	}

	decoded, err := dec.Decode(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	first, ok := decoded.Image.(image.Image)
	if !ok || first == nil {
		return nil, apperrors.New(apperrors.CategoryDecode, op, apperrors.ErrEmptyInput)
	}

	img := &Image{
		engine: e,
		meta:   decoded.Meta,
		format: decoded.Format,
		frames: []image.Image{first},
	}
	if opts.Animated && len(decoded.Frames) > 1 {
		img.frames = make([]image.Image, 0, len(decoded.Frames))
		for _, f := range decoded.Frames {
			if fi, ok := f.(image.Image); ok {
				img.frames = append(img.frames, fi)
			}
		}
		img.delays = decoded.Delays
	}
	img.meta.SizeBytes = int64(len(data))
	return img, nil
}
