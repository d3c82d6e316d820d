package encoder

import (
	"bytes"
	"context"
	"image/png"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// PNG encodes images to PNG format.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	src, err := stillImage(ctx, "png.encode", img)
	if err != nil {
		return nil, err
	}

	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	// Quality has no meaning for PNG; low values trade size for speed.
	if opts.Lossless || opts.Quality >= 90 {
		enc.CompressionLevel = png.BestCompression
	} else if opts.Quality > 0 && opts.Quality < 30 {
		enc.CompressionLevel = png.BestSpeed
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, src); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	return buf.Bytes(), nil
}
