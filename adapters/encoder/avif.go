package encoder

import (
	"bytes"
	"context"

	"github.com/gen2brain/avif"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// AVIF encodes still AVIF images through libavif compiled to WebAssembly.
type AVIF struct {
	DefaultQuality int
	Speed          int // 0 (slowest) to 10 (fastest)
}

func NewAVIF(defaultQuality int) *AVIF {
	if defaultQuality <= 0 {
		defaultQuality = avif.DefaultQuality
	}
	return &AVIF{DefaultQuality: defaultQuality, Speed: avif.DefaultSpeed}
}

func (a *AVIF) CanEncode(format core.Format) bool { return format == core.FormatAVIF }

func (a *AVIF) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	src, err := stillImage(ctx, "avif.encode", img)
	if err != nil {
		return nil, err
	}
	q := clampQuality(opts.Quality, a.DefaultQuality)
	if opts.Lossless {
		q = 100
	}
	var buf bytes.Buffer
	if err := avif.Encode(&buf, src, avif.Options{Quality: q, QualityAlpha: q, Speed: a.Speed}); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "avif.encode", err)
	}
	return buf.Bytes(), nil
}
