package encoder

import (
	"bytes"
	"context"

	"github.com/gen2brain/webp"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// WebP encodes still WebP images with libwebp compiled to WebAssembly, so no
// cgo is needed. Animated sources are flattened to their first frame.
type WebP struct {
	DefaultQuality int
}

func NewWebP(defaultQuality int) *WebP {
	if defaultQuality <= 0 {
		defaultQuality = webp.DefaultQuality
	}
	return &WebP{DefaultQuality: defaultQuality}
}

func (w *WebP) CanEncode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	src, err := stillImage(ctx, "webp.encode", img)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	o := webp.Options{
		Quality:  clampQuality(opts.Quality, w.DefaultQuality),
		Lossless: opts.Lossless,
		Method:   webp.DefaultMethod,
	}
	if err := webp.Encode(&buf, src, o); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "webp.encode", err)
	}
	return buf.Bytes(), nil
}
