package decoder

import (
	"context"
	"io"

	"github.com/gen2brain/avif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/Skryldev/imageproxy/core"
)

// WebP decodes WebP images using golang.org/x/image/webp.
// Only the first frame of an animated WebP is decoded.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) CanDecode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeStill(ctx, r, core.FormatWebP, webp.Decode)
}

// TIFF decodes baseline TIFF images.
type TIFF struct{}

func NewTIFF() *TIFF { return &TIFF{} }

func (t *TIFF) CanDecode(format core.Format) bool { return format == core.FormatTIFF }

func (t *TIFF) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeStill(ctx, r, core.FormatTIFF, tiff.Decode)
}

// BMP decodes Windows bitmaps.
type BMP struct{}

func NewBMP() *BMP { return &BMP{} }

func (b *BMP) CanDecode(format core.Format) bool { return format == core.FormatBMP }

func (b *BMP) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeStill(ctx, r, core.FormatBMP, bmp.Decode)
}

// AVIF decodes still AVIF images with the WebAssembly build of libavif.
type AVIF struct{}

func NewAVIF() *AVIF { return &AVIF{} }

func (a *AVIF) CanDecode(format core.Format) bool { return format == core.FormatAVIF }

func (a *AVIF) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeStill(ctx, r, core.FormatAVIF, avif.Decode)
}
