// Package decoder provides format-specific image decoders for the native
// engine.
package decoder

import (
	"context"
	"image"
	"image/jpeg"
	"io"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// JPEG decodes JPEG images using the standard library.
type JPEG struct{}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeStill(ctx, r, core.FormatJPEG, jpeg.Decode)
}

// decodeStill runs a single-frame decode function and fills in metadata.
func decodeStill(ctx context.Context, r io.Reader, format core.Format, fn func(io.Reader) (image.Image, error)) (*core.ImageData, error) {
	op := string(format) + ".decode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}

	img, err := fn(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	return &core.ImageData{
		Image:  img,
		Format: format,
		Meta:   metadataOf(img, format, 1),
	}, nil
}

func metadataOf(img image.Image, format core.Format, pages int) core.Metadata {
	b := img.Bounds()
	return core.Metadata{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     format,
		ColorSpace: colorSpace(img),
		HasAlpha:   hasAlpha(img),
		Pages:      pages,
	}
}

// colorSpace returns the colour space of an image.Image.
func colorSpace(img image.Image) core.ColorSpace {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return core.ColorSpaceGray
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64, *image.Paletted:
		return core.ColorSpaceRGBA
	case *image.CMYK:
		return core.ColorSpaceCMYK
	}
	return core.ColorSpaceRGB
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64, *image.Paletted:
		return true
	}
	return false
}
