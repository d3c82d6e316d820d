package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// GIF encodes still or animated GIFs. Frames are quantised to the Plan 9
// palette with Floyd-Steinberg dithering.
type GIF struct{}

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) CanEncode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) Encode(ctx context.Context, img *core.ImageData, _ core.EncodeOptions) ([]byte, error) {
	const op = "gif.encode"
	first, err := stillImage(ctx, op, img)
	if err != nil {
		return nil, err
	}

	frames := img.Frames
	if len(frames) == 0 {
		frames = []interface{}{first}
	}

	out := &gif.GIF{
		Image: make([]*image.Paletted, 0, len(frames)),
		Delay: make([]int, 0, len(frames)),
	}
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
		}
		src, ok := f.(image.Image)
		if !ok || src == nil {
			return nil, apperrors.New(apperrors.CategoryEncode, op, apperrors.ErrEmptyInput)
		}
		out.Image = append(out.Image, quantize(src))
		delay := 0
		if i < len(img.Delays) {
			delay = img.Delays[i]
		}
		out.Delay = append(out.Delay, delay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, out); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return buf.Bytes(), nil
}

func quantize(src image.Image) *image.Paletted {
	if p, ok := src.(*image.Paletted); ok {
		return p
	}
	b := src.Bounds()
	dst := image.NewPaletted(b, palette.Plan9)
	draw.FloydSteinberg.Draw(dst, b, src, b.Min)
	return dst
}
