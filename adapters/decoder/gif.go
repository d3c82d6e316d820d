package decoder

import (
	"context"
	"image"
	"image/draw"
	"image/gif"
	"io"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// GIF decodes every frame of a GIF, composited onto full-size canvases so
// each frame can be transformed on its own.
type GIF struct{}

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) CanDecode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	const op = "gif.decode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}

	all, err := gif.DecodeAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	if len(all.Image) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, op, apperrors.ErrEmptyInput)
	}

	bounds := image.Rect(0, 0, all.Config.Width, all.Config.Height)
	if bounds.Empty() {
		bounds = all.Image[0].Bounds()
	}

	canvas := image.NewNRGBA(bounds)
	frames := make([]interface{}, 0, len(all.Image))
	for i, frame := range all.Image {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
		}
		var prev *image.NRGBA
		disposal := byte(0)
		if i < len(all.Disposal) {
			disposal = all.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			prev = cloneNRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		frames = append(frames, cloneNRGBA(canvas))

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = prev
		}
	}

	first := frames[0].(image.Image)
	return &core.ImageData{
		Image:  first,
		Frames: frames,
		Delays: append([]int(nil), all.Delay...),
		Format: core.FormatGIF,
		Meta:   metadataOf(first, core.FormatGIF, len(frames)),
	}, nil
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
