package native

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// Image is the native core.Image. Operations mutate the receiver and return
// it. A resize is held back until the next operation or encode, so only the
// last resize in a row takes effect.
type Image struct {
	engine *Engine
	meta   core.Metadata
	frames []image.Image
	delays []int

	pending *resizeRequest

	format core.Format
	enc    core.EncodeOptions
}

var _ core.Image = (*Image)(nil)

type resizeRequest struct {
	width, height int
	opts          core.ResizeOptions
}

// Metadata reports the source metadata with the current dimensions.
func (i *Image) Metadata() core.Metadata {
	m := i.meta
	b := i.frames[0].Bounds()
	m.Width, m.Height = b.Dx(), b.Dy()
	m.Pages = len(i.frames)
	return m
}

// ── Transforms ────────────────────────────────────────────────────────────────

func (i *Image) Resize(width, height int, opts core.ResizeOptions) (core.Image, error) {
	if width < 0 || height < 0 || (width == 0 && height == 0) {
		return nil, apperrors.New(apperrors.CategoryPipeline, "resize", apperrors.ErrInvalidDimensions)
	}
	i.pending = &resizeRequest{width: width, height: height, opts: opts}
	return i, nil
}

func (i *Image) Rotate(angle float64, background *core.Color) (core.Image, error) {
	bg := colorOr(background, color.NRGBA{A: 255})
	return i.each("rotate", func(src image.Image) (image.Image, error) {
		return rotate(src, angle, bg), nil
	})
}

func (i *Image) Flip() (core.Image, error) {
	return i.each("flip", func(src image.Image) (image.Image, error) { return flip(src), nil })
}

func (i *Image) Flop() (core.Image, error) {
	return i.each("flop", func(src image.Image) (image.Image, error) { return flop(src), nil })
}

func (i *Image) Extract(left, top, width, height int) (core.Image, error) {
	return i.each("extract", func(src image.Image) (image.Image, error) {
		b := src.Bounds()
		rect := image.Rect(left, top, left+width, top+height).Add(b.Min)
		if width <= 0 || height <= 0 || !rect.In(b) {
			return nil, fmt.Errorf("%w: extract %v outside %v", apperrors.ErrInvalidDimensions, rect, b)
		}
		return crop(src, rect), nil
	})
}

func (i *Image) Extend(top, right, bottom, left int, background *core.Color) (core.Image, error) {
	bg := colorOr(background, color.NRGBA{A: 255})
	return i.each("extend", func(src image.Image) (image.Image, error) {
		return extend(src, top, right, bottom, left, bg), nil
	})
}

func (i *Image) Trim(threshold float64) (core.Image, error) {
	if err := i.flush(); err != nil {
		return nil, err
	}
	// One box for all frames keeps animations aligned.
	rect := trimRect(i.frames[0], threshold)
	return i.each("trim", func(src image.Image) (image.Image, error) {
		return crop(src, rect), nil
	})
}

func (i *Image) Sharpen(sigma, flat, jagged float64) (core.Image, error) {
	return i.each("sharpen", func(src image.Image) (image.Image, error) {
		return sharpen(src, sigma, flat, jagged), nil
	})
}

func (i *Image) Median(size int) (core.Image, error) {
	return i.each("median", func(src image.Image) (image.Image, error) { return median(src, size), nil })
}

func (i *Image) Blur(sigma float64) (core.Image, error) {
	return i.each("blur", func(src image.Image) (image.Image, error) { return gaussianBlur(src, sigma), nil })
}

func (i *Image) Flatten(background *core.Color) (core.Image, error) {
	bg := colorOr(background, color.NRGBA{A: 255})
	return i.each("flatten", func(src image.Image) (image.Image, error) { return flatten(src, bg), nil })
}

func (i *Image) Gamma(gamma, gammaOut float64) (core.Image, error) {
	if gamma <= 0 || gammaOut <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "gamma", apperrors.ErrInvalidDimensions)
	}
	exp := gammaOut / (gamma * gamma)
	return i.mapChannels("gamma", func(v float64) float64 { return math.Pow(v, exp) })
}

func (i *Image) Negate() (core.Image, error) {
	return i.mapChannels("negate", func(v float64) float64 { return 1 - v })
}

func (i *Image) Normalize() (core.Image, error) {
	return i.each("normalize", func(src image.Image) (image.Image, error) { return normalize(src), nil })
}

func (i *Image) Threshold(threshold int) (core.Image, error) {
	return i.each("threshold", func(src image.Image) (image.Image, error) {
		return thresholdImage(src, uint8(clampInt(threshold, 0, 255))), nil
	})
}

func (i *Image) Modulate(brightness, saturation, hue float64) (core.Image, error) {
	return i.each("modulate", func(src image.Image) (image.Image, error) {
		return modulate(src, brightness, saturation, hue), nil
	})
}

func (i *Image) Tint(c core.Color) (core.Image, error) {
	return i.each("tint", func(src image.Image) (image.Image, error) {
		return tint(src, color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}), nil
	})
}

func (i *Image) Grayscale() (core.Image, error) {
	i.meta.ColorSpace = core.ColorSpaceGray
	return i.each("grayscale", func(src image.Image) (image.Image, error) { return grayscale(src), nil })
}

// ── Output ────────────────────────────────────────────────────────────────────

// ToFormat selects the output encoder. Formats without a registered encoder
// fail with ErrUnsupportedFormat.
func (i *Image) ToFormat(format core.Format, opts core.EncodeOptions) (core.Image, error) {
	if !i.engine.CanEncode(format) {
		return nil, apperrors.New(apperrors.CategoryEncode, "native.toFormat",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	i.format, i.enc = format, opts
	return i, nil
}

// ToBuffer applies any pending resize and encodes the result.
func (i *Image) ToBuffer(ctx context.Context) ([]byte, error) {
	const op = "native.toBuffer"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if err := i.flush(); err != nil {
		return nil, err
	}
	enc, ok := i.engine.registry.EncoderFor(i.format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, i.format))
	}

	data := &core.ImageData{
		Image:  i.frames[0],
		Format: i.format,
		Meta:   i.Metadata(),
	}
	if len(i.frames) > 1 {
		data.Frames = make([]interface{}, len(i.frames))
		for n, f := range i.frames {
			data.Frames[n] = f
		}
		data.Delays = i.delays
	}
	return enc.Encode(ctx, data, i.enc)
}

// ── Internals ─────────────────────────────────────────────────────────────────

// flush runs the held-back resize, if any.
func (i *Image) flush() error {
	if i.pending == nil {
		return nil
	}
	r := i.pending
	i.pending = nil
	for n, f := range i.frames {
		out, err := resize(f, r.width, r.height, r.opts)
		if err != nil {
			return apperrors.New(apperrors.CategoryPipeline, "resize", err)
		}
		i.frames[n] = out
	}
	return nil
}

// each flushes a pending resize and then applies fn to every frame.
func (i *Image) each(op string, fn func(image.Image) (image.Image, error)) (core.Image, error) {
	if err := i.flush(); err != nil {
		return nil, err
	}
	for n, f := range i.frames {
		out, err := fn(f)
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryPipeline, op, err)
		}
		i.frames[n] = out
	}
	return i, nil
}

// mapChannels applies fn to the normalised RGB channels of every pixel.
func (i *Image) mapChannels(op string, fn func(float64) float64) (core.Image, error) {
	var lut [256]uint8
	for v := range lut {
		lut[v] = clamp8(fn(float64(v)/255) * 255)
	}
	return i.each(op, func(src image.Image) (image.Image, error) {
		dst := toNRGBA(src)
		for p := 0; p < len(dst.Pix); p += 4 {
			dst.Pix[p] = lut[dst.Pix[p]]
			dst.Pix[p+1] = lut[dst.Pix[p+1]]
			dst.Pix[p+2] = lut[dst.Pix[p+2]]
		}
		return dst, nil
	})
}

func colorOr(c *core.Color, def color.NRGBA) color.NRGBA {
	if c == nil {
		return def
	}
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}
