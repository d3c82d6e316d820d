package vips

import (
	"context"
	"fmt"
	"math"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

// Image wraps a *govips.ImageRef. Operations mutate the ref in place and
// return the receiver. Resizes are deferred like the native engine's.
//
// Multi-page sources are held as one vertical strip; crops are skipped for
// them so a cover or contain resize behaves like inside.
type Image struct {
	engine *Engine
	ref    *govips.ImageRef
	meta   core.Metadata

	pending *resizeRequest

	format core.Format
	enc    core.EncodeOptions
}

var _ core.Image = (*Image)(nil)

type resizeRequest struct {
	width, height int
	opts          core.ResizeOptions
}

func (i *Image) Metadata() core.Metadata {
	m := i.meta
	m.Width, m.Height = i.ref.Width(), i.pageHeight()
	m.Pages = i.pages()
	m.HasAlpha = i.ref.HasAlpha()
	return m
}

func (i *Image) pages() int {
	if p := i.ref.Pages(); p > 1 {
		return p
	}
	return 1
}

func (i *Image) pageHeight() int {
	if i.pages() > 1 {
		return i.ref.GetPageHeight()
	}
	return i.ref.Height()
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
	return i.apply("rotate", func(ref *govips.ImageRef) error {
		a := math.Mod(angle, 360)
		if a < 0 {
			a += 360
		}
		switch a {
		case 0:
			return nil
		case 90:
			return ref.Rotate(govips.Angle90)
		case 180:
			return ref.Rotate(govips.Angle180)
		case 270:
			return ref.Rotate(govips.Angle270)
		}
		return ref.Similarity(1, a, rgba(background), 0, 0, 0, 0)
	})
}

func (i *Image) Flip() (core.Image, error) {
	return i.apply("flip", func(ref *govips.ImageRef) error { return ref.Flip(govips.DirectionVertical) })
}

func (i *Image) Flop() (core.Image, error) {
	return i.apply("flop", func(ref *govips.ImageRef) error { return ref.Flip(govips.DirectionHorizontal) })
}

func (i *Image) Extract(left, top, width, height int) (core.Image, error) {
	return i.apply("extract", func(ref *govips.ImageRef) error {
		if width <= 0 || height <= 0 || left < 0 || top < 0 ||
			left+width > ref.Width() || top+height > i.pageHeight() {
			return fmt.Errorf("%w: extract %d,%d %dx%d outside %dx%d", apperrors.ErrInvalidDimensions,
				left, top, width, height, ref.Width(), i.pageHeight())
		}
		return ref.ExtractArea(left, top, width, height)
	})
}

func (i *Image) Extend(top, right, bottom, left int, background *core.Color) (core.Image, error) {
	return i.apply("extend", func(ref *govips.ImageRef) error {
		return ref.EmbedBackgroundRGBA(left, top, ref.Width()+left+right, ref.Height()+top+bottom, rgba(background))
	})
}

func (i *Image) Trim(threshold float64) (core.Image, error) {
	return i.apply("trim", func(ref *govips.ImageRef) error {
		px, err := ref.GetPoint(0, 0)
		if err != nil {
			return err
		}
		bg := &govips.Color{}
		if len(px) >= 3 {
			bg.R, bg.G, bg.B = uint8(px[0]), uint8(px[1]), uint8(px[2])
		} else if len(px) > 0 {
			bg.R, bg.G, bg.B = uint8(px[0]), uint8(px[0]), uint8(px[0])
		}
		left, top, width, height, err := ref.FindTrim(threshold, bg)
		if err != nil {
			return err
		}
		if width <= 0 || height <= 0 {
			return nil
		}
		return ref.ExtractArea(left, top, width, height)
	})
}

// Sharpen maps jagged to the libvips m2 slope; flat is not configurable.
func (i *Image) Sharpen(sigma, _, jagged float64) (core.Image, error) {
	return i.apply("sharpen", func(ref *govips.ImageRef) error {
		return ref.Sharpen(sigma, 2, jagged)
	})
}

func (i *Image) Median(int) (core.Image, error) {
	return nil, unsupported("median")
}

func (i *Image) Blur(sigma float64) (core.Image, error) {
	return i.apply("blur", func(ref *govips.ImageRef) error { return ref.GaussianBlur(sigma) })
}

func (i *Image) Flatten(background *core.Color) (core.Image, error) {
	return i.apply("flatten", func(ref *govips.ImageRef) error {
		if !ref.HasAlpha() {
			return nil
		}
		bg := &govips.Color{}
		if background != nil {
			bg.R, bg.G, bg.B = background.R, background.G, background.B
		}
		return ref.Flatten(bg)
	})
}

func (i *Image) Gamma(gamma, gammaOut float64) (core.Image, error) {
	if gamma <= 0 || gammaOut <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "gamma", apperrors.ErrInvalidDimensions)
	}
	return i.apply("gamma", func(ref *govips.ImageRef) error {
		return ref.Gamma(gamma * gamma / gammaOut)
	})
}

func (i *Image) Negate() (core.Image, error) {
	return i.apply("negate", func(ref *govips.ImageRef) error { return ref.Invert() })
}

func (i *Image) Normalize() (core.Image, error) {
	return nil, unsupported("normalize")
}

func (i *Image) Threshold(int) (core.Image, error) {
	return nil, unsupported("threshold")
}

func (i *Image) Modulate(brightness, saturation, hue float64) (core.Image, error) {
	return i.apply("modulate", func(ref *govips.ImageRef) error {
		return ref.Modulate(brightness, saturation, hue)
	})
}

func (i *Image) Tint(core.Color) (core.Image, error) {
	return nil, unsupported("tint")
}

func (i *Image) Grayscale() (core.Image, error) {
	i.meta.ColorSpace = core.ColorSpaceGray
	return i.apply("grayscale", func(ref *govips.ImageRef) error {
		return ref.ToColorSpace(govips.InterpretationBW)
	})
}

// ── Output ────────────────────────────────────────────────────────────────────

func (i *Image) ToFormat(format core.Format, opts core.EncodeOptions) (core.Image, error) {
	if !i.engine.CanEncode(format) {
		return nil, apperrors.New(apperrors.CategoryEncode, "vips.toFormat",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, format))
	}
	i.format, i.enc = format, opts
	return i, nil
}

// ToBuffer applies any pending resize and exports with libvips.
func (i *Image) ToBuffer(ctx context.Context) ([]byte, error) {
	const op = "vips.toBuffer"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if err := i.flush(); err != nil {
		return nil, err
	}

	quality := i.enc.Quality
	if quality <= 0 {
		quality = i.engine.cfg.DefaultQuality
	}
	quality = min(quality, 100)

	var (
		buf []byte
		err error
	)
	switch i.format {
	case core.FormatJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.StripMetadata = i.enc.StripEXIF
		ep.Interlace = i.enc.Progressive
		buf, _, err = i.ref.ExportJpeg(ep)
	case core.FormatPNG:
		ep := govips.NewPngExportParams()
		ep.StripMetadata = i.enc.StripEXIF
		ep.Interlace = i.enc.Progressive
		buf, _, err = i.ref.ExportPng(ep)
	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = i.enc.Lossless
		ep.StripMetadata = i.enc.StripEXIF
		buf, _, err = i.ref.ExportWebp(ep)
	case core.FormatAVIF:
		ep := govips.NewAvifExportParams()
		ep.Quality = quality
		ep.Lossless = i.enc.Lossless
		buf, _, err = i.ref.ExportAvif(ep)
	case core.FormatHEIF:
		ep := govips.NewHeifExportParams()
		ep.Quality = quality
		ep.Lossless = i.enc.Lossless
		buf, _, err = i.ref.ExportHeif(ep)
	case core.FormatTIFF:
		ep := govips.NewTiffExportParams()
		ep.Quality = quality
		ep.StripMetadata = i.enc.StripEXIF
		buf, _, err = i.ref.ExportTiff(ep)
	case core.FormatGIF:
		ep := govips.NewGifExportParams()
		ep.Quality = quality
		ep.StripMetadata = i.enc.StripEXIF
		buf, _, err = i.ref.ExportGIF(ep)
	default:
		return nil, apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, i.format))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op+"."+string(i.format), err)
	}
	return buf, nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

// flush runs the held-back resize, if any.
func (i *Image) flush() error {
	if i.pending == nil {
		return nil
	}
	r := i.pending
	i.pending = nil
	if err := i.resize(r.width, r.height, r.opts); err != nil {
		return apperrors.Wrap(apperrors.CategoryPipeline, "vips.resize", err)
	}
	return nil
}

func (i *Image) resize(width, height int, opts core.ResizeOptions) error {
	sw, sh := i.ref.Width(), i.pageHeight()

	if width == 0 || height == 0 {
		w, h := utils.ScaleDimensions(sw, sh, width, height)
		if opts.WithoutEnlargement && (w > sw || h > sh) {
			return nil
		}
		return i.scale(w, h, opts.Kernel)
	}

	fit := opts.Fit
	if fit == "" {
		fit = core.FitCover
	}
	if i.pages() > 1 && (fit == core.FitCover || fit == core.FitContain) {
		fit = core.FitInside
	}
	w, h := utils.FitBox(sw, sh, width, height, string(fit))

	if opts.WithoutEnlargement && (w > sw || h > sh) {
		if fit != core.FitCover {
			return nil
		}
		width, height = min(width, sw), min(height, sh)
		x, y := utils.Anchor(sw, sh, width, height, opts.Position)
		return i.ref.ExtractArea(x, y, width, height)
	}

	if err := i.scale(w, h, opts.Kernel); err != nil {
		return err
	}
	switch fit {
	case core.FitCover:
		x, y := utils.Anchor(w, h, width, height, opts.Position)
		return i.ref.ExtractArea(x, y, width, height)
	case core.FitContain:
		x, y := utils.Anchor(width, height, w, h, opts.Position)
		bg := opts.Background
		if bg == nil {
			bg = &core.Color{A: 255}
		}
		return i.ref.EmbedBackgroundRGBA(x, y, width, height, rgba(bg))
	}
	return nil
}

// scale resamples every page to w x h.
func (i *Image) scale(w, h int, k core.Kernel) error {
	sw, sh := i.ref.Width(), i.pageHeight()
	if w == sw && h == sh {
		return nil
	}
	pages := i.pages()
	if err := i.ref.ResizeWithVScale(float64(w)/float64(sw), float64(h)/float64(sh), vipsKernel(k)); err != nil {
		return err
	}
	if pages > 1 {
		return i.ref.SetPageHeight(h)
	}
	return nil
}

// apply flushes a pending resize and then runs fn on the ref.
func (i *Image) apply(op string, fn func(*govips.ImageRef) error) (core.Image, error) {
	if err := i.flush(); err != nil {
		return nil, err
	}
	if err := fn(i.ref); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "vips."+op, err)
	}
	return i, nil
}

func unsupported(op string) error {
	return apperrors.New(apperrors.CategoryPipeline, "vips."+op,
		fmt.Errorf("%w: %s", apperrors.ErrUnsupportedOperation, op))
}

func rgba(c *core.Color) *govips.ColorRGBA {
	if c == nil {
		return &govips.ColorRGBA{A: 255}
	}
	return &govips.ColorRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}
