package native

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/imageproxy/core"
	"github.com/Skryldev/imageproxy/utils"
)

var (
	mitchellKernel = &xdraw.Kernel{Support: 2, At: func(t float64) float64 { return bicubic(t, 1.0/3, 1.0/3) }}
	lanczos2Kernel = &xdraw.Kernel{Support: 2, At: lanczos(2)}
	lanczos3Kernel = &xdraw.Kernel{Support: 3, At: lanczos(3)}
)

func interpolator(k core.Kernel) xdraw.Interpolator {
	switch k {
	case core.KernelNearest:
		return xdraw.NearestNeighbor
	case core.KernelCubic:
		return xdraw.CatmullRom
	case core.KernelMitchell:
		return mitchellKernel
	case core.KernelLanczos2:
		return lanczos2Kernel
	}
	return lanczos3Kernel
}

// resize scales src into a width x height box according to opts.Fit.
// A zero axis is derived from the aspect ratio.
func resize(src image.Image, width, height int, opts core.ResizeOptions) (image.Image, error) {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()

	if width == 0 || height == 0 {
		w, h := utils.ScaleDimensions(sw, sh, width, height)
		if opts.WithoutEnlargement && (w > sw || h > sh) {
			return src, nil
		}
		return scale(src, w, h, opts.Kernel), nil
	}

	fit := opts.Fit
	if fit == "" {
		fit = core.FitCover
	}
	w, h := utils.FitBox(sw, sh, width, height, string(fit))

	if opts.WithoutEnlargement && (w > sw || h > sh) {
		if fit != core.FitCover {
			return src, nil
		}
		// Never upscale; crop what fits of the box at source size.
		width, height = min(width, sw), min(height, sh)
		x, y := utils.Anchor(sw, sh, width, height, opts.Position)
		return crop(src, image.Rect(x, y, x+width, y+height).Add(b.Min)), nil
	}

	scaled := scale(src, w, h, opts.Kernel)
	switch fit {
	case core.FitCover:
		x, y := utils.Anchor(w, h, width, height, opts.Position)
		return crop(scaled, image.Rect(x, y, x+width, y+height)), nil
	case core.FitContain:
		bg := colorOr(opts.Background, color.NRGBA{A: 255})
		canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
		x, y := utils.Anchor(width, height, w, h, opts.Position)
		draw.Draw(canvas, image.Rect(x, y, x+w, y+h), scaled, scaled.Bounds().Min, draw.Over)
		return canvas, nil
	}
	return scaled, nil
}

// scale resamples src to exactly w x h.
func scale(src image.Image, w, h int, k core.Kernel) image.Image {
	b := src.Bounds()
	if w == b.Dx() && h == b.Dy() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	interpolator(k).Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

func lanczos(a float64) func(float64) float64 {
	return func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t >= a {
			return 0
		}
		pt := math.Pi * t
		return a * math.Sin(pt) * math.Sin(pt/a) / (pt * pt)
	}
}

// bicubic is the Mitchell-Netravali family; B = C = 1/3 gives Mitchell.
func bicubic(t, b, c float64) float64 {
	switch {
	case t < 1:
		return ((12-9*b-6*c)*t*t*t + (-18+12*b+6*c)*t*t + (6 - 2*b)) / 6
	case t < 2:
		return ((-b-6*c)*t*t*t + (6*b+30*c)*t*t + (-12*b-48*c)*t + (8*b + 24*c)) / 6
	}
	return 0
}
