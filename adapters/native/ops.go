package native

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"slices"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ── Geometry ──────────────────────────────────────────────────────────────────

func crop(src image.Image, rect image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return dst
}

func flip(src image.Image) *image.NRGBA {
	s := toNRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()
	dst := image.NewNRGBA(s.Rect)
	for y := 0; y < h; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w*4], s.Pix[(h-1-y)*s.Stride:(h-1-y)*s.Stride+w*4])
	}
	return dst
}

func flop(src image.Image) *image.NRGBA {
	s := toNRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()
	dst := image.NewNRGBA(s.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := y*s.Stride + (w-1-x)*4
			di := y*dst.Stride + x*4
			copy(dst.Pix[di:di+4], s.Pix[si:si+4])
		}
	}
	return dst
}

// rotate turns src clockwise by angle degrees. Right angles are exact; other
// angles grow the canvas and fill the corners with bg.
func rotate(src image.Image, angle float64, bg color.NRGBA) image.Image {
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	s := toNRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()

	switch a {
	case 0:
		return s
	case 90, 180, 270:
		dw, dh := w, h
		if a != 180 {
			dw, dh = h, w
		}
		dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var dx, dy int
				switch a {
				case 90:
					dx, dy = h-1-y, x
				case 180:
					dx, dy = w-1-x, h-1-y
				case 270:
					dx, dy = y, w-1-x
				}
				si := y*s.Stride + x*4
				di := dy*dst.Stride + dx*4
				copy(dst.Pix[di:di+4], s.Pix[si:si+4])
			}
		}
		return dst
	}

	rad := a * math.Pi / 180
	sin, cos := math.Sincos(rad)
	dw := int(math.Ceil(math.Abs(float64(w)*cos) + math.Abs(float64(h)*sin)))
	dh := int(math.Ceil(math.Abs(float64(w)*sin) + math.Abs(float64(h)*cos)))

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	csx, csy := float64(w)/2, float64(h)/2
	cdx, cdy := float64(dw)/2, float64(dh)/2
	m := f64.Aff3{
		cos, -sin, cdx - (cos*csx - sin*csy),
		sin, cos, cdy - (sin*csx + cos*csy),
	}
	xdraw.BiLinear.Transform(dst, m, s, s.Bounds(), xdraw.Over, nil)
	return dst
}

func extend(src image.Image, top, right, bottom, left int, bg color.NRGBA) *image.NRGBA {
	top, right, bottom, left = max(top, 0), max(right, 0), max(bottom, 0), max(left, 0)
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()+left+right, b.Dy()+top+bottom))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(left, top, left+b.Dx(), top+b.Dy()), src, b.Min, draw.Src)
	return dst
}

// trimRect returns the bounding box of pixels that differ from the top-left
// pixel by more than threshold on any channel. A uniform image keeps its
// bounds.
func trimRect(src image.Image, threshold float64) image.Rectangle {
	s := toNRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()
	ref := s.Pix[0:4]

	minX, minY, maxX, maxY := w, h, -1, -1
	for y := 0; y < h; y++ {
		row := s.Pix[y*s.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			d := 0.0
			for c := 0; c < 4; c++ {
				d = math.Max(d, math.Abs(float64(p[c])-float64(ref[c])))
			}
			if d <= threshold {
				continue
			}
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}
	if maxX < 0 {
		return src.Bounds()
	}
	return image.Rect(minX, minY, maxX+1, maxY+1).Add(src.Bounds().Min)
}

// ── Filters ───────────────────────────────────────────────────────────────────

func gaussianBlur(src image.Image, sigma float64) image.Image {
	if sigma < 0.3 {
		return src
	}
	return convolveSeparable(toRGBA(src), gaussianKernel(sigma))
}

func gaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+r] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolveSeparable applies k horizontally then vertically on premultiplied
// pixels, clamping at the edges.
func convolveSeparable(s *image.RGBA, k []float64) *image.RGBA {
	w, h := s.Rect.Dx(), s.Rect.Dy()
	r := len(k) / 2
	tmp := make([]float64, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 4; c++ {
				acc := 0.0
				for i, kv := range k {
					xx := clampInt(x+i-r, 0, w-1)
					acc += kv * float64(s.Pix[y*s.Stride+xx*4+c])
				}
				tmp[(y*w+x)*4+c] = acc
			}
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 4; c++ {
				acc := 0.0
				for i, kv := range k {
					yy := clampInt(y+i-r, 0, h-1)
					acc += kv * tmp[(yy*w+x)*4+c]
				}
				dst.Pix[y*dst.Stride+x*4+c] = clamp8(acc)
			}
		}
	}
	return dst
}

// sharpen is an unsharp mask: flat applies to small differences and jagged
// to edges.
func sharpen(src image.Image, sigma, flat, jagged float64) *image.RGBA {
	const edge = 10
	if sigma <= 0 {
		sigma = 1
	}
	s := toRGBA(src)
	blurred := convolveSeparable(s, gaussianKernel(sigma))
	dst := image.NewRGBA(s.Rect)
	copy(dst.Pix, s.Pix)
	for p := 0; p < len(s.Pix); p += 4 {
		alpha := s.Pix[p+3]
		for c := 0; c < 3; c++ {
			d := float64(s.Pix[p+c]) - float64(blurred.Pix[p+c])
			amount := flat
			if math.Abs(d) > edge {
				amount = jagged
			}
			v := clamp8(float64(s.Pix[p+c]) + amount*d)
			dst.Pix[p+c] = min(v, alpha)
		}
	}
	return dst
}

func median(src image.Image, size int) *image.NRGBA {
	if size < 1 {
		size = 1
	}
	r := size / 2
	s := toNRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()
	dst := image.NewNRGBA(s.Rect)
	window := make([]uint8, 0, (2*r+1)*(2*r+1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 4; c++ {
				window = window[:0]
				for dy := -r; dy <= r; dy++ {
					yy := clampInt(y+dy, 0, h-1)
					for dx := -r; dx <= r; dx++ {
						xx := clampInt(x+dx, 0, w-1)
						window = append(window, s.Pix[yy*s.Stride+xx*4+c])
					}
				}
				slices.Sort(window)
				dst.Pix[y*dst.Stride+x*4+c] = window[len(window)/2]
			}
		}
	}
	return dst
}

// ── Colour ────────────────────────────────────────────────────────────────────

func flatten(src image.Image, bg color.NRGBA) *image.NRGBA {
	s := toNRGBA(src)
	dst := image.NewNRGBA(s.Rect)
	for p := 0; p < len(s.Pix); p += 4 {
		a := float64(s.Pix[p+3]) / 255
		dst.Pix[p] = clamp8(float64(s.Pix[p])*a + float64(bg.R)*(1-a))
		dst.Pix[p+1] = clamp8(float64(s.Pix[p+1])*a + float64(bg.G)*(1-a))
		dst.Pix[p+2] = clamp8(float64(s.Pix[p+2])*a + float64(bg.B)*(1-a))
		dst.Pix[p+3] = 255
	}
	return dst
}

// normalize stretches each colour channel to the full 0-255 range.
func normalize(src image.Image) *image.NRGBA {
	s := toNRGBA(src)
	lo := [3]uint8{255, 255, 255}
	var hi [3]uint8
	for p := 0; p < len(s.Pix); p += 4 {
		for c := 0; c < 3; c++ {
			lo[c] = min(lo[c], s.Pix[p+c])
			hi[c] = max(hi[c], s.Pix[p+c])
		}
	}
	for c := 0; c < 3; c++ {
		if hi[c] <= lo[c] {
			continue
		}
		span := float64(hi[c] - lo[c])
		for p := c; p < len(s.Pix); p += 4 {
			s.Pix[p] = clamp8(float64(s.Pix[p]-lo[c]) * 255 / span)
		}
	}
	return s
}

func thresholdImage(src image.Image, t uint8) *image.NRGBA {
	s := toNRGBA(src)
	for p := 0; p < len(s.Pix); p += 4 {
		v := uint8(0)
		if luma(s.Pix[p], s.Pix[p+1], s.Pix[p+2]) >= float64(t) {
			v = 255
		}
		s.Pix[p], s.Pix[p+1], s.Pix[p+2] = v, v, v
	}
	return s
}

// modulate scales brightness and saturation and rotates hue (degrees) in HSV
// space.
func modulate(src image.Image, brightness, saturation, hue float64) *image.NRGBA {
	s := toNRGBA(src)
	for p := 0; p < len(s.Pix); p += 4 {
		h, sat, v := rgbToHSV(s.Pix[p], s.Pix[p+1], s.Pix[p+2])
		h = math.Mod(h+hue, 360)
		if h < 0 {
			h += 360
		}
		sat = math.Min(math.Max(sat*saturation, 0), 1)
		v = math.Min(math.Max(v*brightness, 0), 1)
		s.Pix[p], s.Pix[p+1], s.Pix[p+2] = hsvToRGB(h, sat, v)
	}
	return s
}

// tint replaces the chroma of every pixel with that of c, keeping luminance.
func tint(src image.Image, c color.NRGBA) *image.NRGBA {
	s := toNRGBA(src)
	lt := luma(c.R, c.G, c.B)
	for p := 0; p < len(s.Pix); p += 4 {
		shift := luma(s.Pix[p], s.Pix[p+1], s.Pix[p+2]) - lt
		s.Pix[p] = clamp8(float64(c.R) + shift)
		s.Pix[p+1] = clamp8(float64(c.G) + shift)
		s.Pix[p+2] = clamp8(float64(c.B) + shift)
	}
	return s
}

// grayscale keeps alpha, unlike a plain *image.Gray conversion.
func grayscale(src image.Image) *image.NRGBA {
	s := toNRGBA(src)
	for p := 0; p < len(s.Pix); p += 4 {
		g := color.GrayModel.Convert(color.NRGBA{R: s.Pix[p], G: s.Pix[p+1], B: s.Pix[p+2], A: 255}).(color.Gray).Y
		s.Pix[p], s.Pix[p+1], s.Pix[p+2] = g, g, g
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// toNRGBA returns src as a zero-origin *image.NRGBA the caller may modify.
func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func toRGBA(src image.Image) *image.RGBA {
	if r, ok := src.(*image.RGBA); ok && r.Rect.Min == (image.Point{}) {
		return r
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func rgbToHSV(r8, g8, b8 uint8) (h, s, v float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	d := mx - mn
	v = mx
	if mx > 0 {
		s = d / mx
	}
	if d == 0 {
		return 0, s, v
	}
	switch mx {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return clamp8((r + m) * 255), clamp8((g + m) * 255), clamp8((b + m) * 255)
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
