package pipeline

import (
	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

// Kind enumerates the built-in operations.
type Kind int

const (
	KindQuality Kind = iota
	KindFit
	KindPosition
	KindBackground
	KindKernel
	KindEnlarge
	KindWidth
	KindHeight
	KindResize
	KindTrim
	KindExtend
	KindExtract
	KindRotate
	KindFlip
	KindFlop
	KindSharpen
	KindMedian
	KindBlur
	KindFlatten
	KindGamma
	KindNegate
	KindNormalize
	KindThreshold
	KindModulate
	KindTint
	KindGrayscale

	kindCount
)

// OrderContext is the order of handlers that only fill in the Context.
const OrderContext = -1

// Handler describes one operation: how to decode its arguments, when to run
// it, and what it does.
type Handler struct {
	Kind  Kind
	Name  string
	Order int
	Args  []ArgDecoder
	// Apply returns the next image, or nil when only c changed.
	Apply func(c *Context, img core.Image, args []Value) (core.Image, error)
}

// The array length pins one entry per Kind.
var table = [kindCount]Handler{
	// ── Context ──────────────────────────────────────────────────────────────
	KindQuality:    {Kind: KindQuality, Name: "quality", Order: OrderContext, Args: []ArgDecoder{IntArg}, Apply: applyQuality},
	KindFit:        {Kind: KindFit, Name: "fit", Order: OrderContext, Args: []ArgDecoder{fitArg}, Apply: applyFit},
	KindPosition:   {Kind: KindPosition, Name: "position", Order: OrderContext, Args: []ArgDecoder{StringArg}, Apply: applyPosition},
	KindBackground: {Kind: KindBackground, Name: "background", Order: OrderContext, Args: []ArgDecoder{ColorArg}, Apply: applyBackground},
	KindKernel:     {Kind: KindKernel, Name: "kernel", Order: OrderContext, Args: []ArgDecoder{kernelArg}, Apply: applyKernel},
	KindEnlarge:    {Kind: KindEnlarge, Name: "enlarge", Order: OrderContext, Apply: applyEnlarge},

	// ── Resize ───────────────────────────────────────────────────────────────
	KindWidth:   {Kind: KindWidth, Name: "width", Args: []ArgDecoder{DimensionArg}, Apply: applyWidth},
	KindHeight:  {Kind: KindHeight, Name: "height", Args: []ArgDecoder{DimensionArg}, Apply: applyHeight},
	KindResize:  {Kind: KindResize, Name: "resize", Args: []ArgDecoder{SizeArg}, Apply: applyResize},
	KindTrim:    {Kind: KindTrim, Name: "trim", Args: []ArgDecoder{FloatArg}, Apply: applyTrim},
	KindExtend:  {Kind: KindExtend, Name: "extend", Args: []ArgDecoder{IntArg, IntArg, IntArg, IntArg}, Apply: applyExtend},
	KindExtract: {Kind: KindExtract, Name: "extract", Args: []ArgDecoder{IntArg, IntArg, DimensionArg, DimensionArg}, Apply: applyExtract},

	// ── Operations ───────────────────────────────────────────────────────────
	KindRotate:    {Kind: KindRotate, Name: "rotate", Args: []ArgDecoder{FloatArg}, Apply: applyRotate},
	KindFlip:      {Kind: KindFlip, Name: "flip", Apply: applyFlip},
	KindFlop:      {Kind: KindFlop, Name: "flop", Apply: applyFlop},
	KindSharpen:   {Kind: KindSharpen, Name: "sharpen", Args: []ArgDecoder{FloatArg, FloatArg, FloatArg}, Apply: applySharpen},
	KindMedian:    {Kind: KindMedian, Name: "median", Args: []ArgDecoder{IntArg}, Apply: applyMedian},
	KindBlur:      {Kind: KindBlur, Name: "blur", Args: []ArgDecoder{FloatArg}, Apply: applyBlur},
	KindFlatten:   {Kind: KindFlatten, Name: "flatten", Apply: applyFlatten},
	KindGamma:     {Kind: KindGamma, Name: "gamma", Args: []ArgDecoder{FloatArg, FloatArg}, Apply: applyGamma},
	KindNegate:    {Kind: KindNegate, Name: "negate", Apply: applyNegate},
	KindNormalize: {Kind: KindNormalize, Name: "normalize", Apply: applyNormalize},
	KindThreshold: {Kind: KindThreshold, Name: "threshold", Args: []ArgDecoder{IntArg}, Apply: applyThreshold},
	KindModulate:  {Kind: KindModulate, Name: "modulate", Args: []ArgDecoder{FloatArg, FloatArg, FloatArg}, Apply: applyModulate},

	// ── Colour ───────────────────────────────────────────────────────────────
	KindTint:      {Kind: KindTint, Name: "tint", Args: []ArgDecoder{ColorArg}, Apply: applyTint},
	KindGrayscale: {Kind: KindGrayscale, Name: "grayscale", Apply: applyGrayscale},
}

var aliases = map[string]Kind{
	"q":         KindQuality,
	"b":         KindBackground,
	"pos":       KindPosition,
	"w":         KindWidth,
	"h":         KindHeight,
	"s":         KindResize,
	"crop":      KindExtract,
	"greyscale": KindGrayscale,
}

// index maps canonical names and aliases to kinds.
var index = func() map[string]Kind {
	m := make(map[string]Kind, len(table)+len(aliases))
	for k, h := range table {
		m[h.Name] = Kind(k)
	}
	for a, k := range aliases {
		m[a] = k
	}
	return m
}()

// Names returns the canonical handler names in table order.
func Names() []string {
	out := make([]string, len(table))
	for i, h := range table {
		out[i] = h.Name
	}
	return out
}

func fitArg(raw string, _ int) (Value, error) {
	switch core.Fit(raw) {
	case core.FitCover, core.FitContain, core.FitFill, core.FitInside, core.FitOutside:
		return Value{}, nil
	}
	return Value{}, errBadArg
}

func kernelArg(raw string, _ int) (Value, error) {
	switch core.Kernel(raw) {
	case core.KernelNearest, core.KernelCubic, core.KernelMitchell, core.KernelLanczos2, core.KernelLanczos3:
		return Value{}, nil
	}
	return Value{}, errBadArg
}

// ── Context handlers ──────────────────────────────────────────────────────────

func applyQuality(c *Context, _ core.Image, a []Value) (core.Image, error) {
	if a[0].Set {
		c.Quality = clampInt(a[0].Int, 1, 100)
	}
	return nil, nil
}

func applyFit(c *Context, _ core.Image, a []Value) (core.Image, error) {
	if a[0].Set {
		c.Fit = core.Fit(a[0].Raw)
	}
	return nil, nil
}

func applyPosition(c *Context, _ core.Image, a []Value) (core.Image, error) {
	if a[0].Set {
		c.Position = a[0].Raw
	}
	return nil, nil
}

func applyBackground(c *Context, _ core.Image, a []Value) (core.Image, error) {
	if a[0].Set {
		c.Background = a[0].Color
	}
	return nil, nil
}

func applyKernel(c *Context, _ core.Image, a []Value) (core.Image, error) {
	if a[0].Set {
		c.Kernel = core.Kernel(a[0].Raw)
	}
	return nil, nil
}

func applyEnlarge(c *Context, _ core.Image, _ []Value) (core.Image, error) {
	c.Enlarge = true
	return nil, nil
}

// ── Resize handlers ───────────────────────────────────────────────────────────

func applyWidth(c *Context, img core.Image, a []Value) (core.Image, error) {
	if !a[0].Set {
		return nil, nil
	}
	return img.Resize(a[0].Int, 0, core.ResizeOptions{Kernel: c.Kernel, WithoutEnlargement: !c.Enlarge})
}

func applyHeight(c *Context, img core.Image, a []Value) (core.Image, error) {
	if !a[0].Set {
		return nil, nil
	}
	return img.Resize(0, a[0].Int, core.ResizeOptions{Kernel: c.Kernel, WithoutEnlargement: !c.Enlarge})
}

// applyResize handles "WxH". Without enlarge the box is clamped to the source
// size keeping the requested ratio; contain, fill and inside only need the
// limiting axis to fit.
func applyResize(c *Context, img core.Image, a []Value) (core.Image, error) {
	w, h := a[0].Size[0], a[0].Size[1]
	if w == 0 {
		return nil, nil
	}
	if !c.Enlarge {
		limitingOnly := c.Fit == core.FitContain || c.Fit == core.FitFill || c.Fit == core.FitInside
		w, h = utils.ClampToSource(c.Meta.Width, c.Meta.Height, w, h, limitingOnly)
	}
	return img.Resize(w, h, core.ResizeOptions{
		Fit:        c.Fit,
		Position:   c.Position,
		Background: c.Background,
		Kernel:     c.Kernel,
	})
}

func applyTrim(_ *Context, img core.Image, a []Value) (core.Image, error) {
	threshold := 10.0
	if a[0].Set {
		threshold = a[0].Float
	}
	return img.Trim(threshold)
}

func applyExtend(c *Context, img core.Image, a []Value) (core.Image, error) {
	top, right, bottom, left := nonNeg(a[0].Int), nonNeg(a[1].Int), nonNeg(a[2].Int), nonNeg(a[3].Int)
	if top+right+bottom+left == 0 {
		return nil, nil
	}
	return img.Extend(top, right, bottom, left, c.Background)
}

// applyExtract takes left_top_width_height.
func applyExtract(_ *Context, img core.Image, a []Value) (core.Image, error) {
	if !a[2].Set || !a[3].Set {
		return nil, apperrors.ErrInvalidDimensions
	}
	return img.Extract(nonNeg(a[0].Int), nonNeg(a[1].Int), a[2].Int, a[3].Int)
}

// ── Operations ────────────────────────────────────────────────────────────────

func applyRotate(c *Context, img core.Image, a []Value) (core.Image, error) {
	return img.Rotate(a[0].Float, c.Background)
}

func applyFlip(_ *Context, img core.Image, _ []Value) (core.Image, error) { return img.Flip() }
func applyFlop(_ *Context, img core.Image, _ []Value) (core.Image, error) { return img.Flop() }

func applySharpen(_ *Context, img core.Image, a []Value) (core.Image, error) {
	return img.Sharpen(a[0].Float, orFloat(a[1], 1), orFloat(a[2], 2))
}

func applyMedian(_ *Context, img core.Image, a []Value) (core.Image, error) {
	size := 3
	if a[0].Set {
		size = clampInt(a[0].Int, 1, 100)
	}
	return img.Median(size)
}

func applyBlur(_ *Context, img core.Image, a []Value) (core.Image, error) {
	return img.Blur(orFloat(a[0], 1))
}

func applyFlatten(c *Context, img core.Image, _ []Value) (core.Image, error) {
	return img.Flatten(c.Background)
}

func applyGamma(_ *Context, img core.Image, a []Value) (core.Image, error) {
	g := orFloat(a[0], 2.2)
	out := orFloat(a[1], g)
	if g < 1 || g > 3 || out < 1 || out > 3 {
		return nil, apperrors.ErrInvalidDimensions
	}
	return img.Gamma(g, out)
}

func applyNegate(_ *Context, img core.Image, _ []Value) (core.Image, error) { return img.Negate() }

func applyNormalize(_ *Context, img core.Image, _ []Value) (core.Image, error) {
	return img.Normalize()
}

func applyThreshold(_ *Context, img core.Image, a []Value) (core.Image, error) {
	t := 128
	if a[0].Set {
		t = clampInt(a[0].Int, 0, 255)
	}
	return img.Threshold(t)
}

func applyModulate(_ *Context, img core.Image, a []Value) (core.Image, error) {
	return img.Modulate(orFloat(a[0], 1), orFloat(a[1], 1), a[2].Float)
}

// ── Colour ────────────────────────────────────────────────────────────────────

func applyTint(_ *Context, img core.Image, a []Value) (core.Image, error) {
	if !a[0].Set {
		return nil, nil
	}
	return img.Tint(*a[0].Color)
}

func applyGrayscale(_ *Context, img core.Image, _ []Value) (core.Image, error) {
	return img.Grayscale()
}

// ── helpers ───────────────────────────────────────────────────────────────────

func orFloat(v Value, def float64) float64 {
	if v.Set {
		return v.Float
	}
	return def
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

func nonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
