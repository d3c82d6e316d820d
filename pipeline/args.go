package pipeline

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/Skryldev/imageproxy/core"
)

var errBadArg = errors.New("invalid argument")

// Value is one decoded handler argument. Set is false when the argument was
// missing or empty; the typed fields are then zero.
type Value struct {
	Raw   string
	Set   bool
	Int   int
	Float float64
	Color *core.Color
	// Size holds width and height for "WxH" arguments.
	Size [2]int
}

// ArgDecoder converts one "_"-separated argument. maxDim bounds dimensions.
type ArgDecoder func(raw string, maxDim int) (Value, error)

// StringArg keeps the raw text.
func StringArg(raw string, _ int) (Value, error) { return Value{}, nil }

// IntArg parses a whole number. Fractions are rounded.
func IntArg(raw string, _ int) (Value, error) {
	f, err := parseNumber(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{Int: toInt(f), Float: f}, nil
}

// FloatArg parses a decimal number.
func FloatArg(raw string, _ int) (Value, error) {
	f, err := parseNumber(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{Float: f, Int: toInt(f)}, nil
}

// DimensionArg parses a pixel length clamped to [1, maxDim].
func DimensionArg(raw string, maxDim int) (Value, error) {
	n, err := parseDimension(raw, maxDim)
	if err != nil {
		return Value{}, err
	}
	return Value{Int: n, Float: float64(n)}, nil
}

// SizeArg parses "W" or "WxH". A missing height equals the width; a missing
// width leaves the value unset so the handler can skip it.
func SizeArg(raw string, maxDim int) (Value, error) {
	ws, hs, _ := strings.Cut(strings.ToLower(raw), "x")
	var v Value
	if ws == "" {
		return v, nil
	}
	w, err := parseDimension(ws, maxDim)
	if err != nil {
		return v, err
	}
	h := w
	if hs != "" {
		if h, err = parseDimension(hs, maxDim); err != nil {
			return v, err
		}
	}
	v.Size = [2]int{w, h}
	return v, nil
}

// ColorArg parses a hex colour (#rgb, #rgba, #rrggbb, #rrggbbaa, with or
// without "#") or one of a few named colours.
func ColorArg(raw string, _ int) (Value, error) {
	c, err := ParseColor(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{Color: &c}, nil
}

var namedColors = map[string]core.Color{
	"white":       {R: 255, G: 255, B: 255, A: 255},
	"black":       {R: 0, G: 0, B: 0, A: 255},
	"red":         {R: 255, G: 0, B: 0, A: 255},
	"green":       {R: 0, G: 128, B: 0, A: 255},
	"blue":        {R: 0, G: 0, B: 255, A: 255},
	"transparent": {R: 0, G: 0, B: 0, A: 0},
}

// ParseColor decodes a CSS-style hex colour or a named colour.
func ParseColor(s string) (core.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	s = strings.TrimPrefix(s, "#")
	switch len(s) {
	case 3, 4:
		var expanded strings.Builder
		for i := 0; i < len(s); i++ {
			expanded.WriteByte(s[i])
			expanded.WriteByte(s[i])
		}
		s = expanded.String()
	case 6, 8:
	default:
		return core.Color{}, errBadArg
	}
	if len(s) == 6 {
		s += "ff"
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return core.Color{}, errBadArg
	}
	return core.Color{R: uint8(n >> 24), G: uint8(n >> 16), B: uint8(n >> 8), A: uint8(n)}, nil
}

func parseNumber(raw string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errBadArg
	}
	return f, nil
}

func parseDimension(raw string, maxDim int) (int, error) {
	f, err := parseNumber(raw)
	if err != nil {
		return 0, err
	}
	n := toInt(f)
	if n < 1 {
		n = 1
	}
	if maxDim > 0 && n > maxDim {
		n = maxDim
	}
	return n, nil
}

func toInt(f float64) int {
	f = math.Round(f)
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}
