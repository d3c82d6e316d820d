package utils

import (
	"bytes"
	"math"
	"net/http"
)

const (
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatWebP    = "webp"
	formatGIF     = "gif"
	formatAVIF    = "avif"
	formatHEIF    = "heif"
	formatTIFF    = "tiff"
	formatBMP     = "bmp"
	formatSVG     = "svg"
	formatUnknown = "unknown"
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return formatJPEG
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return formatPNG
	}
	// GIF87a / GIF89a
	if bytes.HasPrefix(data, []byte("GIF8")) {
		return formatGIF
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 &&
		data[0] == 'R' && data[1] == 'I' && data[2] == 'F' && data[3] == 'F' &&
		data[8] == 'W' && data[9] == 'E' && data[10] == 'B' && data[11] == 'P' {
		return formatWebP
	}
	// ISO-BMFF: ....ftyp<brand>
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		switch string(data[8:12]) {
		case "avif", "avis":
			return formatAVIF
		case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
			return formatHEIF
		}
	}
	// TIFF: II*\0 or MM\0*
	if (data[0] == 'I' && data[1] == 'I' && data[2] == 0x2A && data[3] == 0x00) ||
		(data[0] == 'M' && data[1] == 'M' && data[2] == 0x00 && data[3] == 0x2A) {
		return formatTIFF
	}
	if data[0] == 'B' && data[1] == 'M' {
		return formatBMP
	}
	if looksLikeSVG(data) {
		return formatSVG
	}
	// Fallback to net/http sniffing.
	ct := http.DetectContentType(data)
	switch ct {
	case "image/jpeg":
		return formatJPEG
	case "image/png":
		return formatPNG
	case "image/webp":
		return formatWebP
	case "image/gif":
		return formatGIF
	case "image/bmp":
		return formatBMP
	}
	return formatUnknown
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimLeft(head, "\xef\xbb\xbf \t\r\n")
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

// ScaleDimensions computes output (w, h) preserving aspect ratio.
// Pass 0 for either axis to calculate it from the other.
func ScaleDimensions(srcW, srcH, targetW, targetH int) (int, int) {
	if targetW == 0 && targetH == 0 {
		return srcW, srcH
	}
	if srcW <= 0 || srcH <= 0 {
		return targetW, targetH
	}
	if targetW == 0 {
		ratio := float64(targetH) / float64(srcH)
		return atLeastOne(math.Round(float64(srcW) * ratio)), targetH
	}
	if targetH == 0 {
		ratio := float64(targetW) / float64(srcW)
		return targetW, atLeastOne(math.Round(float64(srcH) * ratio))
	}
	return targetW, targetH
}

// ClampToSource shrinks a requested box so it does not exceed the source
// size while keeping the requested aspect ratio.
//
// When limitingOnly is set (contain, fill, inside) the box is scaled down only
// if both axes overflow, so the axis that fits may stay larger than its source
// counterpart. Otherwise both axes must fit.
func ClampToSource(srcW, srcH, w, h int, limitingOnly bool) (int, int) {
	if srcW <= 0 || srcH <= 0 || w <= 0 || h <= 0 {
		return w, h
	}
	// Compare w/srcW with h/srcH in integers so half pixels round up.
	clampX := w*srcH >= h*srcW
	if limitingOnly {
		clampX = !clampX
	}
	if clampX {
		if w <= srcW {
			return w, h
		}
		return srcW, max(1, roundDiv(h*srcW, w))
	}
	if h <= srcH {
		return w, h
	}
	return max(1, roundDiv(w*srcH, h)), srcH
}

// roundDiv returns a/b rounded half up, for positive a and b.
func roundDiv(a, b int) int { return (2*a + b) / (2 * b) }

// FitBox returns the size of the scaled source for a given fit mode inside a
// w x h box. "cover" and "outside" fill the box; "contain" and "inside" fit
// within it; "fill" returns the box unchanged.
func FitBox(srcW, srcH, w, h int, fit string) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return w, h
	}
	if w <= 0 || h <= 0 {
		return ScaleDimensions(srcW, srcH, w, h)
	}
	sx := float64(w) / float64(srcW)
	sy := float64(h) / float64(srcH)
	var s float64
	switch fit {
	case "fill":
		return w, h
	case "contain", "inside":
		s = math.Min(sx, sy)
	default:
		s = math.Max(sx, sy)
	}
	return atLeastOne(math.Round(float64(srcW) * s)), atLeastOne(math.Round(float64(srcH) * s))
}

// Anchor returns the top-left offset that places an inner box of size
// (iw, ih) inside an outer box of size (ow, oh) according to a gravity such as
// "centre", "top", "right bottom" or "northwest".
func Anchor(ow, oh, iw, ih int, position string) (int, int) {
	x, y := (ow-iw)/2, (oh-ih)/2
	switch position {
	case "top", "north":
		y = 0
	case "bottom", "south":
		y = oh - ih
	case "left", "west":
		x = 0
	case "right", "east":
		x = ow - iw
	case "left top", "top left", "northwest":
		x, y = 0, 0
	case "right top", "top right", "northeast":
		x, y = ow-iw, 0
	case "left bottom", "bottom left", "southwest":
		x, y = 0, oh-ih
	case "right bottom", "bottom right", "southeast":
		x, y = ow-iw, oh-ih
	}
	return x, y
}

func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
