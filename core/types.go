package core

import (
	"net/http"
	"strings"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatAVIF    Format = "avif"
	FormatTIFF    Format = "tiff"
	FormatHEIF    Format = "heif"
	FormatGIF     Format = "gif"
	FormatBMP     Format = "bmp"
	FormatSVG     Format = "svg"
	FormatUnknown Format = "unknown"
)

// OutputFormats lists the formats an engine may be asked to encode to.
var OutputFormats = []Format{FormatJPEG, FormatPNG, FormatWebP, FormatAVIF, FormatTIFF, FormatGIF, FormatHEIF}

// ParseFormat normalises a user-supplied format name. "jpg" is an alias of
// "jpeg"; unknown names map to FormatUnknown.
func ParseFormat(s string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "jpg":
		return FormatJPEG
	case "svg+xml":
		return FormatSVG
	case "heic":
		return FormatHEIF
	case FormatJPEG, FormatPNG, FormatWebP, FormatAVIF, FormatTIFF, FormatHEIF, FormatGIF, FormatBMP, FormatSVG:
		return f
	}
	return FormatUnknown
}

// IsOutput reports whether f can be requested as an output format.
func (f Format) IsOutput() bool {
	for _, o := range OutputFormats {
		if o == f {
			return true
		}
	}
	return false
}

// MimeType returns the Content-Type for f.
func (f Format) MimeType() string {
	if f == FormatSVG {
		return "image/svg+xml"
	}
	return "image/" + string(f)
}

// ColorSpace represents the image colour model.
type ColorSpace string

const (
	ColorSpaceRGB  ColorSpace = "rgb"
	ColorSpaceRGBA ColorSpace = "rgba"
	ColorSpaceCMYK ColorSpace = "cmyk"
	ColorSpaceGray ColorSpace = "gray"
)

// Metadata holds extracted image information without loading pixel data.
type Metadata struct {
	Width       int
	Height      int
	Format      Format
	ColorSpace  ColorSpace
	HasAlpha    bool
	Pages       int // >1 for animated sources
	SizeBytes   int64
	Orientation int // EXIF orientation tag (1-8)
}

// SourceMeta is the freshness information a storage backend reports for a
// resource. Both fields are optional.
type SourceMeta struct {
	MTime  *time.Time
	MaxAge *int // seconds
}

// Color is an sRGB colour with alpha, used for backgrounds and tints.
type Color struct {
	R, G, B, A uint8
}

// ── Request / response descriptors ──────────────────────────────────────────

// Request is the transport-independent input of the orchestrator.
type Request struct {
	// Path is the raw URL path: /<modifiers>/<resource-id...>
	Path   string
	Header http.Header
	// Source optionally forces a storage backend by name.
	Source string
	// BypassDomain skips the remote allow-list for internally trusted calls.
	BypassDomain bool
	// RequestID correlates log lines; optional.
	RequestID string
}

// Response is what the orchestrator hands back to the transport.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ProcessingResult is the output of the transform stage.
type ProcessingResult struct {
	Data   []byte
	Format Format
	Meta   Metadata // metadata of the source image

	ProcessingTime time.Duration
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality     int  // 1-100; 0 = use encoder default
	Lossless    bool // WebP / PNG lossless mode
	StripEXIF   bool
	Progressive bool // progressive JPEG / interlaced PNG
}

// LoadOptions controls how an engine opens source bytes.
type LoadOptions struct {
	Animated bool
}
