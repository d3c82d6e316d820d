package core

import (
	"context"
	"io"
	"time"
)

// ── Image pipeline ────────────────────────────────────────────────────────────

// Engine opens encoded bytes as a chainable Image.
// Implementations live in adapters/native and adapters/vips.
type Engine interface {
	Name() string
	Load(ctx context.Context, data []byte, opts LoadOptions) (Image, error)
}

// Image is the chainable transform handle produced by an Engine. Every
// operation returns the image to continue with; callers must not assume the
// receiver is left untouched.
//
// Operations an engine cannot perform return errors.ErrUnsupportedOperation.
type Image interface {
	Metadata() Metadata

	Resize(width, height int, opts ResizeOptions) (Image, error)
	Rotate(angle float64, background *Color) (Image, error)
	Flip() (Image, error)
	Flop() (Image, error)
	Extract(left, top, width, height int) (Image, error)
	Extend(top, right, bottom, left int, background *Color) (Image, error)
	Trim(threshold float64) (Image, error)
	Sharpen(sigma, flat, jagged float64) (Image, error)
	Median(size int) (Image, error)
	Blur(sigma float64) (Image, error)
	Flatten(background *Color) (Image, error)
	Gamma(gamma, gammaOut float64) (Image, error)
	Negate() (Image, error)
	Normalize() (Image, error)
	Threshold(threshold int) (Image, error)
	Modulate(brightness, saturation, hue float64) (Image, error)
	Tint(c Color) (Image, error)
	Grayscale() (Image, error)

	ToFormat(format Format, opts EncodeOptions) (Image, error)
	ToBuffer(ctx context.Context) ([]byte, error)
}

// Fit controls how an image is resized into a width x height box.
type Fit string

const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"
	FitFill    Fit = "fill"
	FitInside  Fit = "inside"
	FitOutside Fit = "outside"
)

// Kernel selects the resampling filter.
type Kernel string

const (
	KernelNearest  Kernel = "nearest"
	KernelCubic    Kernel = "cubic"
	KernelMitchell Kernel = "mitchell"
	KernelLanczos2 Kernel = "lanczos2"
	KernelLanczos3 Kernel = "lanczos3"
)

// ResizeOptions carries the context accumulated by the pre-order handlers.
// A zero Width or Height in Resize means "derive from the aspect ratio".
type ResizeOptions struct {
	Fit                Fit
	Position           string
	Background         *Color
	Kernel             Kernel
	WithoutEnlargement bool
}

// ── Native codecs ─────────────────────────────────────────────────────────────

// Decoder converts an io.Reader into an in-memory ImageData.
// Implementations live in adapters/decoder/.
type Decoder interface {
	// Decode reads from r and returns a decoded ImageData.
	Decode(ctx context.Context, r io.Reader) (*ImageData, error)
	// CanDecode reports whether this decoder handles the given format hint.
	CanDecode(format Format) bool
}

// Encoder serialises an ImageData to bytes in a target format.
// Implementations live in adapters/encoder/.
type Encoder interface {
	Encode(ctx context.Context, img *ImageData, opts EncodeOptions) ([]byte, error)
	CanEncode(format Format) bool
}

// ImageData is the decoded representation the native codecs exchange.
type ImageData struct {
	// Image holds an image.Image (first frame) for the native engine.
	Image interface{}
	// Frames holds every frame of an animated source; nil otherwise.
	Frames []interface{}
	Delays []int
	Format Format
	Meta   Metadata
}

// Registry maps Format values to Decoder/Encoder implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	EncoderFor(format Format) (Encoder, bool)
	Encodable() []Format
}

// ── Storage ───────────────────────────────────────────────────────────────────

// StorageOptions are per-request knobs passed down to a backend.
type StorageOptions struct {
	// BypassDomain skips the remote host allow-list.
	BypassDomain bool
}

// Storage resolves a resource id to freshness metadata and raw bytes.
//
// GetMeta returns (nil, nil) when the resource does not exist; security
// violations are returned as errors. Implementations must be safe for
// concurrent use.
type Storage interface {
	Name() string
	GetMeta(ctx context.Context, id string, opts StorageOptions) (*SourceMeta, error)
	GetData(ctx context.Context, id string, opts StorageOptions) ([]byte, error)
}

// StorageResolver picks the backend for an id and applies alias rewriting.
type StorageResolver interface {
	// Resolve returns the rewritten id and the backend that serves it.
	Resolve(id, source string) (string, Storage, error)
}

// HandlerApplier applies a modifier set to an image. It is satisfied by
// *pipeline.Registry; core does not import pipeline to avoid a cycle.
type HandlerApplier interface {
	ApplyAll(img Image, modifiers *Modifiers) (Image, EncodeOptions, error)
}

// Negotiator picks a concrete output format for format=auto.
type Negotiator interface {
	PickFormat(accept string, animated bool) Format
}

// Sanitizer cleans SVG documents before they are served untouched, and
// strips markup from text echoed back to clients.
type Sanitizer interface {
	SanitizeSVG(svg []byte) ([]byte, error)
	SanitizeText(s string) string
}

// ── Observability ─────────────────────────────────────────────────────────────

// MetricsCollector receives performance observations from the orchestrator.
type MetricsCollector interface {
	RecordProcessingTime(stage string, d time.Duration)
	RecordThroughput(bytes int64)
	RecordResponse(status int)
	RecordError(stage string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Hook is an optional observer invoked around orchestrator stages.
type Hook interface {
	BeforeStage(ctx context.Context, stage string, id string)
	AfterStage(ctx context.Context, stage string, id string, d time.Duration, err error)
}
