package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

// Stage names reported to hooks, metrics and spans.
const (
	StageParse     = "parse"
	StageResolve   = "resolve"
	StageMeta      = "meta"
	StageData      = "data"
	StageTransform = "transform"
	StageRequest   = "request"
)

const (
	CodeResourceNotFound  = "IPX_RESOURCE_NOT_FOUND"
	CodeUnsupportedFormat = "IPX_UNSUPPORTED_FORMAT"
	CodeInvalidImage      = "IPX_INVALID_IMAGE"

	// HeaderError carries the machine code of a failed request.
	HeaderError = "X-Ipx-Error"
)

// ParseFunc splits a raw request path into modifiers and a resource id.
type ParseFunc func(path string) (*Modifiers, string, error)

// Options wires the orchestrator's collaborators. Parse, Resolver, Applier,
// Negotiator and Engine are required.
type Options struct {
	Parse      ParseFunc
	Resolver   StorageResolver
	Applier    HandlerApplier
	Negotiator Negotiator
	Engine     Engine

	Sanitizer Sanitizer
	Logger    Logger
	Metrics   MetricsCollector
	Hooks     []Hook
	// TracerProvider creates the request and stage spans; nil uses the
	// global provider.
	TracerProvider trace.TracerProvider

	// Production hides internal error details from response bodies.
	Production bool
	// DefaultQuality applies when no quality modifier is present; 0 leaves
	// the encoder default.
	DefaultQuality int
	// DefaultMaxAge is used when the storage reports no max-age; nil sends
	// no Cache-Control header.
	DefaultMaxAge *int
	// SanitizeSVG runs untouched SVG sources through the Sanitizer.
	SanitizeSVG bool
}

// Processor is the request orchestrator. It holds no per-request state and is
// safe for concurrent use.
type Processor struct {
	opts   Options
	tracer trace.Tracer
}

// NewProcessor validates opts and returns a Processor.
func NewProcessor(opts Options) (*Processor, error) {
	const op = "core.NewProcessor"
	switch {
	case opts.Parse == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("parse function is required"))
	case opts.Resolver == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("storage resolver is required"))
	case opts.Applier == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("handler applier is required"))
	case opts.Negotiator == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("negotiator is required"))
	case opts.Engine == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("engine is required"))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Processor{
		opts:   opts,
		tracer: tp.Tracer("github.com/Skryldev/imageproxy/core"),
	}, nil
}

// AddHook registers a stage hook. Not safe to call while serving.
func (p *Processor) AddHook(h Hook) { p.opts.Hooks = append(p.opts.Hooks, h) }

// Engine returns the image engine the processor loads sources with.
func (p *Processor) Engine() Engine { return p.opts.Engine }

// request is the per-request state. Source meta and data are memoized so each
// storage call happens at most once.
type request struct {
	id        string
	modifiers *Modifiers
	format    Format // requested output format; "" keeps the source format
	storage   Storage
	meta      *utils.Lazy[*SourceMeta]
	data      *utils.Lazy[[]byte]
}

// Handle serves one request and always returns a response; failures become
// sanitized error responses.
func (p *Processor) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ipx.handle",
		trace.WithAttributes(attribute.String("ipx.path", req.Path)))
	defer span.End()

	resp := Response{Status: http.StatusOK, Header: make(http.Header)}
	if err := p.serve(ctx, req, &resp); err != nil {
		resp = p.errorResponse(req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))

	if m := p.opts.Metrics; m != nil {
		m.RecordProcessingTime(StageRequest, time.Since(start))
		m.RecordResponse(resp.Status)
		m.RecordThroughput(int64(len(resp.Body)))
	}
	return resp
}

func (p *Processor) serve(ctx context.Context, req Request, resp *Response) error {
	r := &request{}

	// ── Parse ────────────────────────────────────────────────────────────────
	err := p.stage(ctx, StageParse, "", func(context.Context) error {
		m, id, err := p.opts.Parse(req.Path)
		if err != nil {
			return err
		}
		r.modifiers, r.id = m, id
		return p.resolveFormat(r, req.Header, resp.Header)
	})
	if err != nil {
		return err
	}

	// ── Resolve backend ──────────────────────────────────────────────────────
	err = p.stage(ctx, StageResolve, r.id, func(context.Context) error {
		id, st, err := p.opts.Resolver.Resolve(r.id, req.Source)
		if err != nil {
			return err
		}
		r.id, r.storage = id, st
		return nil
	})
	if err != nil {
		return err
	}

	sopts := StorageOptions{BypassDomain: req.BypassDomain}
	r.meta = utils.NewLazy(func() (*SourceMeta, error) {
		return r.storage.GetMeta(ctx, r.id, sopts)
	})
	r.data = utils.NewLazy(func() ([]byte, error) {
		return r.storage.GetData(ctx, r.id, sopts)
	})

	// ── Source meta and conditional checks ───────────────────────────────────
	var meta *SourceMeta
	err = p.stage(ctx, StageMeta, r.id, func(context.Context) error {
		m, err := r.meta.Get()
		if err != nil {
			return err
		}
		if m == nil {
			return apperrors.NotFound("core.meta", CodeResourceNotFound, "Resource not found: "+r.id)
		}
		meta = m
		return nil
	})
	if err != nil {
		return err
	}

	resp.Header.Set("Content-Security-Policy", "default-src 'none'")
	if age := p.maxAge(meta); age != nil {
		v := strconv.Itoa(*age)
		resp.Header.Set("Cache-Control", "max-age="+v+", public, s-maxage="+v)
	}
	if meta.MTime != nil {
		resp.Header.Set("Last-Modified", meta.MTime.UTC().Format(http.TimeFormat))
		if notModifiedSince(req.Header.Get("If-Modified-Since"), *meta.MTime) {
			resp.Status = http.StatusNotModified
			return nil
		}
	}

	// ── Source data and transform ────────────────────────────────────────────
	var src []byte
	err = p.stage(ctx, StageData, r.id, func(context.Context) error {
		b, err := r.data.Get()
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return apperrors.New(apperrors.CategoryDecode, "core.data", apperrors.ErrEmptyInput)
		}
		src = b
		return nil
	})
	if err != nil {
		return err
	}

	var result *ProcessingResult
	err = p.stage(ctx, StageTransform, r.id, func(ctx context.Context) error {
		res, err := p.transform(ctx, r, src)
		result = res
		return err
	})
	if err != nil {
		return err
	}

	// ── Respond ──────────────────────────────────────────────────────────────
	etag := utils.ETag(result.Data)
	resp.Header.Set("ETag", etag)
	if utils.MatchETag(req.Header.Get("If-None-Match"), etag) {
		resp.Status = http.StatusNotModified
		return nil
	}
	if result.Format != "" && result.Format != FormatUnknown {
		resp.Header.Set("Content-Type", result.Format.MimeType())
	}
	resp.Body = result.Data
	return nil
}

// resolveFormat consumes the f/format modifier. "auto" is negotiated against
// the Accept header and marks the response as varying on it.
func (p *Processor) resolveFormat(r *request, reqHeader, respHeader http.Header) error {
	raw, ok := r.modifiers.First("f", "format")
	if !ok {
		return nil
	}
	r.modifiers.Delete("f")
	r.modifiers.Delete("format")

	if raw == "auto" {
		animated := r.modifiers.Has("animated") || r.modifiers.Has("a")
		r.format = p.opts.Negotiator.PickFormat(reqHeader.Get("Accept"), animated)
		respHeader.Add("Vary", "Accept")
		return nil
	}
	f := ParseFormat(raw)
	if !f.IsOutput() {
		return apperrors.BadRequest("core.format", CodeUnsupportedFormat,
			fmt.Sprintf("Unsupported format %q (supported: %s)", raw, joinFormats(OutputFormats)))
	}
	r.format = f
	return nil
}

// transform produces the output bytes. An SVG source with no explicit format
// is served as SVG, sanitized when enabled, whatever its modifiers. Any other
// request without modifiers returns the source untouched.
func (p *Processor) transform(ctx context.Context, r *request, src []byte) (*ProcessingResult, error) {
	start := time.Now()
	srcFormat := Format(utils.DetectFormat(src))

	if srcFormat == FormatSVG && r.format == "" {
		data := src
		if p.opts.SanitizeSVG && p.opts.Sanitizer != nil {
			clean, err := p.opts.Sanitizer.SanitizeSVG(src)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CategoryDecode, "core.svg", err)
			}
			data = clean
		}
		return &ProcessingResult{Data: data, Format: FormatSVG, ProcessingTime: time.Since(start)}, nil
	}
	if r.modifiers.Len() == 0 && r.format == "" {
		return &ProcessingResult{Data: src, Format: srcFormat, ProcessingTime: time.Since(start)}, nil
	}

	animated := r.modifiers.Has("animated") || r.modifiers.Has("a") || srcFormat == FormatGIF
	img, err := p.opts.Engine.Load(ctx, src, LoadOptions{Animated: animated})
	if err != nil {
		return nil, loadError(err)
	}
	meta := img.Metadata()

	img, enc, err := p.opts.Applier.ApplyAll(img, r.modifiers)
	if err != nil {
		return nil, err
	}

	out := r.format
	if out == "" {
		out = srcFormat
		if !out.IsOutput() {
			out = FormatPNG
		}
	}
	if enc.Quality == 0 {
		enc.Quality = p.opts.DefaultQuality
	}
	if img, err = img.ToFormat(out, enc); err != nil {
		if errors.Is(err, apperrors.ErrUnsupportedFormat) {
			return nil, apperrors.BadRequest("core.toFormat", CodeUnsupportedFormat,
				fmt.Sprintf("Format %q is not supported by the %s engine", out, p.opts.Engine.Name()))
		}
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "core.toFormat", err)
	}
	data, err := img.ToBuffer(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "core.toBuffer", err)
	}
	return &ProcessingResult{Data: data, Format: out, Meta: meta, ProcessingTime: time.Since(start)}, nil
}

func (p *Processor) maxAge(meta *SourceMeta) *int {
	if meta.MaxAge != nil {
		return meta.MaxAge
	}
	return p.opts.DefaultMaxAge
}

// ── Error responses ──────────────────────────────────────────────────────────

type errorBody struct {
	StatusCode    int    `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
	Message       string `json:"message"`
}

func (p *Processor) errorResponse(req Request, err error) Response {
	status := apperrors.StatusOf(err)
	code := apperrors.CodeOf(err)

	if p.opts.Logger != nil {
		fields := []interface{}{
			"request_id", req.RequestID,
			"path", req.Path,
			"status", status,
			"code", code,
			"category", string(apperrors.CategoryOf(err)),
			"error", err.Error(),
		}
		if status >= http.StatusInternalServerError {
			p.opts.Logger.Error("ipx.request.failed", fields...)
		} else {
			p.opts.Logger.Debug("ipx.request.rejected", fields...)
		}
	}

	msg := apperrors.PublicMessage(err, !p.opts.Production)
	if p.opts.Sanitizer != nil {
		msg = p.opts.Sanitizer.SanitizeText(msg)
	}
	body, mErr := json.Marshal(errorBody{StatusCode: status, StatusMessage: code, Message: msg})
	if mErr != nil {
		body = []byte(http.StatusText(status))
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Security-Policy", "default-src 'none'")
	h.Set(HeaderError, code)
	return Response{Status: status, Header: h, Body: body}
}

// ── Stage plumbing ───────────────────────────────────────────────────────────

func (p *Processor) stage(ctx context.Context, name, id string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return stageError(name, apperrors.Wrap(apperrors.CategoryPipeline, name, err))
	}
	ctx, span := p.tracer.Start(ctx, "ipx."+name,
		trace.WithAttributes(attribute.String("ipx.stage", name), attribute.String("ipx.id", id)))
	defer span.End()

	p.notifyBefore(ctx, name, id)
	t := time.Now()
	err := stageError(name, fn(ctx))
	elapsed := time.Since(t)
	p.notifyAfter(ctx, name, id, elapsed, err)

	if m := p.opts.Metrics; m != nil {
		m.RecordProcessingTime(name, elapsed)
		if err != nil {
			m.RecordError(name, string(apperrors.CategoryOf(err)))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// stageError classifies a caller cancellation as such, whatever category a
// collaborator wrapped it in.
func stageError(stage string, err error) error {
	if err != nil && errors.Is(err, context.Canceled) {
		return apperrors.Canceled(stage, err)
	}
	return err
}

func (p *Processor) notifyBefore(ctx context.Context, stage, id string) {
	for _, h := range p.opts.Hooks {
		h.BeforeStage(ctx, stage, id)
	}
}

func (p *Processor) notifyAfter(ctx context.Context, stage, id string, d time.Duration, err error) {
	for _, h := range p.opts.Hooks {
		h.AfterStage(ctx, stage, id, d, err)
	}
}

// notModifiedSince reports whether an If-Modified-Since value is at or after
// mtime. HTTP dates carry whole seconds, so mtime is truncated first.
func notModifiedSince(header string, mtime time.Time) bool {
	if header == "" {
		return false
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return false
	}
	return !t.Before(mtime.Truncate(time.Second))
}

func loadError(err error) error {
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return &apperrors.ProcessingError{
		Category: apperrors.CategoryDecode,
		Op:       "core.load",
		Code:     CodeInvalidImage,
		Message:  "Unable to decode source image",
		Err:      err,
	}
}

func joinFormats(fs []Format) string {
	s := ""
	for i, f := range fs {
		if i > 0 {
			s += ", "
		}
		s += string(f)
	}
	return s
}
