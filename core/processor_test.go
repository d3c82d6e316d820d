package core_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Skryldev/imageproxy/codec"
	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/negotiate"
	"github.com/Skryldev/imageproxy/pipeline"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeStorage struct {
	meta     *core.SourceMeta
	data     []byte
	metaErr  error
	dataErr  error
	metaHits int32
	dataHits int32
}

func (s *fakeStorage) Name() string { return "fake" }

func (s *fakeStorage) GetMeta(context.Context, string, core.StorageOptions) (*core.SourceMeta, error) {
	atomic.AddInt32(&s.metaHits, 1)
	return s.meta, s.metaErr
}

func (s *fakeStorage) GetData(context.Context, string, core.StorageOptions) ([]byte, error) {
	atomic.AddInt32(&s.dataHits, 1)
	return s.data, s.dataErr
}

type fakeResolver struct {
	storage core.Storage
	lastID  string
}

func (r *fakeResolver) Resolve(id, _ string) (string, core.Storage, error) {
	r.lastID = id
	return id, r.storage, nil
}

// fakeImage records every operation and renders them as its output bytes.
type fakeImage struct {
	meta   core.Metadata
	ops    []string
	format core.Format
	opts   core.EncodeOptions
}

func (f *fakeImage) record(op string, args ...interface{}) (core.Image, error) {
	if len(args) > 0 {
		op += fmt.Sprint(args...)
	}
	f.ops = append(f.ops, op)
	return f, nil
}

func (f *fakeImage) Metadata() core.Metadata { return f.meta }
func (f *fakeImage) Resize(w, h int, o core.ResizeOptions) (core.Image, error) {
	f.meta.Width, f.meta.Height = w, h
	return f.record("resize", w, "x", h)
}
func (f *fakeImage) Rotate(a float64, _ *core.Color) (core.Image, error) {
	return f.record("rotate", a)
}
func (f *fakeImage) Flip() (core.Image, error)                  { return f.record("flip") }
func (f *fakeImage) Flop() (core.Image, error)                  { return f.record("flop") }
func (f *fakeImage) Extract(l, t, w, h int) (core.Image, error) { return f.record("extract") }
func (f *fakeImage) Extend(t, r, b, l int, _ *core.Color) (core.Image, error) {
	return f.record("extend")
}
func (f *fakeImage) Trim(float64) (core.Image, error) { return f.record("trim") }
func (f *fakeImage) Sharpen(float64, float64, float64) (core.Image, error) {
	return f.record("sharpen")
}
func (f *fakeImage) Median(int) (core.Image, error)             { return f.record("median") }
func (f *fakeImage) Blur(float64) (core.Image, error)           { return f.record("blur") }
func (f *fakeImage) Flatten(*core.Color) (core.Image, error)    { return f.record("flatten") }
func (f *fakeImage) Gamma(float64, float64) (core.Image, error) { return f.record("gamma") }
func (f *fakeImage) Negate() (core.Image, error)                { return f.record("negate") }
func (f *fakeImage) Normalize() (core.Image, error)             { return f.record("normalize") }
func (f *fakeImage) Threshold(int) (core.Image, error)          { return f.record("threshold") }
func (f *fakeImage) Modulate(float64, float64, float64) (core.Image, error) {
	return f.record("modulate")
}
func (f *fakeImage) Tint(core.Color) (core.Image, error) { return f.record("tint") }
func (f *fakeImage) Grayscale() (core.Image, error)      { return f.record("grayscale") }

func (f *fakeImage) ToFormat(format core.Format, opts core.EncodeOptions) (core.Image, error) {
	f.format, f.opts = format, opts
	return f, nil
}

func (f *fakeImage) ToBuffer(context.Context) ([]byte, error) {
	return []byte(fmt.Sprintf("%s|q%d|%s", f.format, f.opts.Quality, strings.Join(f.ops, ","))), nil
}

type fakeEngine struct {
	mu      sync.Mutex
	loads   []core.LoadOptions
	loadErr error
	lastImg *fakeImage
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Load(_ context.Context, data []byte, opts core.LoadOptions) (core.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	e.loads = append(e.loads, opts)
	e.lastImg = &fakeImage{meta: core.Metadata{Width: 400, Height: 300, Format: core.FormatPNG}}
	return e.lastImg, nil
}

type fakeSanitizer struct{ calls int }

func (s *fakeSanitizer) SanitizeSVG(b []byte) ([]byte, error) {
	s.calls++
	return bytes.ReplaceAll(b, []byte("<script>alert(1)</script>"), nil), nil
}

func (s *fakeSanitizer) SanitizeText(t string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(t)
}

type recordingHook struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHook) BeforeStage(_ context.Context, stage, _ string) {
	h.mu.Lock()
	h.events = append(h.events, "before:"+stage)
	h.mu.Unlock()
}

func (h *recordingHook) AfterStage(_ context.Context, stage, _ string, _ time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.events = append(h.events, "error:"+stage)
		return
	}
	h.events = append(h.events, "after:"+stage)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	proc    *core.Processor
	storage *fakeStorage
	engine  *fakeEngine
	resolve *fakeResolver
}

func newHarness(t *testing.T, st *fakeStorage, mutate ...func(*core.Options)) *harness {
	t.Helper()
	eng := &fakeEngine{}
	res := &fakeResolver{storage: st}
	opts := core.Options{
		Parse:      codec.Decode,
		Resolver:   res,
		Applier:    pipeline.New(),
		Negotiator: negotiate.New(),
		Engine:     eng,
		Sanitizer:  &fakeSanitizer{},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	p, err := core.NewProcessor(opts)
	require.NoError(t, err)
	return &harness{proc: p, storage: st, engine: eng, resolve: res}
}

func get(h *harness, path string, header http.Header) core.Response {
	if header == nil {
		header = make(http.Header)
	}
	return h.proc.Handle(context.Background(), core.Request{Path: path, Header: header})
}

func intPtr(n int) *int { return &n }

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	_, err := core.NewProcessor(core.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConfig))
}

func TestHandleTransform(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStorage{meta: &core.SourceMeta{MTime: &mtime, MaxAge: intPtr(300)}, data: makePNG(t, 8, 8)}
	h := newHarness(t, st)

	resp := get(h, "/w_100/photo.png", nil)
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "default-src 'none'", resp.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "max-age=300, public, s-maxage=300", resp.Header.Get("Cache-Control"))
	assert.Equal(t, mtime.Format(http.TimeFormat), resp.Header.Get("Last-Modified"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "png|q0|resize100x0", string(resp.Body))
	assert.Equal(t, "/photo.png", h.resolve.lastID)
}

func TestHandleIfModifiedSinceSkipsData(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	st := &fakeStorage{meta: &core.SourceMeta{MTime: &mtime}, data: makePNG(t, 4, 4)}
	h := newHarness(t, st)

	for _, ims := range []string{
		mtime.Format(http.TimeFormat),
		mtime.Add(time.Hour).Format(http.TimeFormat),
	} {
		header := http.Header{"If-Modified-Since": []string{ims}}
		resp := get(h, "/w_10/a.png", header)
		assert.Equal(t, http.StatusNotModified, resp.Status)
		assert.Empty(t, resp.Body)
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(&st.dataHits), "304 must not read source bytes")
	assert.EqualValues(t, 2, atomic.LoadInt32(&st.metaHits), "meta is fetched once per request")

	header := http.Header{"If-Modified-Since": []string{mtime.Add(-time.Hour).Format(http.TimeFormat)}}
	resp := get(h, "/w_10/a.png", header)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&st.dataHits))
}

func TestHandleIfNoneMatch(t *testing.T) {
	st := &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)}
	h := newHarness(t, st)

	first := get(h, "/w_10/a.png", nil)
	require.Equal(t, http.StatusOK, first.Status)
	etag := first.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp := get(h, "/w_10/a.png", http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusNotModified, resp.Status)
	assert.Empty(t, resp.Body)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	resp = get(h, "/w_20/a.png", http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusOK, resp.Status, "different output has a different tag")
}

func TestHandleAutoFormat(t *testing.T) {
	st := &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)}
	h := newHarness(t, st)

	resp := get(h, "/f_auto/a.png", http.Header{"Accept": []string{"image/webp,image/*"}})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Accept", resp.Header.Get("Vary"))

	resp = get(h, "/format_auto,animated/a.gif", http.Header{"Accept": []string{"image/avif"}})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, h.engine.loads)
	assert.True(t, h.engine.loads[len(h.engine.loads)-1].Animated)

	resp = get(h, "/f_jpg/a.png", nil)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Vary"))
}

func TestHandleUnsupportedFormat(t *testing.T) {
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)})
	resp := get(h, "/f_bmp/a.png", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, core.CodeUnsupportedFormat, resp.Header.Get(core.HeaderError))
}

func TestHandlePassthrough(t *testing.T) {
	src := makePNG(t, 4, 4)
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: src})

	resp := get(h, "/_/a.png", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, src, resp.Body)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Empty(t, h.engine.loads, "no modifiers means no decode")
}

func TestHandleUntouchedSVG(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script><rect/></svg>`)
	san := &fakeSanitizer{}
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: svg}, func(o *core.Options) {
		o.Sanitizer = san
		o.SanitizeSVG = true
	})

	resp := get(h, "/w_10/logo.svg", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.NotContains(t, string(resp.Body), "<script>")
	assert.Equal(t, 1, san.calls)
	assert.Empty(t, h.engine.loads)

	resp = get(h, "/_/logo.svg", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.NotContains(t, string(resp.Body), "<script>", "no modifiers still sanitizes")
	assert.Equal(t, 2, san.calls)
	assert.Empty(t, h.engine.loads)

	resp = get(h, "/f_png/logo.svg", nil)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"), "explicit format rasterizes")
}

func TestHandleDefaults(t *testing.T) {
	st := &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)}
	h := newHarness(t, st, func(o *core.Options) {
		o.DefaultQuality = 80
		o.DefaultMaxAge = intPtr(60)
	})

	resp := get(h, "/w_10/a.png", nil)
	assert.Equal(t, "max-age=60, public, s-maxage=60", resp.Header.Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(string(resp.Body), "png|q80|"))

	resp = get(h, "/w_10,q_30/a.png", nil)
	assert.True(t, strings.HasPrefix(string(resp.Body), "png|q30|"))
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		storage *fakeStorage
		status  int
		code    string
	}{
		{"missing modifiers", "//a.png", &fakeStorage{}, http.StatusBadRequest, codec.CodeMissingModifiers},
		{"missing id", "/w_10/", &fakeStorage{}, http.StatusBadRequest, codec.CodeMissingID},
		{"not found", "/w_10/nope.png", &fakeStorage{}, http.StatusNotFound, core.CodeResourceNotFound},
		{
			"forbidden",
			"/w_10/https://evil.com/a.png",
			&fakeStorage{metaErr: apperrors.Forbidden("test", "IPX_FORBIDDEN_HOST", "Forbidden host: evil.com")},
			http.StatusForbidden, "IPX_FORBIDDEN_HOST",
		},
		{
			"upstream status",
			"/w_10/https://example.com/a.png",
			&fakeStorage{meta: &core.SourceMeta{}, dataErr: apperrors.Upstream("test", http.StatusGone, "Gone")},
			http.StatusGone, "IPX_FETCH_ERROR",
		},
		{
			"invalid modifier",
			"/w_abc/a.png",
			&fakeStorage{meta: &core.SourceMeta{}, data: []byte("\x89PNG\r\n\x1a\n....")},
			http.StatusBadRequest, pipeline.CodeInvalidModifier,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.storage)
			resp := get(h, tt.path, nil)
			assert.Equal(t, tt.status, resp.Status, string(resp.Body))
			assert.Equal(t, tt.code, resp.Header.Get(core.HeaderError))
			assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.Contains(t, string(resp.Body), tt.code)
		})
	}
}

func TestHandleProductionHidesInternals(t *testing.T) {
	st := &fakeStorage{meta: &core.SourceMeta{}, dataErr: errors.New("dial tcp 10.0.0.7:5432: secret")}

	h := newHarness(t, st, func(o *core.Options) { o.Production = true })
	resp := get(h, "/w_10/a.png", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotContains(t, string(resp.Body), "secret")

	h = newHarness(t, st)
	resp = get(h, "/w_10/a.png", nil)
	assert.Contains(t, string(resp.Body), "secret", "development mode shows the cause")
}

func TestHandleSanitizesMessages(t *testing.T) {
	h := newHarness(t, &fakeStorage{})
	resp := get(h, "/w_10/<img>.png", nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.NotContains(t, string(resp.Body), "<img>")
}

func TestHandleDecodeFailure(t *testing.T) {
	st := &fakeStorage{meta: &core.SourceMeta{}, data: []byte("not an image at all")}
	h := newHarness(t, st)
	h.engine.loadErr = errors.New("bad magic")
	resp := get(h, "/w_10/a.png", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, core.CodeInvalidImage, resp.Header.Get(core.HeaderError))
}

func TestHandleHooksSeeEveryStage(t *testing.T) {
	hook := &recordingHook{}
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)})
	h.proc.AddHook(hook)

	resp := get(h, "/w_10/a.png", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{
		"before:parse", "after:parse",
		"before:resolve", "after:resolve",
		"before:meta", "after:meta",
		"before:data", "after:data",
		"before:transform", "after:transform",
	}, hook.events)

	hook.events = nil
	get(h, "//a.png", nil)
	assert.Equal(t, []string{"before:parse", "error:parse"}, hook.events)
}

func TestHandleCanceledContext(t *testing.T) {
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := h.proc.Handle(ctx, core.Request{Path: "/w_10/a.png", Header: http.Header{}})
	assert.Equal(t, apperrors.StatusClientClosedRequest, resp.Status)
	assert.Equal(t, "IPX_REQUEST_CANCELED", resp.Header.Get(core.HeaderError))
	assert.EqualValues(t, 0, atomic.LoadInt32(&h.storage.metaHits))
}

type levelLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *levelLogger) Debug(string, ...interface{}) {}
func (l *levelLogger) Info(string, ...interface{})  {}
func (l *levelLogger) Warn(string, ...interface{})  {}
func (l *levelLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func TestHandleCallerGoneIsNotServerError(t *testing.T) {
	// A backend that saw the cancellation wraps it in its own category.
	st := &fakeStorage{
		meta:    &core.SourceMeta{},
		dataErr: apperrors.Wrap(apperrors.CategoryStorage, "fake.get", context.Canceled),
	}
	logger := &levelLogger{}
	h := newHarness(t, st, func(o *core.Options) { o.Logger = logger })

	resp := get(h, "/w_10/a.png", nil)
	assert.Equal(t, apperrors.StatusClientClosedRequest, resp.Status)
	assert.Empty(t, logger.errors)

	st.dataErr = apperrors.Transient("fake.get", errors.New("connection reset"))
	resp = get(h, "/w_10/a.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, []string{"ipx.request.failed"}, logger.errors)
}

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, func(*core.Options)) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, func(o *core.Options) { o.TracerProvider = tp }
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	return names
}

func TestHandleTracesEveryStage(t *testing.T) {
	recorder, withTracer := setupTestTracer(t)
	h := newHarness(t, &fakeStorage{meta: &core.SourceMeta{}, data: makePNG(t, 4, 4)}, withTracer)

	resp := get(h, "/w_10/a.png", nil)
	require.Equal(t, http.StatusOK, resp.Status)

	spans := recorder.Ended()
	// Stage spans end before the request span that parents them.
	assert.Equal(t, []string{
		"ipx.parse", "ipx.resolve", "ipx.meta", "ipx.data", "ipx.transform", "ipx.handle",
	}, spanNames(spans))

	root := spans[len(spans)-1]
	for _, s := range spans[:len(spans)-1] {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
		assert.Equal(t, codes.Unset, s.Status().Code, s.Name())
	}
	assert.Equal(t, codes.Unset, root.Status().Code)
}

func TestHandleTracesFailedStage(t *testing.T) {
	recorder, withTracer := setupTestTracer(t)
	st := &fakeStorage{metaErr: apperrors.NotFound("fake.meta", core.CodeResourceNotFound, "Resource not found: /a.png")}
	h := newHarness(t, st, withTracer)

	resp := get(h, "/w_10/a.png", nil)
	require.Equal(t, http.StatusNotFound, resp.Status)

	spans := recorder.Ended()
	require.Equal(t, []string{"ipx.parse", "ipx.resolve", "ipx.meta", "ipx.handle"}, spanNames(spans))

	meta := spans[2]
	assert.Equal(t, codes.Error, meta.Status().Code)
	require.NotEmpty(t, meta.Events(), "the error is recorded on the stage span")
	assert.Equal(t, "exception", meta.Events()[0].Name)

	root := spans[3]
	assert.Equal(t, codes.Error, root.Status().Code)
	assert.Equal(t, http.StatusText(http.StatusNotFound), root.Status().Description)
}
