// Package imageproxy wires the storages, the modifier pipeline, the image
// engine and the request orchestrator into a ready-to-serve Proxy.
package imageproxy

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/Skryldev/imageproxy/adapters/native"
	"github.com/Skryldev/imageproxy/adapters/sanitize"
	"github.com/Skryldev/imageproxy/adapters/storage"
	"github.com/Skryldev/imageproxy/adapters/vips"
	"github.com/Skryldev/imageproxy/codec"
	"github.com/Skryldev/imageproxy/config"
	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/hooks"
	"github.com/Skryldev/imageproxy/negotiate"
	"github.com/Skryldev/imageproxy/pipeline"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
	AVIF = core.FormatAVIF
	GIF  = core.FormatGIF
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Proxy is the primary entry point.
type Proxy struct {
	proc    *core.Processor
	router  *storage.Router
	engine  core.Engine
	closers []func() error
}

// Option customises New.
type Option func(*settings)

type settings struct {
	logger     core.Logger
	metrics    core.MetricsCollector
	hooks      []core.Hook
	engine     core.Engine
	httpClient *http.Client
	kvDriver   storage.Driver
	storages   map[string]core.Storage
	tracer     trace.TracerProvider
}

// WithLogger attaches a structured logger. The default logs to slog.Default.
func WithLogger(l core.Logger) Option { return func(s *settings) { s.logger = l } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m core.MetricsCollector) Option { return func(s *settings) { s.metrics = m } }

// WithHook registers an observer for orchestrator stages.
func WithHook(h core.Hook) Option { return func(s *settings) { s.hooks = append(s.hooks, h) } }

// WithTracerProvider sets where request spans go; the default is the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) { s.tracer = tp }
}

// WithEngine overrides the engine selected by cfg.Engine.Name.
func WithEngine(e core.Engine) Option { return func(s *settings) { s.engine = e } }

// WithHTTPClient sets the client used for remote sources.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.httpClient = c } }

// WithKVDriver overrides the driver selected by cfg.KV.Driver.
func WithKVDriver(d storage.Driver) Option { return func(s *settings) { s.kvDriver = d } }

// WithStorage registers an extra backend addressable by source name.
func WithStorage(name string, st core.Storage) Option {
	return func(s *settings) { s.storages[name] = st }
}

// New builds a Proxy from cfg. Call Close when done.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Proxy, error) {
	const op = "imageproxy.New"
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, op, err)
	}
	s := &settings{storages: make(map[string]core.Storage)}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = hooks.NewSlogLogger(slog.Default())
	}

	p := &Proxy{}
	built := false
	defer func() {
		if !built {
			_ = p.Close()
		}
	}()

	p.engine = s.engine
	if p.engine == nil {
		p.engine = p.newEngine(cfg.Engine)
	}

	router, err := p.newRouter(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	p.router = router

	neg := negotiate.New()
	if enc, ok := p.engine.(interface{ CanEncode(core.Format) bool }); ok {
		neg = neg.WithFilter(enc.CanEncode)
	}

	p.proc, err = core.NewProcessor(core.Options{
		Parse:          codec.Decode,
		Resolver:       router,
		Applier:        pipeline.New().WithMaxDimension(cfg.Engine.MaxDimension),
		Negotiator:     neg,
		Engine:         p.engine,
		Sanitizer:      sanitize.New(),
		Logger:         s.logger,
		Metrics:        s.metrics,
		Hooks:          s.hooks,
		TracerProvider: s.tracer,
		Production:     cfg.Server.Production,
		DefaultQuality: cfg.Engine.DefaultQuality,
		DefaultMaxAge:  cfg.MaxAge,
		SanitizeSVG:    cfg.SanitizeSVG,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("imageproxy.ready",
		"engine", p.engine.Name(),
		"fs_dirs", len(cfg.FS.Dirs),
		"http_domains", len(cfg.HTTP.Domains),
		"kv", cfg.KV.Driver,
	)
	built = true
	return p, nil
}

func (p *Proxy) newEngine(cfg config.EngineConfig) core.Engine {
	if cfg.Name == config.EngineVips {
		e := vips.New(vips.Config{
			DefaultQuality: cfg.DefaultQuality,
			MaxCacheSize:   cfg.VipsCacheSize,
			Concurrency:    cfg.VipsConcurrency,
			MaxPixels:      cfg.MaxPixels,
		})
		p.closers = append(p.closers, func() error { e.Shutdown(); return nil })
		return e
	}
	return native.NewDefault(cfg.DefaultQuality).WithMaxPixels(cfg.MaxPixels)
}

// newRouter builds the configured backends. The filesystem serves plain ids
// when configured, otherwise the KV backend does.
func (p *Proxy) newRouter(ctx context.Context, cfg config.Config, s *settings) (*storage.Router, error) {
	var def, remote, kv core.Storage

	if len(cfg.FS.Dirs) > 0 {
		fs, err := storage.NewFS(cfg.FS.Dirs, cfg.FS.MaxAge)
		if err != nil {
			return nil, err
		}
		def = fs
	}

	if len(cfg.HTTP.Domains) > 0 {
		h, err := storage.NewHTTP(storage.HTTPOptions{
			Domains:      cfg.HTTP.Domains,
			MaxAge:       cfg.HTTP.MaxAge,
			Timeout:      cfg.HTTP.Timeout,
			Headers:      cfg.HTTP.Headers,
			UserAgent:    cfg.HTTP.UserAgent,
			RateInterval: cfg.HTTP.RateInterval,
			Retries:      cfg.HTTP.Retries,
			RetryDelay:   cfg.HTTP.RetryDelay,
			MaxBytes:     cfg.Engine.MaxImageBytes,
			Client:       s.httpClient,
		})
		if err != nil {
			return nil, err
		}
		remote = h
	}

	driver := s.kvDriver
	if driver == nil && cfg.KV.Driver != "" {
		d, err := openDriver(ctx, cfg.KV)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryConfig, "imageproxy.kv", err)
		}
		driver = d
	}
	if driver != nil {
		store, err := storage.NewKV(driver, cfg.KV.Prefix)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, store.Close)
		kv = store
		if def == nil {
			def = kv
		}
	}

	router, err := storage.NewRouter(def, remote)
	if err != nil {
		return nil, err
	}
	if kv != nil {
		router.Register("kv", kv).Register(kv.Name(), kv)
	}
	for name, st := range s.storages {
		router.Register(name, st)
	}
	return router.WithAliases(cfg.Alias), nil
}

func openDriver(ctx context.Context, cfg config.KVConfig) (storage.Driver, error) {
	switch cfg.Driver {
	case config.KVRedis:
		return storage.NewRedisDriverWithURL(cfg.URL)
	case config.KVSQLite:
		return storage.OpenSQLite(ctx, cfg.URL)
	}
	return nil, errors.New("unknown kv driver " + cfg.Driver)
}

// Handle serves one request.
func (p *Proxy) Handle(ctx context.Context, req core.Request) core.Response {
	return p.proc.Handle(ctx, req)
}

// AddHook registers an observer for orchestrator stages.
func (p *Proxy) AddHook(h core.Hook) { p.proc.AddHook(h) }

// Processor exposes the underlying orchestrator.
func (p *Proxy) Processor() *core.Processor { return p.proc }

// Router exposes the storage router, e.g. to resolve ids in tooling.
func (p *Proxy) Router() *storage.Router { return p.router }

// Engine returns the active image engine.
func (p *Proxy) Engine() core.Engine { return p.engine }

// Close releases storage connections and engine resources.
func (p *Proxy) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// URL builds the request path for id with modifiers in key order.
func URL(modifiers map[string]string, id string) string {
	m := core.NewModifiers()
	for _, k := range slices.Sorted(maps.Keys(modifiers)) {
		m.Set(k, modifiers[k])
	}
	return codec.EncodePath(m, id)
}
