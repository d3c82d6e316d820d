// Command ipxd serves the image proxy over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shayne/yargs"
	"golang.org/x/sync/errgroup"

	imageproxy "github.com/Skryldev/imageproxy"
	"github.com/Skryldev/imageproxy/config"
	"github.com/Skryldev/imageproxy/hooks"
	"github.com/Skryldev/imageproxy/server"
)

type flags struct {
	Config     string   `flag:"config" help:"TOML config file"`
	Listen     string   `flag:"listen" help:"address to serve images on"`
	Metrics    string   `flag:"metrics" help:"separate address for /metrics"`
	Dir        []string `flag:"dir" help:"filesystem root, repeatable"`
	Domains    []string `flag:"domains" help:"allowed remote hosts"`
	Engine     string   `flag:"engine" help:"native or vips"`
	Production bool     `flag:"production" help:"hide internal error details"`
	LogLevel   string   `flag:"log-level" help:"debug, info, warn or error"`
	OTLP       string   `flag:"otlp" help:"OTLP/HTTP collector base URL for traces"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ipxd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: hooks.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(log)
	logger := hooks.NewSlogLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("ipxd.tracing.shutdown", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	proxy, err := imageproxy.New(ctx, cfg,
		imageproxy.WithLogger(logger),
		imageproxy.WithMetrics(hooks.NewPrometheusMetrics(reg)),
		imageproxy.WithHook(hooks.NewLoggingHook(logger)),
	)
	if err != nil {
		return err
	}
	defer proxy.Close()

	opts := server.Options{Logger: logger}
	if cfg.Server.MetricsAddr == "" {
		opts.Metrics = metricsHandler
	}
	servers := map[string]*echo.Echo{cfg.Server.Addr: server.New(proxy, opts)}
	if cfg.Server.MetricsAddr != "" {
		servers[cfg.Server.MetricsAddr] = server.MetricsOnly(metricsHandler)
	}

	g, gctx := errgroup.WithContext(ctx)
	for addr, e := range servers {
		e.Server.ReadTimeout = cfg.Server.ReadTimeout
		e.Server.WriteTimeout = cfg.Server.WriteTimeout
		g.Go(func() error {
			logger.Info("ipxd.listen", "addr", addr)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Shutdown(e, cfg.Server.ShutdownTimeout)
		})
	}
	err = g.Wait()
	logger.Info("ipxd.stopped")
	return err
}

// loadConfig layers defaults, the config file, IPX_* variables and flags.
func loadConfig(args []string) (config.Config, error) {
	res, err := yargs.ParseFlags[flags](args)
	if err != nil {
		return config.Config{}, err
	}
	f := res.Flags

	cfg := config.Default()
	if f.Config != "" {
		if cfg, err = config.LoadFile(f.Config, cfg); err != nil {
			return cfg, err
		}
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		return cfg, err
	}

	if f.Listen != "" {
		cfg.Server.Addr = f.Listen
	}
	if f.Metrics != "" {
		cfg.Server.MetricsAddr = f.Metrics
	}
	if len(f.Dir) > 0 {
		cfg.FS.Dirs = f.Dir
	}
	if len(f.Domains) > 0 {
		cfg.HTTP.Domains = f.Domains
	}
	if f.Engine != "" {
		cfg.Engine.Name = f.Engine
	}
	if f.Production {
		cfg.Server.Production = true
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.OTLP != "" {
		cfg.Server.OTLPEndpoint = f.OTLP
	}
	return cfg, config.Validate(cfg)
}
