// Package server exposes a Proxy over HTTP with echo.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Skryldev/imageproxy/core"
)

// Handler serves one transport-independent request.
type Handler interface {
	Handle(ctx context.Context, req core.Request) core.Response
}

// Options configures New.
type Options struct {
	Logger core.Logger
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	// BypassDomain skips the remote allow-list; only for trusted deployments.
	BypassDomain bool
}

// New returns an echo instance serving images on every path, plus /_health
// and optionally /metrics.
func New(h Handler, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if opts.Logger != nil {
		e.Use(requestLogger(opts.Logger))
	}
	e.Use(middleware.Recover())

	e.GET("/_health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	serve := imageHandler(h, opts)
	e.GET("/*", serve)
	e.HEAD("/*", serve)
	return e
}

// MetricsOnly returns an echo instance serving just /metrics and /_health,
// for a separate metrics listener.
func MetricsOnly(metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(metrics))
	e.GET("/_health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

func imageHandler(h Handler, opts Options) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		resp := h.Handle(ctx, core.Request{
			Path:         r.URL.EscapedPath(),
			Header:       r.Header,
			BypassDomain: opts.BypassDomain,
			RequestID:    c.Response().Header().Get(echo.HeaderXRequestID),
		})

		header := c.Response().Header()
		for k, vs := range resp.Header {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
		if r.Method == http.MethodHead || resp.Status == http.StatusNotModified {
			return c.NoContent(resp.Status)
		}
		return c.Blob(resp.Status, resp.Header.Get(echo.HeaderContentType), resp.Body)
	}
}

func requestLogger(l core.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []interface{}{
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Status >= http.StatusInternalServerError {
				l.Error("http.request", fields...)
			} else {
				l.Info("http.request", fields...)
			}
			return nil
		},
	})
}

// Shutdown stops e gracefully within timeout.
func Shutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(ctx)
}
