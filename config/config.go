// Package config holds the proxy configuration. Every field has a safe
// default, so callers can start from Default() and override only what they
// need, from the environment (FromEnv) or a TOML file (LoadFile).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Engine names.
const (
	EngineNative = "native"
	EngineVips   = "vips"
)

// KV driver names.
const (
	KVRedis  = "redis"
	KVSQLite = "sqlite"
)

// Config is the top-level configuration struct.
type Config struct {
	Server ServerConfig `toml:"server"`
	FS     FSConfig     `toml:"fs"`
	HTTP   HTTPConfig   `toml:"http"`
	KV     KVConfig     `toml:"kv"`
	Engine EngineConfig `toml:"engine"`

	// Alias maps id prefixes to replacement prefixes or base URLs.
	Alias map[string]string `toml:"alias"`

	// MaxAge is the Cache-Control max-age used when a backend reports none.
	MaxAge *int `toml:"max_age"`

	// SanitizeSVG cleans SVG sources served without conversion.
	SanitizeSVG bool `toml:"sanitize_svg"`

	LogLevel string `toml:"log_level"` // "debug", "info", "warn", "error"
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	MetricsAddr string `toml:"metrics_addr"` // empty = serve /metrics on Addr
	// Production hides internal error text from clients.
	Production      bool          `toml:"production"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// OTLPEndpoint enables trace export over OTLP/HTTP (empty = no export).
	OTLPEndpoint     string  `toml:"otlp_endpoint"`
	TraceSampleRatio float64 `toml:"trace_sample_ratio"`
}

// FSConfig configures the filesystem backend. No dirs disables it.
type FSConfig struct {
	Dirs   []string `toml:"dirs"`
	MaxAge *int     `toml:"max_age"`
}

// HTTPConfig configures the remote origin backend. No domains disables it.
type HTTPConfig struct {
	Domains      []string          `toml:"domains"`
	MaxAge       *int              `toml:"max_age"`
	Timeout      time.Duration     `toml:"timeout"`
	UserAgent    string            `toml:"user_agent"`
	Headers      map[string]string `toml:"headers"`
	RateInterval time.Duration     `toml:"rate_interval"`
	Retries      int               `toml:"retries"`
	RetryDelay   time.Duration     `toml:"retry_delay"`
}

// KVConfig configures the key-value backend. An empty Driver disables it.
type KVConfig struct {
	Driver string `toml:"driver"` // "redis" or "sqlite"
	URL    string `toml:"url"`    // redis URL or sqlite file path
	Prefix string `toml:"prefix"`
}

// EngineConfig selects and tunes the image engine.
type EngineConfig struct {
	Name           string `toml:"name"` // "native" or "vips"
	DefaultQuality int    `toml:"default_quality"`
	// MaxDimension clamps width/height modifiers (0 = unbounded).
	MaxDimension int `toml:"max_dimension"`
	// MaxPixels rejects larger sources (0 = unbounded).
	MaxPixels int `toml:"max_pixels"`
	// MaxImageBytes caps fetched source size (0 = unbounded).
	MaxImageBytes int64 `toml:"max_image_bytes"`

	VipsConcurrency int `toml:"vips_concurrency"`
	VipsCacheSize   int `toml:"vips_cache_size"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":3000",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			TraceSampleRatio: 1,
		},
		FS: FSConfig{Dirs: []string{"."}},
		HTTP: HTTPConfig{
			Timeout:    30 * time.Second,
			UserAgent:  "imageproxy",
			RetryDelay: 200 * time.Millisecond,
		},
		KV: KVConfig{Prefix: "ipx"},
		Engine: EngineConfig{
			Name:           EngineNative,
			DefaultQuality: 80,
			MaxDimension:   8192,
			MaxPixels:      100_000_000,
			MaxImageBytes:  64 << 20,
		},
		SanitizeSVG: true,
		LogLevel:    "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Server.Addr == "" {
		return errors.New("config: Server.Addr is required")
	}
	if c.Engine.DefaultQuality < 1 || c.Engine.DefaultQuality > 100 {
		return errors.New("config: Engine.DefaultQuality must be between 1 and 100")
	}
	switch c.Engine.Name {
	case EngineNative, EngineVips:
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine.Name)
	}
	if c.Engine.MaxDimension < 0 || c.Engine.MaxPixels < 0 || c.Engine.MaxImageBytes < 0 {
		return errors.New("config: engine limits must not be negative")
	}
	switch c.KV.Driver {
	case "":
	case KVRedis, KVSQLite:
		if c.KV.URL == "" {
			return fmt.Errorf("config: KV.URL is required for driver %q", c.KV.Driver)
		}
	default:
		return fmt.Errorf("config: unknown kv driver %q", c.KV.Driver)
	}
	if r := c.Server.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("config: Server.TraceSampleRatio must be between 0 and 1")
	}
	if c.HTTP.Retries < 0 {
		return errors.New("config: HTTP.Retries must not be negative")
	}
	for _, age := range []*int{c.MaxAge, c.FS.MaxAge, c.HTTP.MaxAge} {
		if age != nil && *age < 0 {
			return errors.New("config: max-age must not be negative")
		}
	}
	if len(c.FS.Dirs) == 0 && len(c.HTTP.Domains) == 0 && c.KV.Driver == "" {
		return errors.New("config: at least one storage backend must be configured")
	}
	return nil
}

// LoadFile decodes the TOML file at path over c.
func LoadFile(path string, c Config) (Config, error) {
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// envBindings maps each IPX_* variable to its config key.
var envBindings = []struct{ env, key string }{
	{"IPX_LISTEN", "server.addr"},
	{"IPX_METRICS_LISTEN", "server.metrics_addr"},
	{"IPX_PRODUCTION", "server.production"},
	{"IPX_READ_TIMEOUT", "server.read_timeout"},
	{"IPX_WRITE_TIMEOUT", "server.write_timeout"},
	{"IPX_OTLP_ENDPOINT", "server.otlp_endpoint"},
	{"IPX_TRACE_SAMPLE_RATIO", "server.trace_sample_ratio"},

	{"IPX_FS_DIR", "fs.dirs"},
	{"IPX_FS_MAX_AGE", "fs.max_age"},

	{"IPX_HTTP_DOMAINS", "http.domains"},
	{"IPX_HTTP_MAX_AGE", "http.max_age"},
	{"IPX_HTTP_TIMEOUT", "http.timeout"},
	{"IPX_HTTP_USER_AGENT", "http.user_agent"},
	{"IPX_HTTP_HEADERS", "http.headers"},
	{"IPX_HTTP_RATE_INTERVAL", "http.rate_interval"},
	{"IPX_HTTP_RETRIES", "http.retries"},
	{"IPX_HTTP_RETRY_DELAY", "http.retry_delay"},

	{"IPX_KV_DRIVER", "kv.driver"},
	{"IPX_KV_URL", "kv.url"},
	{"IPX_KV_PREFIX", "kv.prefix"},

	{"IPX_ENGINE", "engine.name"},
	{"IPX_QUALITY", "engine.default_quality"},
	{"IPX_MAX_DIMENSION", "engine.max_dimension"},
	{"IPX_MAX_PIXELS", "engine.max_pixels"},
	{"IPX_MAX_IMAGE_BYTES", "engine.max_image_bytes"},
	{"IPX_VIPS_CONCURRENCY", "engine.vips_concurrency"},
	{"IPX_VIPS_CACHE_SIZE", "engine.vips_cache_size"},

	{"IPX_ALIAS", "alias"},
	{"IPX_MAX_AGE", "max_age"},
	{"IPX_SANITIZE_SVG", "sanitize_svg"},
	{"IPX_LOG_LEVEL", "log_level"},
}

// FromEnv overrides c with the IPX_* environment variables that are set.
// Lists are comma separated; IPX_ALIAS and IPX_HTTP_HEADERS are JSON objects.
// Every malformed variable is reported in the returned error.
func FromEnv(c Config) (Config, error) {
	v := viper.New()
	fields := c.fields()

	var errs []error
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return c, fmt.Errorf("config: bind %s: %w", b.env, err)
		}
		if !v.IsSet(b.key) {
			continue
		}
		if err := v.UnmarshalKey(b.key, fields[b.key], envDecoder); err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", b.env, v.GetString(b.key), err))
		}
	}
	return c, errors.Join(errs...)
}

// fields returns the destination of every env-bound key.
func (c *Config) fields() map[string]any {
	return map[string]any{
		"server.addr":               &c.Server.Addr,
		"server.metrics_addr":       &c.Server.MetricsAddr,
		"server.production":         &c.Server.Production,
		"server.read_timeout":       &c.Server.ReadTimeout,
		"server.write_timeout":      &c.Server.WriteTimeout,
		"server.otlp_endpoint":      &c.Server.OTLPEndpoint,
		"server.trace_sample_ratio": &c.Server.TraceSampleRatio,

		"fs.dirs":    &c.FS.Dirs,
		"fs.max_age": &c.FS.MaxAge,

		"http.domains":       &c.HTTP.Domains,
		"http.max_age":       &c.HTTP.MaxAge,
		"http.timeout":       &c.HTTP.Timeout,
		"http.user_agent":    &c.HTTP.UserAgent,
		"http.headers":       &c.HTTP.Headers,
		"http.rate_interval": &c.HTTP.RateInterval,
		"http.retries":       &c.HTTP.Retries,
		"http.retry_delay":   &c.HTTP.RetryDelay,

		"kv.driver": &c.KV.Driver,
		"kv.url":    &c.KV.URL,
		"kv.prefix": &c.KV.Prefix,

		"engine.name":             &c.Engine.Name,
		"engine.default_quality":  &c.Engine.DefaultQuality,
		"engine.max_dimension":    &c.Engine.MaxDimension,
		"engine.max_pixels":       &c.Engine.MaxPixels,
		"engine.max_image_bytes":  &c.Engine.MaxImageBytes,
		"engine.vips_concurrency": &c.Engine.VipsConcurrency,
		"engine.vips_cache_size":  &c.Engine.VipsCacheSize,

		"alias":        &c.Alias,
		"max_age":      &c.MaxAge,
		"sanitize_svg": &c.SanitizeSVG,
		"log_level":    &c.LogLevel,
	}
}

// envDecoder trims values, splits comma lists, parses JSON objects and
// durations, and replaces (rather than merges into) existing slices and maps.
func envDecoder(dc *mapstructure.DecoderConfig) {
	dc.ZeroFields = true
	dc.WeaklyTypedInput = true
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncKind(trimHook),
		mapstructure.DecodeHookFuncKind(listHook),
		mapstructure.DecodeHookFuncKind(jsonMapHook),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

func trimHook(from, _ reflect.Kind, data any) (any, error) {
	if from != reflect.String {
		return data, nil
	}
	return strings.TrimSpace(data.(string)), nil
}

func listHook(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || to != reflect.Slice {
		return data, nil
	}
	out := []string{}
	for _, s := range strings.Split(data.(string), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func jsonMapHook(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || to != reflect.Map {
		return data, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(data.(string)), &m); err != nil {
		return nil, err
	}
	return m, nil
}
