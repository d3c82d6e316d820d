package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
	"github.com/Skryldev/imageproxy/utils"
)

const (
	CodeMissingHostname = "IPX_MISSING_HOSTNAME"
	CodeForbiddenHost   = "IPX_FORBIDDEN_HOST"
	CodeInvalidURL      = "IPX_INVALID_URL"
	CodeSourceTooLarge  = "IPX_SOURCE_TOO_LARGE"
)

const maxRedirects = 10

var maxAgeRE = regexp.MustCompile(`max-age=(\d+)`)

// HTTPOptions configures the remote origin backend.
type HTTPOptions struct {
	// Domains is the host allow-list. Entries may be bare ("example.com"),
	// scheme-qualified ("https://example.com") or wildcards ("*.example.com").
	Domains []string
	// MaxAge is used when the origin sends no Cache-Control max-age.
	MaxAge *int
	// Timeout bounds one fetch attempt. 0 = 30s.
	Timeout time.Duration
	// Headers are added to every upstream request.
	Headers   map[string]string
	UserAgent string
	// RateInterval spaces requests to the same host. 0 disables limiting.
	RateInterval time.Duration
	// Retries is the number of extra attempts for transient failures.
	// RetryDelay is the first backoff interval; later ones grow exponentially.
	Retries    int
	RetryDelay time.Duration
	// MaxBytes caps the size of a fetched body. 0 = unlimited.
	MaxBytes int64
	// Client overrides the HTTP client (tests, custom transports). Its
	// CheckRedirect is replaced so redirects stay on the allow-list.
	Client *http.Client
}

// HTTP fetches source images from allow-listed remote hosts.
type HTTP struct {
	client   *http.Client
	exact    map[string]struct{}
	suffixes []string
	opts     HTTPOptions

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

var _ core.Storage = (*HTTP)(nil)

// NewHTTP creates the HTTP backend. Malformed allow-list entries are a
// config error.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	h := &HTTP{
		exact:    make(map[string]struct{}),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, d := range opts.Domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		wildcard := false
		if rest, ok := strings.CutPrefix(stripScheme(d), "*."); ok {
			wildcard, d = true, rest
		}
		host, err := domainHost(d)
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "http.new", fmt.Errorf("domain %q: %w", d, err))
		}
		if wildcard {
			h.suffixes = append(h.suffixes, "."+host)
		} else {
			h.exact[host] = struct{}{}
		}
	}

	if opts.Client != nil {
		c := *opts.Client
		h.client = &c
	} else {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		h.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	h.client.CheckRedirect = h.checkRedirect
	return h, nil
}

type bypassKey struct{}

// checkRedirect applies the allow-list to every redirect hop unless the
// request was made with BypassDomain.
func (h *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return apperrors.Forbidden("http.redirect", CodeForbiddenHost,
			fmt.Sprintf("Stopped after %d redirects", maxRedirects))
	}
	if bypass, _ := req.Context().Value(bypassKey{}).(bool); bypass {
		return nil
	}
	if !h.Allowed(req.URL.Hostname()) {
		return apperrors.Forbidden("http.redirect", CodeForbiddenHost, "Forbidden host: "+req.URL.Hostname())
	}
	return nil
}

func (h *HTTP) Name() string { return "ipx:http" }

// Allowed reports whether host passes the allow-list.
func (h *HTTP) Allowed(host string) bool {
	host, err := normalizeHost(host)
	if err != nil {
		return false
	}
	if _, ok := h.exact[host]; ok {
		return true
	}
	for _, s := range h.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// validate parses id and checks the allow-list. It never touches the network.
func (h *HTTP) validate(op, id string, opts core.StorageOptions) (string, error) {
	u, err := url.Parse(fixSchemeSlashes(id))
	if err != nil {
		return "", apperrors.BadRequest(op, CodeInvalidURL, "Invalid URL: "+id)
	}
	if u.Hostname() == "" {
		return "", apperrors.Forbidden(op, CodeMissingHostname, "Hostname is missing: "+id)
	}
	if !opts.BypassDomain && !h.Allowed(u.Hostname()) {
		return "", apperrors.Forbidden(op, CodeForbiddenHost, "Forbidden host: "+u.Hostname())
	}
	return u.String(), nil
}

// GetMeta issues a HEAD request. Allow-list violations are errors; any
// failure of the request itself yields empty metadata.
func (h *HTTP) GetMeta(ctx context.Context, id string, opts core.StorageOptions) (*core.SourceMeta, error) {
	target, err := h.validate("http.get_meta", id, opts)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(withBypass(ctx, opts), http.MethodHead, target)
	if err != nil {
		return &core.SourceMeta{}, nil
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &core.SourceMeta{}, nil
	}
	return h.parseMeta(resp.Header), nil
}

// GetData fetches the body, retrying transport errors and 502/503/504 with
// exponential backoff.
func (h *HTTP) GetData(ctx context.Context, id string, opts core.StorageOptions) ([]byte, error) {
	const op = "http.get_data"
	target, err := h.validate(op, id, opts)
	if err != nil {
		return nil, err
	}

	ctx = withBypass(ctx, opts)
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := h.fetch(ctx, op, target)
		if err != nil && !apperrors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}, backoff.WithBackOff(h.newBackOff()), backoff.WithMaxTries(uint(h.opts.Retries+1)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	return data, nil
}

func withBypass(ctx context.Context, opts core.StorageOptions) context.Context {
	if !opts.BypassDomain {
		return ctx
	}
	return context.WithValue(ctx, bypassKey{}, true)
}

func (h *HTTP) fetch(ctx context.Context, op, target string) ([]byte, error) {
	resp, err := h.do(ctx, http.MethodGet, target)
	if err != nil {
		var pe *apperrors.ProcessingError
		switch {
		case ctx.Err() != nil:
			return nil, apperrors.Wrap(apperrors.CategoryStorage, op, ctx.Err())
		case errors.As(err, &pe):
			return nil, pe
		}
		return nil, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := apperrors.Upstream(op, resp.StatusCode, resp.Status)
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			pe.Retryable = true
		}
		return nil, pe
	}

	data, err := utils.ReadAll(ctx, &utils.LimitedReader{R: resp.Body, Max: h.opts.MaxBytes})
	if errors.Is(err, utils.ErrLimitExceeded) {
		return nil, &apperrors.ProcessingError{
			Category: apperrors.CategoryUpstream,
			Op:       op,
			Code:     CodeSourceTooLarge,
			Message:  "Source image too large",
			Status:   http.StatusBadGateway,
			Err:      apperrors.ErrTooLarge,
		}
	}
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	return data, nil
}

func (h *HTTP) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range h.opts.Headers {
		req.Header.Set(k, v)
	}
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	if err := h.wait(ctx, req.URL.Hostname()); err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func (h *HTTP) parseMeta(header http.Header) *core.SourceMeta {
	meta := &core.SourceMeta{MaxAge: h.opts.MaxAge}
	if cc := header.Get("Cache-Control"); cc != "" {
		if m := maxAgeRE.FindStringSubmatch(cc); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				meta.MaxAge = &n
			}
		}
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.MTime = &t
		}
	}
	return meta
}

// wait blocks until the per-host limiter admits one request.
func (h *HTTP) wait(ctx context.Context, host string) error {
	if h.opts.RateInterval <= 0 {
		return nil
	}
	return h.limiterFor(host).Wait(ctx)
}

func (h *HTTP) limiterFor(host string) *rate.Limiter {
	h.mu.RLock()
	l, ok := h.limiters[host]
	h.mu.RUnlock()
	if ok {
		return l
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[host]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Every(h.opts.RateInterval), 1)
	h.limiters[host] = l
	return l
}

// newBackOff returns a fresh policy per fetch; ExponentialBackOff is not
// safe for concurrent use.
func (h *HTTP) newBackOff() backoff.BackOff {
	d := h.opts.RetryDelay
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d
	b.Multiplier = 2
	b.MaxInterval = 16 * d
	return b
}

// ── host helpers ──────────────────────────────────────────────────────────────

// domainHost extracts the normalised hostname of an allow-list entry.
func domainHost(d string) (string, error) {
	if !strings.Contains(d, "://") {
		d = "http://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", errors.New("missing hostname")
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}

func stripScheme(d string) string {
	if i := strings.Index(d, "://"); i >= 0 {
		return d[i+3:]
	}
	return d
}

// fixSchemeSlashes restores "scheme://" when a proxy collapsed it to
// "scheme:/".
func fixSchemeSlashes(id string) string {
	for _, scheme := range []string{"http:", "https:"} {
		if rest, ok := strings.CutPrefix(id, scheme); ok && !strings.HasPrefix(rest, "//") {
			return scheme + "//" + strings.TrimPrefix(rest, "/")
		}
	}
	return id
}
