package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// originServer counts requests and serves a fixed body.
func originServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Hostname()
}

func TestHTTPForbiddenHostBeforeFetch(t *testing.T) {
	srv, hits := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{"example.com"}, Client: srv.Client()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.GetMeta(ctx, "https://evil.com/x.jpg", core.StorageOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apperrors.StatusOf(err))
	assert.Equal(t, CodeForbiddenHost, apperrors.CodeOf(err))

	_, err = s.GetData(ctx, srv.URL+"/x.jpg", core.StorageOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeForbiddenHost, apperrors.CodeOf(err))
	assert.Zero(t, atomic.LoadInt32(hits), "no request may reach the origin")
}

func TestHTTPMissingHostname(t *testing.T) {
	s, err := NewHTTP(HTTPOptions{Domains: []string{"example.com"}})
	require.NoError(t, err)
	for _, id := range []string{"https:///x.jpg", "file:///etc/passwd", "/relative.png"} {
		_, err = s.GetMeta(context.Background(), id, core.StorageOptions{BypassDomain: true})
		require.Error(t, err, id)
		assert.Equal(t, http.StatusForbidden, apperrors.StatusOf(err), id)
		assert.Equal(t, CodeMissingHostname, apperrors.CodeOf(err), id)
	}
}

func TestHTTPAllowList(t *testing.T) {
	s, err := NewHTTP(HTTPOptions{Domains: []string{
		"example.com", "https://IMAGES.Example.org/path", "*.cdn.net", "bücher.de",
	}})
	require.NoError(t, err)

	assert.True(t, s.Allowed("example.com"))
	assert.True(t, s.Allowed("EXAMPLE.COM"))
	assert.True(t, s.Allowed("images.example.org"))
	assert.True(t, s.Allowed("a.cdn.net"))
	assert.True(t, s.Allowed("a.b.cdn.net"))
	assert.True(t, s.Allowed("xn--bcher-kva.de"))
	assert.True(t, s.Allowed("bücher.de"))
	assert.False(t, s.Allowed("cdn.net"))
	assert.False(t, s.Allowed("sub.example.com"))
	assert.False(t, s.Allowed("evil.com"))
}

func TestHTTPMetaAndData(t *testing.T) {
	lastMod := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv, _ := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=600")
		w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte("image-bytes"))
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, Client: srv.Client()})
	require.NoError(t, err)

	ctx := context.Background()
	meta, err := s.GetMeta(ctx, srv.URL+"/a.png", core.StorageOptions{})
	require.NoError(t, err)
	require.NotNil(t, meta.MaxAge)
	assert.Equal(t, 600, *meta.MaxAge)
	require.NotNil(t, meta.MTime)
	assert.True(t, meta.MTime.Equal(lastMod))

	data, err := s.GetData(ctx, srv.URL+"/a.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestHTTPHeadFailureYieldsEmptyMeta(t *testing.T) {
	srv, _ := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte("ok"))
	})
	age := 120
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, MaxAge: &age, Client: srv.Client()})
	require.NoError(t, err)

	meta, err := s.GetMeta(context.Background(), srv.URL+"/a.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Equal(t, &core.SourceMeta{}, meta)
}

func TestHTTPUpstreamStatusPropagates(t *testing.T) {
	srv, hits := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, Retries: 3, Client: srv.Client()})
	require.NoError(t, err)

	_, err = s.GetData(context.Background(), srv.URL+"/missing.png", core.StorageOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperrors.StatusOf(err))
	assert.Equal(t, "IPX_FETCH_ERROR", apperrors.CodeOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(hits), "4xx is not retried")
}

func TestHTTPRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv, _ := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("third time"))
	})
	s, err := NewHTTP(HTTPOptions{
		Domains:    []string{hostOf(t, srv.URL)},
		Retries:    2,
		RetryDelay: time.Millisecond,
		Client:     srv.Client(),
	})
	require.NoError(t, err)

	data, err := s.GetData(context.Background(), srv.URL+"/a.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "third time", string(data))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestHTTPBypassDomain(t *testing.T) {
	srv, _ := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("trusted"))
	})
	s, err := NewHTTP(HTTPOptions{Client: srv.Client()})
	require.NoError(t, err)

	_, err = s.GetData(context.Background(), srv.URL+"/a.png", core.StorageOptions{})
	assert.Equal(t, http.StatusForbidden, apperrors.StatusOf(err))

	data, err := s.GetData(context.Background(), srv.URL+"/a.png", core.StorageOptions{BypassDomain: true})
	require.NoError(t, err)
	assert.Equal(t, "trusted", string(data))
}

func TestHTTPRedirectsStayOnAllowList(t *testing.T) {
	internal, internalHits := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("SECRET-INTERNAL"))
	})
	iu, err := url.Parse(internal.URL)
	require.NoError(t, err)
	internalURL := "http://localhost:" + iu.Port()

	srv, hits := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png":
			http.Redirect(w, r, internalURL+"/secret", http.StatusFound)
		case "/hop.png":
			http.Redirect(w, r, "/b.png", http.StatusMovedPermanently)
		default:
			w.Write([]byte("same-host"))
		}
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, Retries: 2, RetryDelay: time.Millisecond, Client: srv.Client()})
	require.NoError(t, err)
	ctx := context.Background()

	data, err := s.GetData(ctx, srv.URL+"/a.png", core.StorageOptions{})
	require.Error(t, err)
	assert.Empty(t, data)
	assert.Equal(t, http.StatusForbidden, apperrors.StatusOf(err))
	assert.Equal(t, CodeForbiddenHost, apperrors.CodeOf(err))
	assert.EqualValues(t, 0, atomic.LoadInt32(internalHits))
	assert.EqualValues(t, 1, atomic.LoadInt32(hits), "a forbidden redirect is not retried")

	data, err = s.GetData(ctx, srv.URL+"/hop.png", core.StorageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "same-host", string(data))

	data, err = s.GetData(ctx, srv.URL+"/a.png", core.StorageOptions{BypassDomain: true})
	require.NoError(t, err)
	assert.Equal(t, "SECRET-INTERNAL", string(data))
}

func TestHTTPRetriesGiveUp(t *testing.T) {
	srv, hits := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, Retries: 2, RetryDelay: time.Millisecond, Client: srv.Client()})
	require.NoError(t, err)

	_, err = s.GetData(context.Background(), srv.URL+"/a.png", core.StorageOptions{})
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusOf(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestHTTPMaxBytes(t *testing.T) {
	srv, _ := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	})
	s, err := NewHTTP(HTTPOptions{Domains: []string{hostOf(t, srv.URL)}, MaxBytes: 100, Client: srv.Client()})
	require.NoError(t, err)

	_, err = s.GetData(context.Background(), srv.URL+"/big.png", core.StorageOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeSourceTooLarge, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, apperrors.ErrTooLarge)
}

func TestHTTPRateLimiterPerHost(t *testing.T) {
	s, err := NewHTTP(HTTPOptions{RateInterval: time.Second})
	require.NoError(t, err)
	assert.Same(t, s.limiterFor("a.com"), s.limiterFor("a.com"))
	assert.NotSame(t, s.limiterFor("a.com"), s.limiterFor("b.com"))
}

func TestFixSchemeSlashes(t *testing.T) {
	assert.Equal(t, "https://example.com/a.jpg", fixSchemeSlashes("https:/example.com/a.jpg"))
	assert.Equal(t, "http://example.com/a.jpg", fixSchemeSlashes("http://example.com/a.jpg"))
	assert.Equal(t, "/local.jpg", fixSchemeSlashes("/local.jpg"))
}
