package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastFetchConfig() {
	SetDefaultConfig()
	Config.Fetcher.RetryWaitMin = "1ms"
	Config.Fetcher.MaxRetries = 2
}

func TestFetchSuccess(t *testing.T) {
	fastFetchConfig()
	defer SetDefaultConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, Config.Fetcher.UserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL+"/page"))
	require.NoError(t, err)
	assert.Equal(t, 200, fr.StatusCode)
	assert.Equal(t, "text/html", fr.ContentType)
	assert.True(t, fr.IsHTML())
	assert.Contains(t, string(fr.Body), "hello")
	assert.False(t, fr.InsecureTLS)
}

func TestFetchFollowsRedirects(t *testing.T) {
	fastFetchConfig()
	defer SetDefaultConfig()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "moved here")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL+"/old"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", fr.FinalURL.String())
	assert.Equal(t, srv.URL+"/old", fr.URL.String())
}

func TestFetchBodyCapped(t *testing.T) {
	fastFetchConfig()
	Config.Fetcher.MaxContentSizeBytes = 16
	defer SetDefaultConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 1000; i++ {
			fmt.Fprint(w, "0123456789")
		}
	}))
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL))
	require.NoError(t, err)
	assert.Len(t, fr.Body, 16)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	fastFetchConfig()
	defer SetDefaultConfig()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "finally")
	}))
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 200, fr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchReturns404AsResult(t *testing.T) {
	fastFetchConfig()
	defer SetDefaultConfig()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL+"/missing"))
	require.NoError(t, err)
	assert.Equal(t, 404, fr.StatusCode)
}

func TestFetchTLSFallback(t *testing.T) {
	fastFetchConfig()
	Config.Fetcher.MaxRetries = 0
	defer SetDefaultConfig()

	// httptest's TLS server uses a self-signed certificate the verifying
	// client rejects, which exercises the insecure fallback
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "over tls")
	}))
	defer srv.Close()

	f := NewFetcher()
	fr, err := f.Fetch(context.Background(), MustParse(srv.URL))
	require.NoError(t, err)
	assert.True(t, fr.InsecureTLS)
	assert.Contains(t, string(fr.Body), "over tls")
}

func TestFetchTransportErrorIsTransient(t *testing.T) {
	fastFetchConfig()
	Config.Fetcher.MaxRetries = 0
	defer SetDefaultConfig()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), MustParse("http://localhost:1/unreachable"))
	require.Error(t, err)
	assert.True(t, IsKind(err, Transient))
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "text/html", mediaType("text/html; charset=utf-8"))
	assert.Equal(t, "application/pdf", mediaType("Application/PDF"))
	assert.Equal(t, "", mediaType(""))
}
