package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		RequestsPerSec: 1000, // no throttling in tests
	})
}

func TestHTTPFetcherDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fundscope-ingest/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	body, err := testFetcher().Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestHTTPFetcherRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	body, err := testFetcher().Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherPermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testFetcher().Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcherExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testFetcher().Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherPerHostLimiters(t *testing.T) {
	f := testFetcher()
	a := f.limiterFor("https://a.example.gov/data.json")
	b := f.limiterFor("https://b.example.gov/data.json")
	assert.NotSame(t, a, b)
	assert.Same(t, a, f.limiterFor("https://a.example.gov/other.csv"))
}
