package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fundscope/ingest-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	RequestsPerSec float64
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting
// and transient-error retry.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fundscope-ingest/1.0"
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2.0
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the rate limiter for the URL's host, creating one on
// first use. Government data portals throttle aggressively; one limiter per
// host keeps parallel sources independent.
func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.RequestsPerSec), 1)
		f.limiters[host] = lim
	}
	return lim
}

// Download fetches the URL and returns the response body. The caller must
// close the returned ReadCloser.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = f.opts.MaxRetries
	retryCfg.OnRetry = resilience.RetryLogger(rawURL, "download")

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (io.ReadCloser, error) {
		if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetch: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "fetch: get %s", rawURL)
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			statusErr := eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				zap.L().Warn("fetch: transient http status",
					zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}

		return resp.Body, nil
	})
}
