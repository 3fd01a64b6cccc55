// Package fetcher downloads and parses provider data from HTTP, FTP, CSV,
// JSON, and XLSX sources.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Dispatcher routes downloads to the right transport by URL scheme.
type Dispatcher struct {
	HTTP Fetcher
	FTP  Fetcher
}

// Download picks the fetcher for the URL's scheme and delegates.
func (d *Dispatcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse url %s", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return d.HTTP.Download(ctx, rawURL)
	case "ftp":
		return d.FTP.Download(ctx, rawURL)
	default:
		return nil, eris.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
}
