// Package snapshot opens dataset snapshots from local files or HTTP URLs and
// streams their CSV rows into typed records.
package snapshot

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/resilience"
)

// Opener resolves snapshot locations.
type Opener struct {
	client *http.Client
	retry  resilience.RetryPolicy
}

// NewOpener returns an Opener whose HTTP downloads time out after timeout.
func NewOpener(timeout time.Duration) *Opener {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Opener{
		client: &http.Client{Timeout: timeout},
		retry:  resilience.DefaultRetryPolicy(),
	}
}

// Open returns a reader for location, which is either a file path or an
// http(s) URL. Locations ending in .gz are decompressed transparently.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		body, err := resilience.Retry(ctx, o.retry, "snapshot download", func(ctx context.Context) (io.ReadCloser, error) {
			return o.download(ctx, location)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: download %s", location)
		}
		rc = body
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: open %s", location)
		}
		rc = f
	}

	if !strings.HasSuffix(location, ".gz") {
		return rc, nil
	}
	gz, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, eris.Wrapf(err, "snapshot: gunzip %s", location)
	}
	return &gzipReadCloser{Reader: gz, under: rc}, nil
}

func (o *Opener) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: create request")
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &resilience.StatusError{Upstream: "snapshot", StatusCode: resp.StatusCode}
	}
	zap.L().Debug("snapshot: downloading", zap.String("url", url), zap.Int64("bytes", resp.ContentLength))
	return resp.Body, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Close() error {
	gerr := g.Reader.Close()
	if err := g.under.Close(); err != nil {
		return err
	}
	return gerr
}
