package weights

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxRetries = 6

var errMaxRetriesExceeded = errors.New("max retries exceeded")

// HTTPDownloader fetches bundle archives over HTTP and extracts them.
// Supports tar and tar.gz archives.
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// Fetch downloads url and extracts the archive into destDir. Transient
// failures are retried with backoff; the returned error wraps the last
// attempt's failure.
func (d *HTTPDownloader) Fetch(ctx context.Context, url, destDir string) error {
	backoff := newBackoff(10 * time.Second)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx); err != nil {
				return err
			}
		}

		err := d.fetchOnce(ctx, url, destDir)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %v", errMaxRetriesExceeded, lastErr)
}

func (d *HTTPDownloader) fetchOnce(ctx context.Context, url, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}

	body := io.Reader(resp.Body)
	if strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz") ||
		resp.Header.Get("Content-Type") == "application/gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("reading gzip: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	return extractTar(body, destDir)
}

// extractTar unpacks a tar stream into dir, rejecting entries that would
// escape it.
func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		path := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}

			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			f.Close()
		default:
			// symlinks and the rest are dropped
		}
	}
}

// newBackoff returns a function that sleeps with n^2 growth and jitter.
func newBackoff(maxBackoff time.Duration) func(ctx context.Context) error {
	var n int
	return func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n++

		// n^2 backoff timer is a little smoother than the
		// common choice of 2^n.
		d := min(time.Duration(n*n)*10*time.Millisecond, maxBackoff)
		// Randomize the delay between 0.5-1.5 x msec, in order
		// to prevent accidental "thundering herd" problems.
		d = time.Duration(float64(d) * (rand.Float64() + 0.5))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}
