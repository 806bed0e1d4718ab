// Package fetch implements the unpacker's byte-stream supplier: retrieving
// a named payload (manifest, pack, or standalone blob) either over HTTP or
// from a local directory, grounded on the reference unpacker's
// download_payload_file (source resolution relative to the manifest's own
// location, curl-equivalent transfer, decide-don't-retry on failure).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Supplier retrieves the named payload and writes it to dest.
type Supplier interface {
	Fetch(ctx context.Context, name string, dest io.Writer) error
}

// HTTPSupplier fetches payloads over HTTP(S), enforcing a long overall
// timeout and a minimum sustained throughput once the transfer has had
// time to ramp up, so a stalled connection is caught well before the
// 20-minute ceiling.
type HTTPSupplier struct {
	BaseURL        string
	Client         *http.Client
	MinBytesPerSec int64
	Warmup         time.Duration
}

// NewHTTPSupplier returns an HTTPSupplier with the default 20-minute
// overall timeout and a 4KiB/s floor enforced after a 10-second warmup.
func NewHTTPSupplier(baseURL string) *HTTPSupplier {
	return &HTTPSupplier{
		BaseURL:        baseURL,
		Client:         &http.Client{Timeout: 20 * time.Minute},
		MinBytesPerSec: 4 * 1024,
		Warmup:         10 * time.Second,
	}
}

func (s *HTTPSupplier) Fetch(ctx context.Context, name string, dest io.Writer) error {
	url := strings.TrimRight(s.BaseURL, "/") + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", name, err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", name, resp.Status)
	}

	throttled := &throughputReader{r: resp.Body, floorBytesPerSec: s.MinBytesPerSec, warmup: s.Warmup, start: time.Now()}
	if _, err := io.Copy(dest, throttled); err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	return nil
}

// throughputReader fails once the sustained transfer rate drops below
// floorBytesPerSec, but only after warmup has elapsed, so a connection is
// given time to establish before being judged.
type throughputReader struct {
	r                io.Reader
	floorBytesPerSec int64
	warmup           time.Duration
	start            time.Time
	total            int64
}

func (t *throughputReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.total += int64(n)

	if elapsed := time.Since(t.start); elapsed > t.warmup && t.floorBytesPerSec > 0 {
		rate := float64(t.total) / elapsed.Seconds()
		if rate < float64(t.floorBytesPerSec) {
			return n, fmt.Errorf("transfer stalled: %.1f B/s below floor of %d B/s", rate, t.floorBytesPerSec)
		}
	}

	return n, err
}

// DirSupplier fetches payloads from a local directory, used when the
// manifest's own location is a filesystem path rather than a URL.
type DirSupplier struct {
	Root string
}

func (s *DirSupplier) Fetch(_ context.Context, name string, dest io.Writer) error {
	f, err := os.Open(filepath.Join(s.Root, name))
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	if _, err := io.Copy(dest, f); err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	return nil
}
