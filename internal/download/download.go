// Package download implements the file fetcher used by every provisioning
// pipeline: streaming to disk with manual redirect handling, an idle
// timeout against stalled servers, resume of interrupted transfers, and
// throttled progress reporting.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/progress"
)

// ErrStalled is returned when no data arrives within the idle window.
var ErrStalled = errors.New("download stalled: no data received within idle timeout")

const (
	defaultIdleTimeout  = 30 * time.Second
	defaultMaxRedirects = 10
	throttleInterval    = 100 * time.Millisecond
	copyBufSize         = 64 * 1024
)

// Downloader fetches URLs to local files. The zero value is not usable;
// call New.
type Downloader struct {
	client       *http.Client
	idleTimeout  time.Duration
	maxRedirects int
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithIdleTimeout overrides the stall-detection window.
func WithIdleTimeout(d time.Duration) Option {
	return func(dl *Downloader) { dl.idleTimeout = d }
}

// WithClient overrides the HTTP client. Redirect following stays manual
// regardless of the client's own policy.
func WithClient(c *http.Client) Option {
	return func(dl *Downloader) { dl.client = c }
}

// WithMaxRedirects overrides the redirect-chain limit.
func WithMaxRedirects(n int) Option {
	return func(dl *Downloader) { dl.maxRedirects = n }
}

func New(opts ...Option) *Downloader {
	dl := &Downloader{
		// No overall timeout: large artifacts may take arbitrarily long.
		// The idle timeout guards against dead connections instead.
		client:       &http.Client{Timeout: 0},
		idleTimeout:  defaultIdleTimeout,
		maxRedirects: defaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(dl)
	}
	// Redirects are resolved by hand so relative Location headers resolve
	// against the immediately preceding hop, and so Range headers survive
	// the chain.
	dl.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return dl
}

// Fetch downloads rawURL to dest, creating parent directories as needed.
// Data streams into dest+".partial" and is renamed into place only on
// success; any failure removes the partial file so no corrupt artifact
// can be mistaken for a complete one. An existing partial file is resumed
// with a Range request when the server honors it.
func (dl *Downloader) Fetch(ctx context.Context, rawURL, dest string, fn progress.Func) error {
	if fn == nil {
		fn = progress.Discard
	}
	fn = progress.Throttle(fn, throttleInterval)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperr.Wrap(fmt.Errorf("create destination directory: %w", err), "", "download")
	}

	partial := dest + ".partial"
	var offset int64
	if fi, err := os.Stat(partial); err == nil && fi.Size() > 0 {
		offset = fi.Size()
	}

	// The idle watchdog cancels this context if no chunk arrives in time.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(dl.idleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	resp, finalURL, err := dl.get(reqCtx, rawURL, offset)
	if err != nil {
		removePartial(partial)
		if stalled.Load() {
			return stallError(rawURL)
		}
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored (or was never sent) the Range header: restart.
		offset = 0
	case http.StatusPartialContent:
		// Resuming at offset.
	default:
		removePartial(partial)
		return &apperr.Error{
			Kind:     apperr.KindNetwork,
			Stage:    "download",
			Message:  fmt.Sprintf("download failed for %s: %s", finalURL, resp.Status),
			CanRetry: true,
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return apperr.Wrap(fmt.Errorf("open partial file: %w", err), "", "download")
	}

	total := resp.ContentLength
	if total > 0 {
		total += offset
	}

	written := offset
	buf := make([]byte, copyBufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(dl.idleTimeout)
			if _, writeErr := fh.Write(buf[:n]); writeErr != nil {
				_ = fh.Close()
				removePartial(partial)
				return apperr.Wrap(fmt.Errorf("write partial file: %w", writeErr), "", "download")
			}
			written += int64(n)
			fn(progress.Event{
				Stage:   "download",
				Percent: percentOf(written, total),
				Detail:  byteDetail(written, total),
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = fh.Close()
			removePartial(partial)
			if stalled.Load() {
				return stallError(rawURL)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperr.Wrap(fmt.Errorf("read response body: %w", readErr), "", "download")
		}
	}
	watchdog.Stop()

	if err := fh.Close(); err != nil {
		removePartial(partial)
		return apperr.Wrap(fmt.Errorf("close partial file: %w", err), "", "download")
	}
	if err := os.Rename(partial, dest); err != nil {
		removePartial(partial)
		return apperr.Wrap(fmt.Errorf("move download into place: %w", err), "", "download")
	}

	fn(progress.Event{Stage: "download", Percent: 100, Detail: byteDetail(written, written)})
	return nil
}

// get issues the request and walks the redirect chain by hand, resolving
// each Location (absolute or relative) against the hop that produced it.
func (dl *Downloader) get(ctx context.Context, rawURL string, offset int64) (*http.Response, string, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, rawURL, fmt.Errorf("parse url: %w", err)
	}

	for hop := 0; ; hop++ {
		if hop > dl.maxRedirects {
			return nil, current.String(), &apperr.Error{
				Kind:    apperr.KindNetwork,
				Stage:   "download",
				Message: fmt.Sprintf("too many redirects fetching %s", rawURL),
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, current.String(), fmt.Errorf("build request: %w", err)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := dl.client.Do(req)
		if err != nil {
			return nil, current.String(), apperr.Wrap(fmt.Errorf("request %s: %w", current, err), "", "download")
		}

		if !isRedirect(resp.StatusCode) {
			return resp, current.String(), nil
		}

		loc := resp.Header.Get("Location")
		_ = resp.Body.Close()
		if loc == "" {
			return nil, current.String(), &apperr.Error{
				Kind:    apperr.KindNetwork,
				Stage:   "download",
				Message: fmt.Sprintf("redirect without Location from %s", current),
			}
		}
		next, err := current.Parse(loc)
		if err != nil {
			return nil, current.String(), fmt.Errorf("resolve redirect %q: %w", loc, err)
		}
		current = next
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func percentOf(written, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(written * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

func byteDetail(written, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
	}
	return humanize.Bytes(uint64(written))
}

func removePartial(partial string) {
	_ = os.Remove(partial)
}

func stallError(rawURL string) error {
	return &apperr.Error{
		Kind:     apperr.KindNetwork,
		Stage:    "download",
		Message:  fmt.Sprintf("no data received for %s", rawURL),
		CanRetry: true,
		Err:      ErrStalled,
	}
}
