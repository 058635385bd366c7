package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/sd-builder/internal/logger"
)

const (
	// DefaultAttempts is the retry budget for one download.
	DefaultAttempts = 3

	// DefaultBackoff is the wait before the first retry; it doubles on
	// every further attempt.
	DefaultBackoff = 500 * time.Millisecond

	// defaultTimeout bounds a single download attempt.
	defaultTimeout = 10 * time.Minute

	// maxDownloadSize caps a single asset. Card content is tens of
	// megabytes at most; anything near this limit is a broken source.
	maxDownloadSize = 256 << 20

	// defaultDirMode is the permission for created destination directories.
	defaultDirMode = 0o755
)

// errTooLarge is returned when a response exceeds maxDownloadSize.
var errTooLarge = errors.New("download exceeds the size limit")

// Config holds the parameters for creating a Downloader.
type Config struct {
	// HTTPClient is used for all requests. Defaults to a client with a
	// generous per-attempt timeout.
	HTTPClient *http.Client
	// Attempts overrides the retry budget.
	Attempts int
	// Backoff overrides the initial retry delay.
	Backoff time.Duration
}

// Downloader retrieves files over HTTP.
type Downloader struct {
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
}

// Request describes one file download.
type Request struct {
	// URL is the download location.
	URL string
	// Dest is the final path the file is renamed to after verification.
	Dest string
	// ExpectedSize is the declared size in bytes; 0 means unknown, in
	// which case only non-emptiness is verified.
	ExpectedSize int64
}

// New creates a Downloader from the provided configuration.
func New(cfg Config) *Downloader {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	return &Downloader{
		httpClient: httpClient,
		attempts:   attempts,
		backoff:    backoff,
	}
}

// Download retrieves the file described by req, driving single attempts
// through the retry budget. Transport errors, 5xx responses and integrity
// mismatches are retried; other failures abort immediately.
func (d *Downloader) Download(ctx context.Context, req Request) error {
	var (
		lastErr error
		made    int
	)

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			wait := d.backoff << (attempt - 2)

			logger.DebugKV(ctx, "Waiting before retry",
				"url", req.URL,
				"attempt", attempt,
				"backoff", wait.String())

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		made = attempt

		retryable, err := d.attempt(ctx, req)
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryable {
			break
		}

		logger.WarnKV(ctx, "Download attempt failed",
			"url", req.URL,
			"attempt", attempt,
			"error", err)
	}

	return &Error{URL: req.URL, Attempts: made, Err: lastErr}
}

// attempt performs exactly one download try with no retry policy of its
// own. The boolean reports whether the failure is worth retrying.
func (d *Downloader) attempt(ctx context.Context, req Request) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return false, err
	}

	response, err := d.httpClient.Do(request)
	if err != nil {
		// Transport-level failures are usually transient.
		return true, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		retryable := response.StatusCode >= 500 ||
			response.StatusCode == http.StatusTooManyRequests ||
			response.StatusCode == http.StatusRequestTimeout

		return retryable, fmt.Errorf("unexpected status %s", response.Status)
	}

	return d.writeVerified(req, response.Body)
}

// writeVerified streams the body into a temporary file, verifies it and
// renames it onto the destination.
func (d *Downloader) writeVerified(req Request, body io.Reader) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(req.Dest), defaultDirMode); err != nil {
		return false, err
	}

	temporary, err := os.CreateTemp(filepath.Dir(req.Dest), ".download-*")
	if err != nil {
		return false, err
	}

	written, copyErr := io.Copy(temporary, io.LimitReader(body, maxDownloadSize+1))
	closeErr := temporary.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(temporary.Name())

		if copyErr != nil {
			return true, copyErr
		}

		return true, closeErr
	}

	if written > maxDownloadSize {
		_ = os.Remove(temporary.Name())

		return false, errTooLarge
	}

	if req.ExpectedSize > 0 && written != req.ExpectedSize {
		_ = os.Remove(temporary.Name())

		return true, &IntegrityError{URL: req.URL, Expected: req.ExpectedSize, Actual: written}
	}

	if written == 0 {
		_ = os.Remove(temporary.Name())

		return true, &IntegrityError{URL: req.URL}
	}

	if err = os.Rename(temporary.Name(), req.Dest); err != nil {
		_ = os.Remove(temporary.Name())

		return false, err
	}

	return false, nil
}
