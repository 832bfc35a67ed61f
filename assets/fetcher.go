package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 250 * time.Millisecond
	maxModelBytes   = 512 << 20
)

var (
	ErrModelUnavailable = errors.New("model artifact unavailable")
	ErrNotFound         = errors.New("model artifact not found")
	ErrEmptyArtifact    = errors.New("model artifact is empty")
	ErrTooLarge         = errors.New("model artifact exceeds size limit")
)

// Fetcher loads a model artifact from the first location that serves it.
// Locations are http(s) URLs or local file paths, tried in order.
type Fetcher struct {
	Locations []string
	Attempts  int
	Backoff   time.Duration
	// MaxBytes caps the artifact size; larger artifacts are rejected.
	MaxBytes int64
	Client   *http.Client
	Log      logrus.FieldLogger
}

// Fetch returns the artifact bytes. Transient failures are retried up to
// Attempts times per location; a missing artifact moves on to the next
// location immediately.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if len(f.Locations) == 0 {
		return nil, fmt.Errorf("%w: no locations configured", ErrModelUnavailable)
	}

	attempts := f.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	var lastErr error
	for _, location := range f.Locations {
		for attempt := 1; attempt <= attempts; attempt++ {
			data, err := f.fetchOnce(ctx, location)
			if err == nil {
				f.logger().WithFields(logrus.Fields{
					"location": location,
					"bytes":    len(data),
					"attempt":  attempt,
				}).Info("model artifact loaded")
				return data, nil
			}
			lastErr = fmt.Errorf("%s: %w", location, err)

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isTransient(err) {
				f.logger().WithError(err).WithField("location", location).Warn("model location failed, trying next")
				break
			}

			f.logger().WithError(err).WithFields(logrus.Fields{
				"location": location,
				"attempt":  attempt,
			}).Warn("model fetch failed")

			if attempt < attempts {
				select {
				case <-time.After(time.Duration(attempt) * backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, location string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, err = f.fetchHTTP(ctx, location)
	} else {
		data, err = readFile(strings.TrimPrefix(location, "file://"))
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyArtifact
	}
	if int64(len(data)) > f.maxBytes() {
		return nil, &permanentError{fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes())}
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &permanentError{err}
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server responded %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, &permanentError{fmt.Errorf("server responded %s", resp.Status)}
	}

	// one byte past the limit is enough to tell an oversized artifact apart
	return io.ReadAll(io.LimitReader(resp.Body, f.maxBytes()+1))
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return maxModelBytes
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &permanentError{err}
	}
	return data, nil
}

func (f *Fetcher) logger() logrus.FieldLogger {
	if f.Log != nil {
		return f.Log
	}
	return logrus.StandardLogger()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyArtifact) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}
