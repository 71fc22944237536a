// Package feed retrieves a property's calendar feed and normalizes it into
// busy-date intervals keyed by the feed's event UID.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pearcec/proppilot/internal/logging"
)

const (
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 30 * time.Second
	// MaxBodyBytes caps the size of an accepted feed.
	MaxBodyBytes = 10 << 20
	defaultAgent = "proppilot/1"
)

// FetchError reports a feed that could not be retrieved or understood.
type FetchError struct {
	PropertyID string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.PropertyID, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.PropertyID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is or wraps a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Fetcher downloads feeds over HTTP(S). It keeps no cache between calls.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *logging.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger *logging.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		userAgent: defaultAgent,
		logger:    logging.OrNop(logger).Component("feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url and returns its intervals with duplicate UIDs collapsed
// and cancelled entries removed.
// Any failure is returned as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, propertyID, url string) ([]Interval, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fail := func(status int, err error) error {
		return &FetchError{PropertyID: propertyID, URL: url, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fail(0, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fail(resp.StatusCode, fmt.Errorf("status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fail(0, fmt.Errorf("read feed: %w", err))
	}
	if len(body) > MaxBodyBytes {
		return nil, fail(0, fmt.Errorf("feed larger than %d bytes", MaxBodyBytes))
	}
	intervals, skipped, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fail(0, err)
	}
	collapsed := Active(Collapse(intervals))

	f.logger.Debug("feed fetched",
		"property", propertyID,
		"events", len(intervals),
		"unique", len(collapsed),
		"skipped", skipped,
		"duration", time.Since(start))
	return collapsed, nil
}
