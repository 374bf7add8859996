// Package scraper handles fetching and parsing BuonaCaccia event pages.
package scraper

import (
	"bytes"
	"buonacaccia-notifier/pkg/notifier"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/html/charset"
)

// maxBodyBytes caps how much of a page is read.
const maxBodyBytes = 8 << 20

// ErrEmptyBody indicates a successful response without content.
var ErrEmptyBody = errors.New("empty response body")

// HTTPStatusError indicates a non-200 response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsPermanent reports whether err is an HTTP status that retrying will not fix.
func IsPermanent(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone, http.StatusUnauthorized:
		return true
	}
	return false
}

// Scraper fetches and parses BuonaCaccia pages.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	attempts uint
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:   client,
		logger:   logger,
		attempts: 3,
	}
}

// WithAttempts sets how many times the listing fetch is tried.
func (s *Scraper) WithAttempts(n uint) *Scraper {
	if n > 0 {
		s.attempts = n
	}
	return s
}

// ListingURL returns the listing endpoint asking for all events.
func ListingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	q := u.Query()
	q.Set("All", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchListing downloads the listing page and extracts its events.
func (s *Scraper) FetchListing(ctx context.Context, listingURL string) ([]*notifier.Event, error) {
	var body []byte

	err := retry.Do(
		func() error {
			var err error
			body, err = s.get(ctx, listingURL, "fetch_listing")
			return err
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying listing fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err) && ctx.Err() == nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}

	listing := ParseListing(bytes.NewReader(body), listingURL)
	if !listing.TableFound {
		s.logger.Warn("No events table found in listing", "url", listingURL, "bytes", len(body))
	}
	s.logger.Info("Listing parsed",
		"url", listingURL,
		"strategy", listing.Strategy,
		"rows", listing.Rows,
		"skipped_rows", listing.Skipped,
		"events", len(listing.Events))

	return listing.Events, nil
}

// FetchRegistration downloads an event detail page and reads its registration window.
// Best-effort: a single attempt, bounded by the caller's context.
func (s *Scraper) FetchRegistration(ctx context.Context, detailURL string) (opens, closes time.Time, err error) {
	body, err := s.get(ctx, detailURL, "fetch_detail")
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("fetch detail: %w", err)
	}
	opens, closes = ParseRegistrationDates(bytes.NewReader(body))
	if opens.IsZero() && closes.IsZero() {
		s.logger.Debug("No registration dates on detail page", "url", detailURL)
	}
	return opens, closes, nil
}

func (s *Scraper) get(ctx context.Context, pageURL, purpose string) ([]byte, error) {
	s.logger.Debug("HTTP request starting",
		"method", "GET",
		"url", pageURL,
		"purpose", purpose)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.8")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("HTTP request failed",
			"url", pageURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Debug("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	// Pages are served in a legacy charset; decode per Content-Type or <meta>.
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}
