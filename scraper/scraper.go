// Package scraper fetches watched pages and fingerprints their content for
// change detection.
package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"webnotify/pkg/webnotify"
)

// HTTP403Error indicates a 403 Forbidden response (login required).
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Scraper fetches pages and computes content fingerprints.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		logger: logger,
	}
}

// Snapshot fetches pageURL and returns its current fingerprint. When
// cssSelector is non-empty the body hash covers only the text of matching
// elements; a selector that matches nothing falls back to the whole document.
func (s *Scraper) Snapshot(ctx context.Context, pageURL, cssSelector string) (webnotify.Fingerprint, error) {
	var fp webnotify.Fingerprint

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "snapshot")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}

			// Browser-like headers so sites serve the same markup a user sees
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			req.Header.Set("Upgrade-Insecure-Requests", "1")
			req.Header.Set("Cache-Control", "max-age=0")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode == http.StatusForbidden {
				s.logger.Warn("HTTP 403 Forbidden - page requires login", "url", pageURL)
				return &HTTP403Error{URL: pageURL}
			}

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			text, err := extractText(resp.Body, cssSelector)
			if err != nil {
				s.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}

			fp = webnotify.Fingerprint{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				BodyHash:     hashText(text),
				SavedAt:      time.Now().UTC(),
			}

			s.logger.Info("Page snapshot taken",
				"url", pageURL,
				"selector", cssSelector,
				"text_bytes", len(text),
				"body_hash", fp.BodyHash[:12])

			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying snapshot after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Don't retry on 403 Forbidden errors (login required)
			return !IsHTTP403Error(err)
		}),
	)

	if err != nil {
		return webnotify.Fingerprint{}, fmt.Errorf("after retries: %w", err)
	}

	return fp, nil
}

// Changed compares a fresh fingerprint against a stored one. A matching ETag
// short-circuits; otherwise the body hash decides.
func Changed(prev, curr webnotify.Fingerprint) bool {
	if prev.IsZero() {
		return false // first snapshot is a baseline, not a change
	}
	if prev.ETag != "" && curr.ETag != "" {
		return prev.ETag != curr.ETag
	}
	return prev.BodyHash != curr.BodyHash
}

func extractText(body interface{ Read([]byte) (int, error) }, cssSelector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", err
	}

	// Scripts and styles churn on every deploy; drop them before hashing
	doc.Find("script, style, noscript, template").Remove()

	if cssSelector != "" {
		sel := doc.Find(cssSelector)
		if sel.Length() > 0 {
			var parts []string
			sel.Each(func(_ int, s *goquery.Selection) {
				parts = append(parts, normalizeText(s.Text()))
			})
			return strings.Join(parts, "\n"), nil
		}
		// Selector matched nothing: hash the whole document instead of
		// reporting every sweep as a change against empty text
	}

	return normalizeText(doc.Find("body").Text()), nil
}

func normalizeText(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
