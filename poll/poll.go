// Package poll sweeps watched URLs and records notifications when page
// content changes.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"webnotify/pkg/webnotify"
	"webnotify/scraper"
)

// Cap on stored notifications per account; the oldest fall off.
const maxStoredNotifications = 100

// Snapshotter fetches a page fingerprint.
type Snapshotter interface {
	Snapshot(ctx context.Context, pageURL, cssSelector string) (webnotify.Fingerprint, error)
}

// Store persists account state.
type Store interface {
	Save(ctx context.Context, acct *webnotify.Account) error
	List(ctx context.Context) ([]*webnotify.Account, error)
}

// Alerter pushes notifications out-of-band. May be nil-free via mock.
type Alerter interface {
	Notify(ctx context.Context, email string, n *webnotify.Notification) error
}

// Monitor drives change detection across all accounts.
type Monitor struct {
	snaps   Snapshotter
	store   Store
	alerter Alerter
	logger  *slog.Logger

	mu       sync.Mutex
	sweeping bool
}

// New creates a new poll monitor.
func New(snaps Snapshotter, store Store, alerter Alerter, logger *slog.Logger) *Monitor {
	return &Monitor{
		snaps:   snaps,
		store:   store,
		alerter: alerter,
		logger:  logger,
	}
}

// Run ticks every interval and sweeps all accounts until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.logger.Info("Monitor loop starting", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor loop stopping", "error", ctx.Err())
			return
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				m.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// CheckAll sweeps every account with monitoring enabled. Overlapping sweeps
// are skipped rather than stacked.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	if m.sweeping {
		m.mu.Unlock()
		m.logger.Info("Sweep already in flight, skipping")
		return nil
	}
	m.sweeping = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sweeping = false
		m.mu.Unlock()
	}()

	accts, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	now := time.Now().UTC()
	m.logger.Info("Checking accounts", "count", len(accts), "timestamp", now.Format(time.RFC3339))

	var totalURLs, skippedURLs int
	for _, acct := range accts {
		if !acct.MonitoringEnabled {
			continue
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping sweep", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		checked, skipped := m.CheckAccount(ctx, acct, now)
		totalURLs += checked + skipped
		skippedURLs += skipped
	}

	m.logger.Info("Sweep completed",
		"total_urls", totalURLs,
		"checked", totalURLs-skippedURLs,
		"skipped", skippedURLs)

	return nil
}

// CheckAccount checks each of one account's URLs that is due, and saves the
// account once if anything was touched. Returns checked and skipped counts.
func (m *Monitor) CheckAccount(ctx context.Context, acct *webnotify.Account, now time.Time) (checked, skipped int) {
	var touched bool

	for _, w := range acct.URLs {
		interval := CalculateInterval(w.LastChangedAt, w.LastCheckedAt)
		if now.Sub(w.LastCheckedAt) < interval {
			m.logger.Debug("Skipping URL (not due)",
				"email", acct.Email,
				"url", w.URL,
				"last_checked", w.LastCheckedAt.Format(time.RFC3339),
				"interval", interval.String())
			skipped++
			continue
		}

		checked++
		touched = true
		if err := m.checkURL(ctx, acct, w, now); err != nil {
			m.logger.Warn("URL check failed", "email", acct.Email, "url", w.URL, "error", err)
			// Continue with other URLs despite errors
		}
	}

	if touched {
		if err := m.store.Save(ctx, acct); err != nil {
			m.logger.Error("Failed to save account after sweep", "email", acct.Email, "error", err)
		}
	}
	return checked, skipped
}

func (m *Monitor) checkURL(ctx context.Context, acct *webnotify.Account, w *webnotify.WatchedURL, now time.Time) error {
	m.logger.Info("Starting URL check",
		"email", acct.Email,
		"url", w.URL,
		"selector", w.CSSSelector)

	curr, err := m.snaps.Snapshot(ctx, w.URL, w.CSSSelector)
	if err != nil {
		w.LastCheckedAt = now
		return fmt.Errorf("snapshot: %w", err)
	}

	prev := w.Fingerprint
	w.Fingerprint = curr
	w.LastCheckedAt = now

	if prev.IsZero() {
		// First check: record the baseline without notifying
		m.logger.Info("Baseline fingerprint recorded", "email", acct.Email, "url", w.URL)
		return nil
	}

	if !scraper.Changed(prev, curr) {
		return nil
	}

	w.LastChangedAt = now
	n := &webnotify.Notification{
		ID:         uuid.NewString(),
		Title:      "Change detected",
		Message:    fmt.Sprintf("Content changed at %s", w.URL),
		Link:       w.URL,
		DetectedAt: now,
	}
	if w.CSSSelector != "" {
		n.Message = fmt.Sprintf("Content changed at %s (selector %s)", w.URL, w.CSSSelector)
	}

	// Newest first; oldest beyond the cap fall off
	acct.Notifications = append([]*webnotify.Notification{n}, acct.Notifications...)
	if len(acct.Notifications) > maxStoredNotifications {
		acct.Notifications = acct.Notifications[:maxStoredNotifications]
	}

	m.logger.Info("Change detected",
		"email", acct.Email,
		"url", w.URL,
		"notification_id", n.ID,
		"previous_hash", shortHash(prev.BodyHash),
		"current_hash", shortHash(curr.BodyHash))

	if m.alerter != nil {
		if err := m.alerter.Notify(ctx, acct.Email, n); err != nil {
			// Log but don't fail the check; the in-app queue already has it
			m.logger.Warn("Alert delivery failed", "email", acct.Email, "error", err)
		}
	}

	return nil
}

// CalculateInterval determines how often to check a URL based on activity.
// Pages that changed recently are checked often; stale pages back off.
func CalculateInterval(lastChangedAt, lastCheckedAt time.Time) time.Duration {
	// Never checked or never seen a change: check now
	if lastCheckedAt.IsZero() || lastChangedAt.IsZero() {
		return 0
	}

	timeSinceChange := time.Since(lastChangedAt)

	var interval time.Duration
	switch {
	case timeSinceChange < 30*time.Minute:
		interval = time.Minute
	case timeSinceChange < 2*time.Hour:
		interval = 2 * time.Minute
	case timeSinceChange < 6*time.Hour:
		interval = 5 * time.Minute
	case timeSinceChange < 24*time.Hour:
		interval = 15 * time.Minute
	default:
		interval = time.Hour
	}

	return interval
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
