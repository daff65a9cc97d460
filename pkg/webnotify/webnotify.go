// Package webnotify contains the core domain types for the URL change
// notification service.
package webnotify

import "time"

// Fingerprint captures what we knew about a page the last time we fetched it.
// ETag and LastModified come from response headers; BodyHash is a SHA-256 of
// the selector-scoped visible text.
type Fingerprint struct {
	SavedAt      time.Time `json:"saved_at"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	BodyHash     string    `json:"body_hash,omitempty"`
}

// IsZero reports whether no snapshot has been recorded yet.
func (f Fingerprint) IsZero() bool {
	return f.ETag == "" && f.LastModified == "" && f.BodyHash == ""
}

// WatchedURL is a user-registered page monitored for changes, optionally
// scoped to a CSS selector.
type WatchedURL struct {
	CreatedAt     time.Time   `json:"created_at"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
	LastChangedAt time.Time   `json:"last_changed_at"`
	URL           string      `json:"url"`
	CSSSelector   string      `json:"css_selector,omitempty"`
	Fingerprint   Fingerprint `json:"fingerprint"`
}

// Notification is one detected change event, pending until the client marks
// it played.
type Notification struct {
	DetectedAt time.Time `json:"detected_at"`
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Link       string    `json:"link,omitempty"`
	Seen       bool      `json:"seen"`
	Played     bool      `json:"played"`
}

// Settings is the per-account alarm configuration.
type Settings struct {
	RingCount int  `json:"ring_count"` // repetitions per alarm, 1..5
	Volume    int  `json:"volume"`     // 0..100
	PlayLoop  bool `json:"play_loop"`
}

const (
	MinRingCount = 1
	MaxRingCount = 5
)

// DefaultSettings returns the settings assigned to a fresh account.
func DefaultSettings() Settings {
	return Settings{RingCount: 1, Volume: 80, PlayLoop: true}
}

// ValidRingCount reports whether c is an acceptable ring count.
func ValidRingCount(c int) bool {
	return c >= MinRingCount && c <= MaxRingCount
}

// Ringtone is metadata for an uploaded alarm sound. The audio bytes live in
// storage next to the account document.
type Ringtone struct {
	UploadedAt  time.Time `json:"uploaded_at"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
}

// Account is one user's full server-side state.
type Account struct {
	CreatedAt         time.Time       `json:"created_at"`
	Email             string          `json:"email"`
	PasswordHash      string          `json:"password_hash"`
	Settings          Settings        `json:"settings"`
	URLs              []*WatchedURL   `json:"urls"`
	Notifications     []*Notification `json:"notifications"`
	Ringtone          *Ringtone       `json:"ringtone,omitempty"`
	MonitoringEnabled bool            `json:"monitoring_enabled"`
}

// URL returns the watched entry for url, or nil.
func (a *Account) URL(url string) *WatchedURL {
	for _, w := range a.URLs {
		if w.URL == url {
			return w
		}
	}
	return nil
}

// Pending returns unplayed notifications, newest first. Notifications is
// kept ordered newest-first on insert, so this is a filter.
func (a *Account) Pending() []*Notification {
	var out []*Notification
	for _, n := range a.Notifications {
		if !n.Played {
			out = append(out, n)
		}
	}
	return out
}
