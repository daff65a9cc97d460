// Package client is the Go API client for the webnotify server. Every
// authenticated call takes an explicit Session rather than sharing a mutable
// global token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnauthenticated is returned before any network call when no session
	// token is present.
	ErrUnauthenticated = errors.New("client: no session, login first")
	// ErrInvalidCredentials is returned when the server rejects a login.
	ErrInvalidCredentials = errors.New("client: invalid credentials")
	// ErrInvalidURL is returned when a watch URL does not use an HTTP scheme.
	ErrInvalidURL = errors.New("client: url must start with http:// or https://")
	// ErrInvalidRingCount is returned for ring counts outside [1,5].
	ErrInvalidRingCount = errors.New("client: ring_count must be between 1 and 5")
	// ErrUnsupportedType is returned for sound uploads outside the audio allow-list.
	ErrUnsupportedType = errors.New("client: unsupported sound content type")
)

// allowedUploadTypes mirrors the server's ringtone allow-list so bad uploads
// never leave the machine.
var allowedUploadTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/mp4":   true,
	"audio/aac":   true,
	"audio/wav":   true,
	"audio/x-wav": true,
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: server returned %d", e.Code)
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Code, e.Message)
}

// Session holds the bearer token issued by login. The zero value is
// unauthenticated.
type Session struct {
	Token string
	Email string
}

func (s *Session) valid() bool {
	return s != nil && s.Token != ""
}

// WatchedURL is one watched page as listed by the server.
type WatchedURL struct {
	URL         string `json:"url"`
	CSSSelector string `json:"css_selector"`
}

// Settings is the per-account alarm configuration.
type Settings struct {
	RingCount           int    `json:"ring_count"`
	Volume              int    `json:"volume"`
	PlayLoop            bool   `json:"play_loop"`
	DefaultRingtoneURL  string `json:"default_ringtone_url"`
	DefaultRingtoneName string `json:"default_ringtone_name"`
}

// Notification is one pending change notice.
type Notification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Link       string `json:"link"`
	DetectedAt string `json:"detected_at"`
}

// Client performs HTTP calls against a webnotify server. Calls are not
// retried; a failure is terminal for that operation only.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// New creates a client for the server at baseURL. A nil httpClient gets a
// default with a 30 second timeout.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Register creates an account and returns a live session for it.
func (c *Client) Register(ctx context.Context, email, password string) (*Session, error) {
	return c.credentials(ctx, "/api/register/", email, password)
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	return c.credentials(ctx, "/api/login/", email, password)
}

func (c *Client) credentials(ctx context.Context, path, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	if resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	var out struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if out.Access == "" {
		return nil, errors.New("client: server returned no access token")
	}

	c.logger.Info("Session established", "email", email)
	return &Session{Token: out.Access, Email: email}, nil
}

// ListURLs returns the watched URLs in server order.
func (c *Client) ListURLs(ctx context.Context, sess *Session) ([]WatchedURL, error) {
	var urls []WatchedURL
	if err := c.getJSON(ctx, sess, "/api/urls/", &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

// AddURL registers a page to watch. The scheme is validated before any
// network call.
func (c *Client) AddURL(ctx context.Context, sess *Session, pageURL, cssSelector string) error {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ErrInvalidURL
	}
	return c.postJSON(ctx, sess, "/api/urls/", map[string]string{
		"url":          strings.TrimSpace(pageURL),
		"css_selector": strings.TrimSpace(cssSelector),
	}, nil)
}

// RemoveURL deletes a watched URL. The response status is deliberately not
// inspected; removal is idempotent server-side and callers refresh the list
// afterwards either way.
func (c *Client) RemoveURL(ctx context.Context, sess *Session, pageURL string) error {
	if !sess.valid() {
		return ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/urls/"+url.PathEscape(pageURL), http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete url: %w", err)
	}
	c.closeBody(resp)

	if resp.StatusCode >= 300 {
		c.logger.Warn("Remove URL returned non-success status", "url", pageURL, "status", resp.StatusCode)
	}
	return nil
}

// UploadSound uploads alarm audio. The content type is checked against the
// allow-list before any network call.
func (c *Client) UploadSound(ctx context.Context, sess *Session, filename, contentType string, audio io.Reader) error {
	if !allowedUploadTypes[contentType] {
		return ErrUnsupportedType
	}
	if !sess.valid() {
		return ErrUnauthenticated
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="sound"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sound/", &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload sound: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	c.logger.Info("Sound uploaded", "filename", filename, "content_type", contentType)
	return nil
}

// FetchSound downloads the stored alarm audio and its content type.
func (c *Client) FetchSound(ctx context.Context, sess *Session) ([]byte, string, error) {
	if !sess.valid() {
		return nil, "", ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sound/", http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch sound: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode >= 300 {
		return nil, "", c.statusError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read sound: %w", err)
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

// FetchSettings returns the stored alarm settings.
func (c *Client) FetchSettings(ctx context.Context, sess *Session) (Settings, error) {
	var out struct {
		Settings Settings `json:"settings"`
	}
	if err := c.getJSON(ctx, sess, "/api/settings/", &out); err != nil {
		return Settings{}, err
	}
	return out.Settings, nil
}

// UpdateRingCount sets how many times the alarm repeats. The range is
// validated before any network call.
func (c *Client) UpdateRingCount(ctx context.Context, sess *Session, ringCount int) error {
	if ringCount < 1 || ringCount > 5 {
		return ErrInvalidRingCount
	}
	return c.postJSON(ctx, sess, "/api/settings/", map[string]int{"ring_count": ringCount}, nil)
}

// StartMonitoring enables server-side change detection for the account.
func (c *Client) StartMonitoring(ctx context.Context, sess *Session) error {
	return c.postJSON(ctx, sess, "/api/start_monitoring/", nil, nil)
}

// StopMonitoring disables server-side change detection.
func (c *Client) StopMonitoring(ctx context.Context, sess *Session) error {
	return c.postJSON(ctx, sess, "/api/stop_monitoring/", nil, nil)
}

// FetchNotifications returns the pending notifications, newest first.
func (c *Client) FetchNotifications(ctx context.Context, sess *Session) ([]Notification, error) {
	var out []Notification
	if err := c.getJSON(ctx, sess, "/api/notifications/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead acknowledges handled notifications so the next poll does not
// redeliver them.
func (c *Client) MarkRead(ctx context.Context, sess *Session, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.postJSON(ctx, sess, "/api/notifications/mark-read/", map[string]any{
		"ids":    ids,
		"played": true,
	}, nil)
}

// ClearAll acknowledges every pending notification.
func (c *Client) ClearAll(ctx context.Context, sess *Session) error {
	return c.postJSON(ctx, sess, "/api/notifications/clear-all/", nil, nil)
}

func (c *Client) getJSON(ctx context.Context, sess *Session, path string, out any) error {
	if !sess.valid() {
		return ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, sess *Session, path string, body, out any) error {
	if !sess.valid() {
		return ErrUnauthenticated
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// statusError drains the error body for its message, if any.
func (c *Client) statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

func (c *Client) closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("Failed to close response body", "error", err)
	}
}
