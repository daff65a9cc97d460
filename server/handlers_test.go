package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"webnotify/auth"
	"webnotify/pkg/webnotify"
	"webnotify/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakePoller struct {
	mu            sync.Mutex
	checkAlls     int
	checkAccounts int
}

func (f *fakePoller) CheckAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAlls++
	return nil
}

func (f *fakePoller) CheckAccount(_ context.Context, _ *webnotify.Account, _ time.Time) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAccounts++
	return 0, 0
}

type testEnv struct {
	srv    *Server
	store  *storage.Store
	tokens *auth.TokenStore
	poller *fakePoller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	store := storage.New(nil, "", t.TempDir(), []byte("test-salt"), logger)
	tokens := auth.NewTokenStore(time.Hour, logger)
	poller := &fakePoller{}
	srv := New(&Config{
		Store:      store,
		Tokens:     tokens,
		Poller:     poller,
		Logger:     logger,
		IsNotFound: storage.IsNotFound,
		BaseURL:    "http://localhost:8080",
	})
	return &testEnv{srv: srv, store: store, tokens: tokens, poller: poller}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

// register creates an account and returns its bearer token.
func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/register/", "", map[string]string{
		"email":    email,
		"password": "sup3r-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if resp.Access == "" {
		t.Fatal("register returned empty access token")
	}
	return resp.Access
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "user@example.com")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"valid login", map[string]string{"email": "user@example.com", "password": "sup3r-secret"}, http.StatusOK},
		{"wrong password", map[string]string{"email": "user@example.com", "password": "nope-nope"}, http.StatusForbidden},
		{"unknown account", map[string]string{"email": "ghost@example.com", "password": "sup3r-secret"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/login/", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("login = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "taken@example.com")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"duplicate email", map[string]string{"email": "taken@example.com", "password": "sup3r-secret"}, http.StatusConflict},
		{"bad email", map[string]string{"email": "not-an-email", "password": "sup3r-secret"}, http.StatusBadRequest},
		{"short password", map[string]string{"email": "new@example.com", "password": "short"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/register/", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("register = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/urls/"},
		{http.MethodGet, "/api/settings/"},
		{http.MethodGet, "/api/notifications/"},
		{http.MethodPost, "/api/start_monitoring/"},
	}
	for _, p := range paths {
		w := e.do(t, p.method, p.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p.method, p.path, w.Code)
		}
	}

	w := e.do(t, http.MethodGet, "/api/urls/", "bogus-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bogus token = %d, want 401", w.Code)
	}
}

func TestURLLifecycle(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	w := e.do(t, http.MethodPost, "/api/urls/", tok, map[string]string{
		"url": "http://example.com/page", "css_selector": "#price",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add url = %d: %s", w.Code, w.Body.String())
	}

	// Duplicate URL is rejected
	w = e.do(t, http.MethodPost, "/api/urls/", tok, map[string]string{"url": "http://example.com/page"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate url = %d, want 409", w.Code)
	}

	// Only http and https schemes are accepted
	for _, bad := range []string{"ftp://example.com", "example.com/page", "javascript:alert(1)", ""} {
		w = e.do(t, http.MethodPost, "/api/urls/", tok, map[string]string{"url": bad})
		if w.Code != http.StatusBadRequest {
			t.Errorf("url %q = %d, want 400", bad, w.Code)
		}
	}

	w = e.do(t, http.MethodGet, "/api/urls/", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list urls = %d", w.Code)
	}
	var list []urlEntry
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode url list: %v", err)
	}
	if len(list) != 1 || list[0].URL != "http://example.com/page" || list[0].CSSSelector != "#price" {
		t.Errorf("unexpected url list: %+v", list)
	}

	// Delete uses the escaped URL as the path segment
	w = e.do(t, http.MethodDelete, "/api/urls/"+url.PathEscape("http://example.com/page"), tok, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete url = %d, want 204: %s", w.Code, w.Body.String())
	}

	// Deleting again is idempotent
	w = e.do(t, http.MethodDelete, "/api/urls/"+url.PathEscape("http://example.com/page"), tok, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("repeat delete = %d, want 204", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/urls/", tok, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode url list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("url list after delete: %+v", list)
	}
}

func multipartSound(t *testing.T, filename, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="sound"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) uploadSound(t *testing.T, token, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := multipartSound(t, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/api/sound/", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", formType)
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func TestSoundUploadAndDownload(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	// Nothing uploaded yet
	w := e.do(t, http.MethodGet, "/api/sound/", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("sound before upload = %d, want 404", w.Code)
	}

	audio := []byte("fake mp3 bytes")
	w = e.uploadSound(t, tok, "alarm.mp3", "audio/mpeg", audio)
	if w.Code != http.StatusOK {
		t.Fatalf("upload = %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/sound/", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), audio) {
		t.Error("downloaded audio differs from upload")
	}

	// Settings now advertise the ringtone
	w = e.do(t, http.MethodGet, "/api/settings/", tok, nil)
	var resp struct {
		Settings settingsPayload `json:"settings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if resp.Settings.DefaultRingtoneName != "alarm.mp3" {
		t.Errorf("default_ringtone_name = %q", resp.Settings.DefaultRingtoneName)
	}
	if !strings.HasSuffix(resp.Settings.DefaultRingtoneURL, "/api/sound/") {
		t.Errorf("default_ringtone_url = %q", resp.Settings.DefaultRingtoneURL)
	}
}

func TestSoundUploadRejectsBadType(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	for _, ct := range []string{"text/html", "application/octet-stream", "image/png"} {
		w := e.uploadSound(t, tok, "alarm.bin", ct, []byte("data"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("upload with %s = %d, want 400", ct, w.Code)
		}
	}
}

func TestSettingsUpdate(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	w := e.do(t, http.MethodGet, "/api/settings/", tok, nil)
	var resp struct {
		OK       bool            `json:"ok"`
		Settings settingsPayload `json:"settings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if resp.Settings.RingCount != 1 || resp.Settings.Volume != 80 || !resp.Settings.PlayLoop {
		t.Errorf("unexpected defaults: %+v", resp.Settings)
	}

	// Out-of-range ring counts are rejected
	for _, rc := range []int{0, 6, -1} {
		w = e.do(t, http.MethodPost, "/api/settings/", tok, map[string]int{"ring_count": rc})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ring_count %d = %d, want 400", rc, w.Code)
		}
	}

	// Partial update: only ring_count changes
	w = e.do(t, http.MethodPost, "/api/settings/", tok, map[string]int{"ring_count": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if resp.Settings.RingCount != 3 || resp.Settings.Volume != 80 || !resp.Settings.PlayLoop {
		t.Errorf("partial update clobbered settings: %+v", resp.Settings)
	}

	// Volume is clamped
	w = e.do(t, http.MethodPost, "/api/settings/", tok, map[string]int{"volume": 150})
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if resp.Settings.Volume != 100 {
		t.Errorf("volume = %d, want clamped 100", resp.Settings.Volume)
	}

	// Survives a reload
	acct, err := e.store.LoadByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if acct.Settings.RingCount != 3 {
		t.Errorf("persisted ring_count = %d, want 3", acct.Settings.RingCount)
	}
}

func TestMonitoringToggle(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	w := e.do(t, http.MethodPost, "/api/start_monitoring/", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "monitoring" {
		t.Errorf("status = %q, want monitoring", resp["status"])
	}

	acct, err := e.store.LoadByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if !acct.MonitoringEnabled {
		t.Error("MonitoringEnabled not persisted")
	}

	w = e.do(t, http.MethodPost, "/api/stop_monitoring/", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d", w.Code)
	}
	acct, err = e.store.LoadByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if acct.MonitoringEnabled {
		t.Error("MonitoringEnabled still set after stop")
	}
}

// seedNotifications stores three notifications, one already played.
func (e *testEnv) seedNotifications(t *testing.T, email string) {
	t.Helper()
	acct, err := e.store.LoadByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	now := time.Now().UTC()
	acct.Notifications = []*webnotify.Notification{
		{ID: "n3", Title: "Change detected", Message: "newest", Link: "http://a.com", DetectedAt: now},
		{ID: "n2", Title: "Change detected", Message: "middle", Link: "http://b.com", DetectedAt: now.Add(-time.Minute)},
		{ID: "n1", Title: "Change detected", Message: "oldest", Link: "http://c.com", DetectedAt: now.Add(-time.Hour), Seen: true, Played: true},
	}
	if err := e.store.Save(context.Background(), acct); err != nil {
		t.Fatalf("save account: %v", err)
	}
}

func TestNotificationsListAndMarkRead(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")

	// Empty queue comes back as an empty array, not null
	w := e.do(t, http.MethodGet, "/api/notifications/", tok, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty queue body = %q, want []", w.Body.String())
	}

	e.seedNotifications(t, "user@example.com")

	w = e.do(t, http.MethodGet, "/api/notifications/", tok, nil)
	var list []notificationPayload
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d notifications, want 2 unplayed", len(list))
	}
	if list[0].ID != "n3" || list[1].ID != "n2" {
		t.Errorf("order wrong: %s, %s (want newest first)", list[0].ID, list[1].ID)
	}

	// Mark one read
	w = e.do(t, http.MethodPost, "/api/notifications/mark-read/", tok, map[string]any{"ids": []string{"n3"}})
	if w.Code != http.StatusOK {
		t.Fatalf("mark-read = %d: %s", w.Code, w.Body.String())
	}
	var ack struct {
		OK      bool `json:"ok"`
		Updated int  `json:"updated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || ack.Updated != 1 {
		t.Errorf("ack = %+v, want ok with 1 updated", ack)
	}

	w = e.do(t, http.MethodGet, "/api/notifications/", tok, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(list) != 1 || list[0].ID != "n2" {
		t.Errorf("after mark-read: %+v", list)
	}

	// Missing ids is a client error
	w = e.do(t, http.MethodPost, "/api/notifications/mark-read/", tok, map[string]any{"ids": []string{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("mark-read without ids = %d, want 400", w.Code)
	}

	// Unknown ids update nothing
	w = e.do(t, http.MethodPost, "/api/notifications/mark-read/", tok, map[string]any{"ids": []string{"nope"}})
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Updated != 0 {
		t.Errorf("unknown ids updated %d", ack.Updated)
	}
}

func TestNotificationsClearAll(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register(t, "user@example.com")
	e.seedNotifications(t, "user@example.com")

	w := e.do(t, http.MethodPost, "/api/notifications/clear-all/", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear-all = %d: %s", w.Code, w.Body.String())
	}
	var ack struct {
		Updated int `json:"updated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Updated != 2 {
		t.Errorf("cleared %d, want 2 pending", ack.Updated)
	}

	w = e.do(t, http.MethodGet, "/api/notifications/", tok, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("queue after clear-all = %q, want []", w.Body.String())
	}
}

func TestHealthAndPoll(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}

	w = e.do(t, http.MethodPost, "/pollz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("pollz = %d: %s", w.Code, w.Body.String())
	}
	e.poller.mu.Lock()
	calls := e.poller.checkAlls
	e.poller.mu.Unlock()
	if calls != 1 {
		t.Errorf("CheckAll called %d times, want 1", calls)
	}
}

func TestLoginRateLimit(t *testing.T) {
	e := newTestEnv(t)

	var lastCode int
	for i := 0; i < 25; i++ {
		w := e.do(t, http.MethodPost, "/api/login/", "", map[string]string{
			"email": "ghost@example.com", "password": "whatever1",
		})
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("25th credential attempt = %d, want 429", lastCode)
	}
}
