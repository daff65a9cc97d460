package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"webnotify/auth"
	"webnotify/pkg/webnotify"
)

const maxRingtoneBytes = 8 << 20 // 8 MiB, matching the upload cap

// allowedSoundTypes is the ringtone MIME allow-list.
var allowedSoundTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/mp4":   true,
	"audio/aac":   true,
	"audio/wav":   true,
	"audio/x-wav": true,
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.respondError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if !isValidEmail(req.Email) {
		s.respondError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < 8 {
		s.respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	if _, err := s.store.LoadByEmail(r.Context(), req.Email); err == nil {
		s.respondError(w, http.StatusConflict, "account already exists")
		return
	} else if !s.isNotFound(err) {
		s.logger.Error("Failed to check existing account", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("Failed to hash password", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	acct := &webnotify.Account{
		Email:        req.Email,
		PasswordHash: hash,
		Settings:     webnotify.DefaultSettings(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	s.logger.Info("Account created", "email", req.Email, "ip", ip)
	s.respondJSON(w, http.StatusCreated, map[string]string{"access": s.tokens.Issue(req.Email)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.respondError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	acct, err := s.store.LoadByEmail(r.Context(), req.Email)
	if err != nil {
		if s.isNotFound(err) {
			// Same response as a bad password so accounts can't be enumerated
			s.respondError(w, http.StatusForbidden, "invalid credentials")
			return
		}
		s.logger.Error("Failed to load account", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := auth.CheckPassword(acct.PasswordHash, req.Password); err != nil {
		s.logger.Warn("Login rejected", "email", req.Email, "ip", ip)
		s.respondError(w, http.StatusForbidden, "invalid credentials")
		return
	}

	s.logger.Info("Login succeeded", "email", req.Email, "ip", ip)
	s.respondJSON(w, http.StatusOK, map[string]string{"access": s.tokens.Issue(req.Email)})
}

type urlEntry struct {
	URL         string `json:"url"`
	CSSSelector string `json:"css_selector"`
}

func (s *Server) handleListURLs(w http.ResponseWriter, _ *http.Request, acct *webnotify.Account) {
	entries := make([]urlEntry, 0, len(acct.URLs))
	for _, u := range acct.URLs {
		entries = append(entries, urlEntry{URL: u.URL, CSSSelector: u.CSSSelector})
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddURL(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	var req urlEntry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		s.respondError(w, http.StatusBadRequest, "url must start with http:// or https://")
		return
	}

	if acct.URL(req.URL) != nil {
		s.respondError(w, http.StatusConflict, "url already watched")
		return
	}

	acct.URLs = append(acct.URLs, &webnotify.WatchedURL{
		URL:         req.URL,
		CSSSelector: strings.TrimSpace(req.CSSSelector),
		CreatedAt:   time.Now().UTC(),
	})
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to add url")
		return
	}

	s.logger.Info("URL added", "email", acct.Email, "url", req.URL, "selector", req.CSSSelector)
	s.respondJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveURL(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	raw := mux.Vars(r)["url"]
	target, err := url.PathUnescape(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed url")
		return
	}

	kept := acct.URLs[:0]
	removed := false
	for _, u := range acct.URLs {
		if u.URL == target {
			removed = true
			continue
		}
		kept = append(kept, u)
	}
	acct.URLs = kept

	if removed {
		if err := s.store.Save(r.Context(), acct); err != nil {
			s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to remove url")
			return
		}
		s.logger.Info("URL removed", "email", acct.Email, "url", target)
	}

	// Removal is idempotent: deleting an unknown URL is still a 204
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadSound(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	if err := r.ParseMultipartForm(maxRingtoneBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("sound")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "no file uploaded, use field name 'sound'")
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			s.logger.Warn("Failed to close upload", "error", closeErr)
		}
	}()

	contentType := header.Header.Get("Content-Type")
	if !allowedSoundTypes[contentType] {
		s.respondError(w, http.StatusBadRequest, "unsupported content type: "+contentType)
		return
	}
	if header.Size > maxRingtoneBytes {
		s.respondError(w, http.StatusBadRequest, "file too large, max 8 MiB")
		return
	}

	audio, err := io.ReadAll(io.LimitReader(file, maxRingtoneBytes+1))
	if err != nil {
		s.logger.Error("Failed to read upload", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}
	if len(audio) > maxRingtoneBytes {
		s.respondError(w, http.StatusBadRequest, "file too large, max 8 MiB")
		return
	}

	if err := s.store.SaveRingtone(r.Context(), acct.Email, audio); err != nil {
		s.logger.Error("Failed to save ringtone", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to store sound")
		return
	}

	// The upload becomes the account's single default ringtone
	acct.Ringtone = &webnotify.Ringtone{
		Name:        header.Filename,
		ContentType: contentType,
		SizeBytes:   int64(len(audio)),
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to store sound")
		return
	}

	s.logger.Info("Ringtone uploaded",
		"email", acct.Email,
		"name", header.Filename,
		"content_type", contentType,
		"size_bytes", len(audio))
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "file": s.ringtoneURL(acct)})
}

func (s *Server) handleGetSound(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	if acct.Ringtone == nil {
		s.respondError(w, http.StatusNotFound, "no sound uploaded")
		return
	}

	audio, err := s.store.LoadRingtone(r.Context(), acct.Email)
	if err != nil {
		if s.isNotFound(err) {
			s.respondError(w, http.StatusNotFound, "no sound uploaded")
			return
		}
		s.logger.Error("Failed to load ringtone", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load sound")
		return
	}

	w.Header().Set("Content-Type", acct.Ringtone.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		s.logger.Warn("Failed to write sound response", "error", err)
	}
}

type settingsPayload struct {
	RingCount           int    `json:"ring_count"`
	Volume              int    `json:"volume"`
	PlayLoop            bool   `json:"play_loop"`
	DefaultRingtoneURL  string `json:"default_ringtone_url"`
	DefaultRingtoneName string `json:"default_ringtone_name"`
}

func (s *Server) ringtoneURL(acct *webnotify.Account) string {
	if acct.Ringtone == nil {
		return ""
	}
	return s.baseURL + "/api/sound/"
}

func (s *Server) settingsFor(acct *webnotify.Account) settingsPayload {
	p := settingsPayload{
		RingCount:          acct.Settings.RingCount,
		Volume:             acct.Settings.Volume,
		PlayLoop:           acct.Settings.PlayLoop,
		DefaultRingtoneURL: s.ringtoneURL(acct),
	}
	if acct.Ringtone != nil {
		p.DefaultRingtoneName = acct.Ringtone.Name
	}
	return p
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request, acct *webnotify.Account) {
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": s.settingsFor(acct)})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	var req struct {
		RingCount *int  `json:"ring_count"`
		Volume    *int  `json:"volume"`
		PlayLoop  *bool `json:"play_loop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RingCount != nil {
		if !webnotify.ValidRingCount(*req.RingCount) {
			s.respondError(w, http.StatusBadRequest, "ring_count must be between 1 and 5")
			return
		}
		acct.Settings.RingCount = *req.RingCount
	}
	if req.Volume != nil {
		v := *req.Volume
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		acct.Settings.Volume = v
	}
	if req.PlayLoop != nil {
		acct.Settings.PlayLoop = *req.PlayLoop
	}

	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save settings", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	s.logger.Info("Settings updated",
		"email", acct.Email,
		"ring_count", acct.Settings.RingCount,
		"volume", acct.Settings.Volume,
		"play_loop", acct.Settings.PlayLoop)
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": s.settingsFor(acct)})
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	acct.MonitoringEnabled = true
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to start monitoring")
		return
	}

	s.logger.Info("Monitoring started", "email", acct.Email, "url_count", len(acct.URLs))

	// Baseline sweep right away so the first real check has something to
	// diff against; detached from the request so the response stays fast.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.poller.CheckAccount(ctx, acct, time.Now().UTC())
	}()

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "monitoring"})
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	acct.MonitoringEnabled = false
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to stop monitoring")
		return
	}

	s.logger.Info("Monitoring stopped", "email", acct.Email)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type notificationPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Link       string `json:"link,omitempty"`
	DetectedAt string `json:"detected_at"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, _ *http.Request, acct *webnotify.Account) {
	pending := acct.Pending()
	out := make([]notificationPayload, 0, len(pending))
	for _, n := range pending {
		out = append(out, notificationPayload{
			ID:         n.ID,
			Title:      n.Title,
			Message:    n.Message,
			Link:       n.Link,
			DetectedAt: n.DetectedAt.Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	var req struct {
		IDs    []string `json:"ids"`
		Played *bool    `json:"played"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "ids required")
		return
	}
	played := true
	if req.Played != nil {
		played = *req.Played
	}

	wanted := make(map[string]bool, len(req.IDs))
	for _, id := range req.IDs {
		wanted[id] = true
	}

	var updated int
	for _, n := range acct.Notifications {
		if !wanted[n.ID] {
			continue
		}
		n.Seen = true
		n.Played = played
		updated++
	}

	if updated > 0 {
		if err := s.store.Save(r.Context(), acct); err != nil {
			s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to mark notifications")
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request, acct *webnotify.Account) {
	var updated int
	for _, n := range acct.Notifications {
		if n.Seen && n.Played {
			continue
		}
		n.Seen = true
		n.Played = true
		updated++
	}

	if updated > 0 {
		if err := s.store.Save(r.Context(), acct); err != nil {
			s.logger.Error("Failed to save account", "email", acct.Email, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to clear notifications")
			return
		}
	}

	s.logger.Info("Notifications cleared", "email", acct.Email, "updated", updated)
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}
