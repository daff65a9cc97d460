// Package server exposes the HTTP API for accounts, watched URLs, settings,
// sounds, and the notification queue.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"webnotify/pkg/webnotify"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Store is the persistence surface the handlers need.
type Store interface {
	Save(ctx context.Context, acct *webnotify.Account) error
	LoadByEmail(ctx context.Context, email string) (*webnotify.Account, error)
	SaveRingtone(ctx context.Context, email string, audio []byte) error
	LoadRingtone(ctx context.Context, email string) ([]byte, error)
}

// Tokens issues and resolves bearer tokens.
type Tokens interface {
	Issue(email string) string
	Authenticate(r *http.Request) (string, error)
}

// Poller triggers change-detection sweeps.
type Poller interface {
	CheckAll(ctx context.Context) error
	CheckAccount(ctx context.Context, acct *webnotify.Account, now time.Time) (checked, skipped int)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	tokens     Tokens
	poller     Poller
	logger     *slog.Logger
	isNotFound IsNotFound
	baseURL    string
	limiter    *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Tokens     Tokens
	Poller     Poller
	Logger     *slog.Logger
	IsNotFound IsNotFound
	BaseURL    string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		poller:     cfg.Poller,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter:    newRateLimiter(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pollz", s.handlePoll).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.UseEncodedPath()
	api.HandleFunc("/register/", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login/", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/urls/", s.authed(s.handleListURLs)).Methods(http.MethodGet)
	api.HandleFunc("/urls/", s.authed(s.handleAddURL)).Methods(http.MethodPost)
	api.HandleFunc("/urls/{url:.+}", s.authed(s.handleRemoveURL)).Methods(http.MethodDelete)
	api.HandleFunc("/sound/", s.authed(s.handleUploadSound)).Methods(http.MethodPost)
	api.HandleFunc("/sound/", s.authed(s.handleGetSound)).Methods(http.MethodGet)
	api.HandleFunc("/settings/", s.authed(s.handleGetSettings)).Methods(http.MethodGet)
	api.HandleFunc("/settings/", s.authed(s.handleUpdateSettings)).Methods(http.MethodPost)
	api.HandleFunc("/start_monitoring/", s.authed(s.handleStartMonitoring)).Methods(http.MethodPost)
	api.HandleFunc("/stop_monitoring/", s.authed(s.handleStopMonitoring)).Methods(http.MethodPost)
	api.HandleFunc("/notifications/", s.authed(s.handleListNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/mark-read/", s.authed(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/notifications/clear-all/", s.authed(s.handleClearAll)).Methods(http.MethodPost)

	return r
}

// ListenAndServe starts the server with hardened timeouts.
func (s *Server) ListenAndServe(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

// authedHandler runs with the caller's account already loaded.
type authedHandler func(w http.ResponseWriter, r *http.Request, acct *webnotify.Account)

// authed resolves the bearer token and loads the account before running h.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := s.tokens.Authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		acct, err := s.store.LoadByEmail(r.Context(), email)
		if err != nil {
			if s.isNotFound(err) {
				s.respondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			s.logger.Error("Failed to load account", "email", email, "error", err)
			s.respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		h(w, r, acct)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "check failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// Rate limiter for credential endpoints (max 20 per IP per hour).
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)

	// Clean old entries
	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= 20 {
		return false
	}

	recent = append(recent, now)
	rl.clients[ip] = recent
	return true
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
