// Package auth provides password hashing and bearer-token session handling.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when the provided credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoToken is returned when a request carries no usable bearer token.
	ErrNoToken = errors.New("missing bearer token")
	// ErrTokenExpired is returned when a token exists but has expired.
	ErrTokenExpired = errors.New("token expired")
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against its stored hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

type session struct {
	email     string
	expiresAt time.Time
}

// TokenStore holds issued bearer tokens in memory. Tokens expire after the
// configured TTL; a server restart invalidates everything, which matches the
// page-lifetime token contract.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]session
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenStore creates a token store with the given token lifetime.
func NewTokenStore(ttl time.Duration, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		tokens: make(map[string]session),
		ttl:    ttl,
		logger: logger,
	}
}

// Issue creates and records a fresh opaque token for email.
func (ts *TokenStore) Issue(email string) string {
	token := uuid.NewString() + uuid.NewString()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.prune()
	ts.tokens[token] = session{
		email:     email,
		expiresAt: time.Now().Add(ts.ttl),
	}
	ts.logger.Info("Token issued", "email", email, "ttl", ts.ttl.String())
	return token
}

// Email resolves a token to the account email it was issued for.
func (ts *TokenStore) Email(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	sess, ok := ts.tokens[token]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if time.Now().After(sess.expiresAt) {
		delete(ts.tokens, token)
		return "", ErrTokenExpired
	}
	return sess.email, nil
}

// Revoke drops a token. Unknown tokens are ignored.
func (ts *TokenStore) Revoke(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.tokens, token)
}

// Authenticate extracts the Authorization bearer token from a request and
// resolves it to an email.
func (ts *TokenStore) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrNoToken
	}
	return ts.Email(strings.TrimSpace(token))
}

// prune drops expired sessions. Caller must hold the lock.
func (ts *TokenStore) prune() {
	now := time.Now()
	for token, sess := range ts.tokens {
		if now.After(sess.expiresAt) {
			delete(ts.tokens, token)
		}
	}
}
