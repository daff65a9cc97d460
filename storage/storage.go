// Package storage handles persistence of user accounts and their ringtone
// audio.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"webnotify/pkg/webnotify"
)

// ErrNotFound is returned when no object exists for a key.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a missing account or ringtone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store persists accounts as JSON documents and ringtones as binary blobs,
// either on the local filesystem (development) or in a GCS bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new storage handler. When localPath is non-empty the client
// and bucket are ignored.
func New(client *storage.Client, bucket, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// KeyFromEmail derives a deterministic, unguessable object key component from
// an email address. Uses HMAC-SHA256 with a secret salt so keys cannot be
// guessed without it.
func (s *Store) KeyFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// AccountKey generates a stable object name from an email-derived key.
// Validates the key is a safe hex string to prevent path traversal.
func AccountKey(key string) string {
	if !validHexKey(key) {
		return ""
	}
	return fmt.Sprintf("acct-%s.json", key)
}

// RingtoneKey generates the object name holding an account's alarm audio.
func RingtoneKey(key string) string {
	if !validHexKey(key) {
		return ""
	}
	return fmt.Sprintf("ring-%s.bin", key)
}

// validHexKey checks for exactly 64 lowercase hex characters (SHA256 output)
// in constant time.
func validHexKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	valid := 1
	for _, c := range key {
		isHexDigit := ((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		if !isHexDigit {
			valid = 0
		}
	}
	return valid == 1
}

// Save persists an account document.
func (s *Store) Save(ctx context.Context, acct *webnotify.Account) error {
	key := AccountKey(s.KeyFromEmail(acct.Email))
	if key == "" {
		return errors.New("invalid account key")
	}
	s.logger.Debug("Saving account", "key", key, "email", acct.Email)

	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	if err := s.write(ctx, key, data); err != nil {
		return err
	}

	s.logger.Info("Account saved", "key", key, "email", acct.Email,
		"url_count", len(acct.URLs), "notification_count", len(acct.Notifications))
	return nil
}

// LoadByEmail loads an account by email address. HMAC derivation makes this
// an O(1) lookup.
func (s *Store) LoadByEmail(ctx context.Context, email string) (*webnotify.Account, error) {
	key := AccountKey(s.KeyFromEmail(email))
	if key == "" {
		return nil, ErrNotFound
	}
	data, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	var acct webnotify.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acct, nil
}

// Delete removes an account and its ringtone. Deletion is idempotent.
func (s *Store) Delete(ctx context.Context, email string) error {
	hmacKey := s.KeyFromEmail(email)
	if err := s.remove(ctx, AccountKey(hmacKey)); err != nil && !IsNotFound(err) {
		return err
	}
	if err := s.remove(ctx, RingtoneKey(hmacKey)); err != nil && !IsNotFound(err) {
		return err
	}
	s.logger.Info("Account deleted", "email", email)
	return nil
}

// List loads all stored accounts.
func (s *Store) List(ctx context.Context) ([]*webnotify.Account, error) {
	var accts []*webnotify.Account

	load := func(name string) {
		data, err := s.read(ctx, name)
		if err != nil {
			s.logger.Warn("Failed to load account", "key", name, "error", err)
			return
		}
		var acct webnotify.Account
		if err := json.Unmarshal(data, &acct); err != nil {
			s.logger.Warn("Failed to unmarshal account", "key", name, "error", err)
			return
		}
		accts = append(accts, &acct)
	}

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "acct-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			load(entry.Name())
		}
		return accts, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "acct-"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		load(attrs.Name)
	}
	return accts, nil
}

// SaveRingtone stores the alarm audio for an account.
func (s *Store) SaveRingtone(ctx context.Context, email string, audio []byte) error {
	key := RingtoneKey(s.KeyFromEmail(email))
	if key == "" {
		return errors.New("invalid ringtone key")
	}
	if err := s.write(ctx, key, audio); err != nil {
		return err
	}
	s.logger.Info("Ringtone saved", "key", key, "email", email, "size_bytes", len(audio))
	return nil
}

// LoadRingtone returns the stored alarm audio for an account.
func (s *Store) LoadRingtone(ctx context.Context, email string) ([]byte, error) {
	key := RingtoneKey(s.KeyFromEmail(email))
	if key == "" {
		return nil, ErrNotFound
	}
	return s.read(ctx, key)
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.New("invalid key format")
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrNotFound
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("invalid key format")
	}

	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}
