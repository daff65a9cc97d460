// Package main runs the webnotify server: it stores accounts and watched
// URLs, sweeps pages for changes, and serves the notification API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	gcs "cloud.google.com/go/storage"

	"webnotify/alert"
	"webnotify/auth"
	"webnotify/poll"
	"webnotify/scraper"
	"webnotify/server"
	"webnotify/storage"
)

const (
	defaultCheckInterval = time.Minute
	tokenTTL             = 24 * time.Hour
)

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	baseURL := os.Getenv("BASE_URL")

	salt := []byte(os.Getenv("TOKEN_SALT"))
	if len(salt) == 0 {
		if bucket != "" {
			logger.Error("TOKEN_SALT environment variable required in production")
			os.Exit(1)
		}
		// Local development only: keys change across restarts without a salt
		salt = []byte("webnotify-dev-salt")
		logger.Warn("No TOKEN_SALT set, using development default")
	}

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var store *storage.Store
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
		store = storage.New(nil, "", localStorage, salt, logger)
	} else {
		if baseURL == "" {
			logger.Error("BASE_URL environment variable required (e.g., https://your-service.run.app)")
			os.Exit(1)
		}

		storageClient, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		store = storage.New(storageClient, bucket, "", salt, logger)
	}

	alerter := alert.New(initAlertProvider(logger), logger)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	snaps := scraper.New(httpClient, logger)
	monitor := poll.New(snaps, store, alerter, logger)

	checkInterval := defaultCheckInterval
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid CHECK_INTERVAL", "value", v, "error", err)
			os.Exit(1)
		}
		checkInterval = d
	}
	go monitor.Run(ctx, checkInterval)

	tokens := auth.NewTokenStore(tokenTTL, logger)
	srv := server.New(&server.Config{
		Store:      store,
		Tokens:     tokens,
		Poller:     monitor,
		Logger:     logger,
		IsNotFound: storage.IsNotFound,
		BaseURL:    baseURL,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initAlertProvider picks Telegram when configured, otherwise a mock that
// only logs.
func initAlertProvider(logger *slog.Logger) alert.Provider {
	token := os.Getenv("TELEGRAM_TOKEN")
	rawChatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || rawChatID == "" {
		logger.Info("Mock alert mode enabled (no TELEGRAM_TOKEN / TELEGRAM_CHAT_ID)")
		return alert.NewMockProvider(logger)
	}

	chatID, err := strconv.ParseInt(rawChatID, 10, 64)
	if err != nil {
		logger.Warn("Invalid TELEGRAM_CHAT_ID, using mock alerts", "value", rawChatID, "error", err)
		return alert.NewMockProvider(logger)
	}

	provider, err := alert.NewTelegramProvider(token, chatID, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram provider, using mock alerts", "error", err)
		return alert.NewMockProvider(logger)
	}
	logger.Info("Telegram alert delivery enabled")
	return provider
}
