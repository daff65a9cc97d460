package alert

import (
	"context"
	"log/slog"
)

// MockProvider is a mock delivery provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the alert instead of delivering it.
func (m *MockProvider) Send(_ context.Context, text string) error {
	m.logger.Info("MOCK ALERT", "text_length", len(text))
	return nil
}
