package email

import (
	"context"
	"log/slog"
)

// LogProvider logs emails instead of sending them. Used for local development.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a logging email provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *LogProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
