// Package email delivers appointment notifications as HTML mail through pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"termin-notifier/notify"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Presenter shows notifications by mailing them to one recipient.
type Presenter struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// NewPresenter creates an email presenter. Without a recipient the
// presenter reports permission as denied.
func NewPresenter(provider Provider, logger *slog.Logger, to string) *Presenter {
	return &Presenter{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

func (*Presenter) Supported() bool { return true }

func (p *Presenter) Permission() notify.Permission {
	if p.to == "" {
		return notify.PermissionDenied
	}
	return notify.PermissionGranted
}

func (p *Presenter) RequestPermission(context.Context) (notify.Permission, error) {
	return p.Permission(), nil
}

// Show renders n and sends it.
func (p *Presenter) Show(ctx context.Context, n notify.Notification) error {
	body, err := render(n)
	if err != nil {
		return fmt.Errorf("render %s: %w", n.Tag, err)
	}

	p.logger.Info("Sending notification email",
		"to", p.to,
		"subject", n.Title,
		"tag", n.Tag,
		"kind", n.Kind)

	if err := p.provider.Send(ctx, p.to, n.Title, body); err != nil {
		return fmt.Errorf("send %s: %w", n.Tag, err)
	}
	return nil
}

// Dismiss is a no-op; sent mail cannot be recalled.
func (p *Presenter) Dismiss(_ context.Context, tag string) error {
	p.logger.Debug("Email notifications are not dismissible", "tag", tag)
	return nil
}
