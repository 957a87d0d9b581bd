package main

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"termin-notifier/config"
	"termin-notifier/email"
	"termin-notifier/notify"
	"termin-notifier/notify/snspush"
	"termin-notifier/notify/telegram"
)

// newPresenter builds the notification channel selected by NOTIFIER.
func newPresenter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Presenter, error) {
	switch cfg.Notifier {
	case config.NotifierEmail:
		provider, err := newEmailProvider(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Notifications via email", "provider", cfg.EmailProvider, "to", cfg.MailTo)
		return email.NewPresenter(provider, logger, cfg.MailTo), nil

	case config.NotifierTelegram:
		bot, err := telegram.NewBot(cfg.TelegramToken, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Notifications via Telegram", "chat_id", cfg.TelegramChatID)
		return telegram.NewPresenter(bot, cfg.TelegramChatID, logger), nil

	case config.NotifierSNS:
		client, err := snspush.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		logger.Info("Notifications via SNS", "topic_arn", cfg.SNSTopicARN, "region", cfg.AWSRegion)
		return snspush.NewPresenter(client, cfg.SNSTopicARN, logger), nil

	default:
		logger.Info("Notifications are logged only")
		return notify.NewLogPresenter(logger), nil
	}
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.EmailBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), nil
	case config.EmailGmail:
		service, err := gmail.NewService(ctx,
			option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)),
			option.WithScopes(gmail.GmailSendScope))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return email.NewGmailProvider(service, logger), nil
	default:
		return email.NewLogProvider(logger), nil
	}
}
