// Package telegram presents notifications as Telegram messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gopkg.in/telebot.v3"

	"termin-notifier/notify"
)

// Bot is the subset of *telebot.Bot the presenter uses.
type Bot interface {
	ChatByID(id int64) (*telebot.Chat, error)
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
	Edit(msg telebot.Editable, what interface{}, opts ...interface{}) (*telebot.Message, error)
	Delete(msg telebot.Editable) error
}

// NewBot connects to the Bot API with token.
func NewBot(token string, logger *slog.Logger) (*telebot.Bot, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, _ telebot.Context) {
			logger.Error("Telegram bot error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// Presenter sends each notification to one chat. Permission stays default
// until the chat has been looked up successfully.
type Presenter struct {
	bot    Bot
	chatID int64
	logger *slog.Logger

	mu         sync.Mutex
	permission notify.Permission
	chat       *telebot.Chat
	messages   map[string]telebot.StoredMessage
}

// NewPresenter creates a presenter for chatID.
func NewPresenter(bot Bot, chatID int64, logger *slog.Logger) *Presenter {
	perm := notify.PermissionDefault
	if chatID == 0 {
		perm = notify.PermissionDenied
	}
	return &Presenter{
		bot:        bot,
		chatID:     chatID,
		logger:     logger,
		permission: perm,
		messages:   make(map[string]telebot.StoredMessage),
	}
}

func (p *Presenter) Supported() bool { return p.bot != nil }

func (p *Presenter) Permission() notify.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// RequestPermission verifies the configured chat. A chat Telegram does not
// know is denied; other failures leave the permission undecided.
func (p *Presenter) RequestPermission(_ context.Context) (notify.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != notify.PermissionDefault {
		return p.permission, nil
	}

	chat, err := p.bot.ChatByID(p.chatID)
	if err != nil {
		if errors.Is(err, telebot.ErrChatNotFound) {
			p.permission = notify.PermissionDenied
			p.logger.Warn("Telegram chat not found, notifications denied", "chat_id", p.chatID)
			return p.permission, nil
		}
		return p.permission, fmt.Errorf("look up chat %d: %w", p.chatID, err)
	}

	p.chat = chat
	p.permission = notify.PermissionGranted
	p.logger.Info("Telegram chat verified", "chat_id", p.chatID, "chat_type", chat.Type)
	return p.permission, nil
}

// Show sends n, or edits the earlier message carrying the same tag.
// Notifications that do not require interaction are delivered silently.
func (p *Presenter) Show(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chat == nil {
		return fmt.Errorf("show %s: chat %d not verified", n.Tag, p.chatID)
	}

	text := n.Title + "\n\n" + n.Body
	opts := &telebot.SendOptions{
		DisableWebPagePreview: true,
		DisableNotification:   !n.RequireInteraction,
	}
	if n.URL != "" {
		markup := &telebot.ReplyMarkup{}
		markup.Inline(markup.Row(markup.URL("Termin buchen", n.URL)))
		opts.ReplyMarkup = markup
	}

	if stored, ok := p.messages[n.Tag]; ok {
		if _, err := p.bot.Edit(stored, text, opts); err != nil {
			return fmt.Errorf("edit %s: %w", n.Tag, err)
		}
		p.logger.Debug("Telegram message edited", "tag", n.Tag, "message_id", stored.MessageID)
		return nil
	}

	msg, err := p.bot.Send(p.chat, text, opts)
	if err != nil {
		return fmt.Errorf("send %s: %w", n.Tag, err)
	}
	p.messages[n.Tag] = telebot.StoredMessage{MessageID: strconv.Itoa(msg.ID), ChatID: p.chatID}
	p.logger.Debug("Telegram message sent", "tag", n.Tag, "message_id", msg.ID)
	return nil
}

// Dismiss deletes the message sent for tag.
func (p *Presenter) Dismiss(_ context.Context, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.messages[tag]
	if !ok {
		return nil
	}
	delete(p.messages, tag)
	if err := p.bot.Delete(stored); err != nil {
		return fmt.Errorf("delete %s: %w", tag, err)
	}
	return nil
}
