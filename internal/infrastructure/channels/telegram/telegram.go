// Package telegram forwards completed image analyses to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/domain/history"
	"github.com/sightline/sightline/internal/gateway/protocol"
	"github.com/sightline/sightline/internal/infrastructure/storage"
)

const (
	queueSize       = 32
	maxCaptionRunes = 1024
	maxTextRunes    = 4096
)

// Notifier sends each new_screenshot broadcast to one chat: the screenshot
// as a photo with the analysis as caption.
type Notifier struct {
	bot         *tgbotapi.BotAPI
	chatID      int64
	screenshots *storage.Dir
	logger      *slog.Logger

	queue    chan history.Entry
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New connects to the bot API. It fails when the token is rejected.
func New(cfg config.TelegramConfig, screenshots *storage.Dir, logger *slog.Logger) (*Notifier, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.BotToken)
	}
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	n := &Notifier{
		bot:         bot,
		chatID:      cfg.ChatID,
		screenshots: screenshots,
		logger:      logger.With("channel", "telegram"),
		queue:       make(chan history.Entry, queueSize),
		stopCh:      make(chan struct{}),
	}
	n.logger.Info("telegram bot connected", "username", bot.Self.UserName, "chat_id", cfg.ChatID)
	return n, nil
}

// Listen is a hub listener. It queues analyses without blocking; when the
// queue is full the entry is dropped.
func (n *Notifier) Listen(event string, payload any) {
	if event != protocol.EventNewScreenshot {
		return
	}
	entry, ok := payload.(history.Entry)
	if !ok {
		return
	}
	select {
	case n.queue <- entry:
	default:
		n.logger.Warn("telegram queue full, dropping analysis", "image", entry.ImageURL)
	}
}

// Run sends queued analyses until ctx is done or Stop is called.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.stopCh:
			return nil
		case entry := <-n.queue:
			if err := n.send(entry); err != nil {
				n.logger.Warn("telegram send failed", "image", entry.ImageURL, "error", err)
			}
		}
	}
}

// Stop ends Run.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

func (n *Notifier) send(entry history.Entry) error {
	caption := formatCaption(entry)

	if n.screenshots != nil {
		name := path.Base(entry.ImageURL)
		if data, err := n.screenshots.Read(name); err == nil {
			photo := tgbotapi.NewPhoto(n.chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
			photo.Caption = truncate(caption, maxCaptionRunes)
			if _, err := n.bot.Send(photo); err != nil {
				return fmt.Errorf("send photo: %w", err)
			}
			if utf8.RuneCountInString(caption) <= maxCaptionRunes {
				return nil
			}
		} else {
			n.logger.Debug("screenshot not readable, sending text only", "image", entry.ImageURL, "error", err)
		}
	}

	msg := tgbotapi.NewMessage(n.chatID, truncate(caption, maxTextRunes))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func formatCaption(e history.Entry) string {
	return fmt.Sprintf("%s\n\n(%s/%s)", e.Analysis, e.Provider, e.ModelID)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
