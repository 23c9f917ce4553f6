// Package publish adapts the Telegram Bot API to the scheduler's Publisher
// port. The adapter only sends what it is handed; message rendering happens
// upstream. Each send maps to at most one channel post per state transition,
// so a retried worker never produces a second message for the same entry.
package publish

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Telegram publishes rendered messages to one channel.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates against the Bot API and binds the channel.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("publish: authenticate bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", chatID).Msg("telegram publisher ready")
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Publish posts a single rendered message and returns its message id.
// The Bot API client has no context plumbing, so cancellation is honored
// between calls rather than mid-flight.
func (t *Telegram) Publish(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = false

	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("publish: send message: %w", err)
	}
	return sent.MessageID, nil
}

// PublishDigest posts one combined message for a batch of items. All items in
// the batch share the returned message id.
func (t *Telegram) PublishDigest(ctx context.Context, texts []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var b strings.Builder
	for i, txt := range texts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, txt)
	}
	return t.Publish(ctx, b.String())
}

// Pin pins a previously posted message in the channel. Best-effort for the
// caller; a pin failure never fails the publication itself.
func (t *Telegram) Pin(ctx context.Context, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pin := tgbotapi.PinChatMessageConfig{
		ChatID:              t.chatID,
		MessageID:           messageID,
		DisableNotification: true,
	}
	if _, err := t.bot.Request(pin); err != nil {
		return fmt.Errorf("publish: pin message %d: %w", messageID, err)
	}
	return nil
}
