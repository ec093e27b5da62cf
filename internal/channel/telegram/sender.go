// Package telegram provides notification delivery through the Telegram
// Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

// Telegram caps bots at ~30 messages/second overall.
const defaultRatePerSec = 25.0

// Sender implements the Telegram channel. A token-bucket limiter paces
// per-recipient sends below the Bot API flood limit; the manager's
// sliding window still governs whole-message admission.
type Sender struct {
	name    string
	bot     *tele.Bot
	limiter *rate.Limiter
}

// New creates a Telegram sender from a validated channel config. The bot
// is constructed offline; credentials are first exercised by HealthCheck
// or the first send.
func New(cfg channel.Config) (*Sender, error) {
	if cfg.Telegram == nil {
		return nil, errors.New("telegram sender: settings are required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Telegram.BotToken,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	perSec := cfg.Telegram.RatePerSec
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}

	return &Sender{
		name:    cfg.Name,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
	}, nil
}

// Name returns the channel name.
func (s *Sender) Name() string { return s.name }

// Type returns the channel type.
func (s *Sender) Type() channel.Type { return channel.TypeTelegram }

// Send delivers the message to every recipient chat ID. A failure for
// one recipient does not stop the rest; the first error is reported.
func (s *Sender) Send(ctx context.Context, msg *message.Notification) error {
	if len(msg.Recipients) == 0 {
		return &channel.SendError{
			Channel:   s.name,
			Err:       errors.New("no recipients"),
			Permanent: true,
		}
	}

	text := msg.Content
	if msg.Title != "" {
		text = msg.Title + "\n\n" + msg.Content
	}

	var firstErr error
	for _, recipient := range msg.Recipients {
		chatID, err := strconv.ParseInt(recipient, 10, 64)
		if err != nil {
			if firstErr == nil {
				firstErr = &channel.SendError{
					Channel:   s.name,
					Err:       fmt.Errorf("invalid chat id %q", recipient),
					Permanent: true,
				}
			}
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return &channel.SendError{Channel: s.name, Err: err}
		}

		if _, err := s.bot.Send(&tele.Chat{ID: chatID}, text); err != nil {
			if firstErr == nil {
				firstErr = s.mapError(err)
			}
		}
	}
	return firstErr
}

// HealthCheck verifies the bot token against the API.
func (s *Sender) HealthCheck(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.bot.Raw("getMe", nil); err != nil {
		return s.mapError(err)
	}
	return nil
}

// mapError converts telebot errors into the engine taxonomy.
func (s *Sender) mapError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &channel.RateLimitError{
			Channel:    s.name,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	if errors.Is(err, tele.ErrUnauthorized) {
		return &channel.AuthError{Channel: s.name, Err: err}
	}

	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return &channel.SendError{Channel: s.name, Err: err, Permanent: true}
	}

	return &channel.SendError{Channel: s.name, Err: err}
}
