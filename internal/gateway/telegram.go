package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "checkind/pkg/logx"
)

type TelegramConfig struct {
	Token string
}

// Telegram delivers to channels of the form "telegram:<chat id>". It is
// outbound-only; no poller is started.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, channel string, msg Message) error {
	provider, address, err := SplitChannel(channel)
	if err != nil {
		return err
	}
	if provider != "telegram" {
		return fmt.Errorf("telegram gateway cannot deliver to %q", provider)
	}
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed telegram chat id %q: %w", address, err)
	}

	// telebot's Send is not context-aware; run it on the side and respect
	// the caller's deadline for the hand-off.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), msg.Text)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			t.log.Warn("telegram send failed",
				logx.Int64("chat_id", chatID),
				logx.Err(err))
			return err
		}
		t.log.Debug("telegram send ok",
			logx.Int64("chat_id", chatID),
			logx.Duration("timeout_left", timeLeft(ctx)))
		return nil
	}
}

func timeLeft(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(dl)
}
