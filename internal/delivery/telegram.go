package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// UnsubscribeData is the callback payload of the opt-out button.
const UnsubscribeData = "dm:unsub"

type TelegramConfig struct {
	Token string
	// RatePerSec paces outgoing sends process-wide. Telegram allows about 30
	// messages per second per bot.
	RatePerSec int
	Timeout    time.Duration
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewTelegram(cfg TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	log.Info().Str("bot", b.Me.Username).Int("rps", rps).Msg("telegram sender ready")
	return &Telegram{bot: b, limiter: rate.NewLimiter(rate.Limit(rps), rps), log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, recipient int64, msg Message) (int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(msg.Format),
		DisableWebPagePreview: msg.DisablePreview,
	}
	if msg.Unsubscribe && recipient > 0 {
		opt.ReplyMarkup = &tele.ReplyMarkup{
			InlineKeyboard: [][]tele.InlineButton{{{Text: "Unsubscribe", Data: UnsubscribeData}}},
		}
	}

	m, err := t.bot.Send(tele.ChatID(recipient), msg.Text, opt)
	if err != nil {
		return 0, classifyTelegram(err)
	}
	return int64(m.ID), nil
}

// classifyTelegram maps Bot API errors onto the delivery error classes.
func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RateLimited(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return RateLimited(time.Duration(floodPtr.RetryAfter)*time.Second, err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Permanent(err)
		case http.StatusTooManyRequests:
			return RateLimited(time.Second, err)
		case http.StatusBadRequest:
			if IsPermanentText(apiErr.Description) {
				return Permanent(err)
			}
		}
	}
	return err
}

// LogSender only logs deliveries. It stands in for Telegram when no token is
// configured.
type LogSender struct {
	Log zerolog.Logger

	next atomic.Int64
}

func (s *LogSender) Send(ctx context.Context, recipient int64, msg Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := s.next.Add(1)
	s.Log.Info().Int64("recipient", recipient).Str("format", string(msg.Format)).Int("len", len(msg.Text)).Msg("delivery (dry run)")
	return id, nil
}
