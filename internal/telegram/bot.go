package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ObiAU/alertrelay/internal/models"
)

const (
	DefaultEndpoint = tgbotapi.APIEndpoint
	pollErrorDelay  = 5 * time.Second
)

type Options struct {
	// Endpoint is a format string taking the token and the method name.
	Endpoint      string
	SendTimeout   time.Duration
	PollTimeout   time.Duration
	RatePerSecond int
	// Transport is used by both the send and poll clients when set.
	Transport http.RoundTripper
}

func (o *Options) normalize() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 30 * time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 25
	}
}

// Bot sends messages and long-polls updates for one bot token.
type Bot struct {
	id          int64
	name        string
	api         *tgbotapi.BotAPI
	limiter     *rate.Limiter
	pollTimeout time.Duration
	logger      *zap.Logger
}

// splitClient gives getUpdates a client whose timeout outlasts the long
// poll while every other method uses the short send timeout.
type splitClient struct {
	send *http.Client
	poll *http.Client
}

func (c splitClient) Do(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		return c.poll.Do(req)
	}
	return c.send.Do(req)
}

func NewBot(b models.Bot, opts Options, logger *zap.Logger) (*Bot, error) {
	if b.Token == "" {
		return nil, fmt.Errorf("bot %q has no token", b.Name)
	}
	opts.normalize()

	api := &tgbotapi.BotAPI{
		Token:  b.Token,
		Buffer: 100,
		Client: splitClient{
			send: &http.Client{Timeout: opts.SendTimeout, Transport: opts.Transport},
			poll: &http.Client{Timeout: opts.PollTimeout + 10*time.Second, Transport: opts.Transport},
		},
	}
	api.SetAPIEndpoint(opts.Endpoint)

	return &Bot{
		id:          b.ID,
		name:        b.Name,
		api:         api,
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond),
		pollTimeout: opts.PollTimeout,
		logger:      logger.Named("telegram").With(zap.Int64("bot_id", b.ID), zap.String("bot", b.Name)),
	}, nil
}

func (b *Bot) ID() int64 { return b.id }

func (b *Bot) Name() string { return b.name }

// Send delivers an HTML message and returns the provider's message id.
// When Telegram rejects the markup the text is resent without parse mode.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := b.api.Send(msg)
	if err != nil && isEntityError(err) {
		b.logger.Warn("html rejected, resending as plain text", zap.Int64("chat_id", chatID), zap.Error(err))
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return int64(sent.MessageID), nil
}

func isEntityError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Message), "can't parse entities")
	}
	return false
}

// Reply sends a plain informational message, logging instead of failing.
func (b *Bot) Reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.Send(ctx, chatID, text); err != nil {
		b.logger.Warn("failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

type Handler func(ctx context.Context, bot *Bot, msg models.InboundMessage)

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// Poll long-polls updates until ctx is cancelled, handing each text
// message to handle. API errors are logged and retried after a pause.
func (b *Bot) Poll(ctx context.Context, handle Handler) error {
	offset := 0
	b.logger.Info("polling for updates")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = int(b.pollTimeout / time.Second)
		cfg.AllowedUpdates = []string{"message", "channel_post"}

		ch := make(chan pollResult, 1)
		go func() {
			updates, err := b.api.GetUpdates(cfg)
			ch <- pollResult{updates: updates, err: err}
		}()

		var res pollResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-ch:
		}

		if res.err != nil {
			b.logger.Warn("getUpdates failed", zap.Error(res.err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollErrorDelay):
			}
			continue
		}

		for _, update := range res.updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if msg, ok := b.inbound(update); ok {
				handle(ctx, b, msg)
			}
		}
	}
}

func (b *Bot) inbound(update tgbotapi.Update) (models.InboundMessage, bool) {
	m := update.Message
	if m == nil {
		m = update.ChannelPost
	}
	if m == nil || m.Chat == nil || strings.TrimSpace(m.Text) == "" {
		return models.InboundMessage{}, false
	}
	in := models.InboundMessage{
		BotID:     b.id,
		ChatID:    m.Chat.ID,
		ChatKind:  models.ChatKind(m.Chat.Type),
		Title:     m.Chat.Title,
		Username:  m.Chat.UserName,
		FirstName: m.Chat.FirstName,
		Text:      m.Text,
	}
	if in.Username == "" && m.From != nil {
		in.Username = m.From.UserName
	}
	if in.FirstName == "" && m.From != nil {
		in.FirstName = m.From.FirstName
	}
	return in, true
}
