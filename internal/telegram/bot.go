// Package telegram delivers detection alerts to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"skywatch/internal/alert"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	APIURL   string        // default DefaultAPIURL
	Timeout  time.Duration // per request, default 10s
}

// Validate reports missing credentials.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return errors.New("telegram: bot token is required")
	}
	if c.ChatID == "" {
		return errors.New("telegram: chat id is required")
	}
	return nil
}

// response is the envelope of every Bot API reply.
type response struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot sends alerts through the Bot API. It implements alert.Notifier.
type Bot struct {
	chatID string
	client *resty.Client
	logger *zap.Logger
}

var _ alert.Notifier = (*Bot)(nil)

// NewBot creates a Bot after validating cfg.
func NewBot(cfg Config, logger *zap.Logger) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		chatID: cfg.ChatID,
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.BotToken).
			SetTimeout(cfg.Timeout),
		logger: logger.Named("telegram"),
	}, nil
}

func (b *Bot) Name() string { return "telegram" }

// Notify sends the annotated snapshot with a caption, or a plain message
// when the event carries no snapshot.
func (b *Bot) Notify(ctx context.Context, ev alert.Event) error {
	caption := Caption(ev)
	if len(ev.Snapshot) > 0 {
		return b.sendPhoto(ctx, ev.Snapshot, caption)
	}
	return b.sendMessage(ctx, caption)
}

// Caption renders the HTML alert text.
func Caption(ev alert.Event) string {
	zone, _ := ev.At.Zone()
	return fmt.Sprintf(
		"🚨 <b>Detection Alert!</b>\n\n"+
			"📹 Camera: %s\n"+
			"🎯 Detected: %s (%.0f%%)\n"+
			"🕐 Time: %s %s",
		html.EscapeString(ev.Camera),
		html.EscapeString(ev.DetectedClass),
		ev.Confidence*100,
		ev.At.Format("2 Jan 2006, 15:04:05"), zone,
	)
}

func (b *Bot) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var out response
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":    b.chatID,
			"caption":    caption,
			"parse_mode": "HTML",
		}).
		SetFileReader("photo", "detection.jpg", bytes.NewReader(photo)).
		SetResult(&out).
		SetError(&out).
		Post("/sendPhoto")
	return check(resp, &out, err)
}

func (b *Bot) sendMessage(ctx context.Context, text string) error {
	var out response
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    b.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&out).
		SetError(&out).
		Post("/sendMessage")
	return check(resp, &out, err)
}

func check(resp *resty.Response, out *response, err error) error {
	if err != nil {
		return errors.Wrap(err, "telegram request")
	}
	if !out.OK {
		if out.Description != "" {
			return errors.Errorf("telegram API error %d: %s", out.ErrorCode, out.Description)
		}
		return errors.Errorf("telegram API returned %s", resp.Status())
	}
	return nil
}
