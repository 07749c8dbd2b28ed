// Package telegram implements the notifier interface over the Telegram Bot
// API, rendering a chart and sending it as a photo with a MarkdownV2
// caption.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyoracle/internal/chart"
	"github.com/rewired-gh/polyoracle/internal/models"
)

// Client delivers alert notifications to a single Telegram chat.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	recentTicks    func(marketID int64, limit int) ([]models.Tick, error)
}

// NewClient creates a Telegram notifier client. recentTicks supplies the
// raw-tick history used to render a chart, newest first (typically
// storage.Store.RecentRawTicksDesc); the client reverses it to oldest-first
// before rendering.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, recentTicks func(marketID int64, limit int) ([]models.Tick, error)) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		recentTicks:    recentTicks,
	}, nil
}

// Notify implements notifier.Notifier: it renders a chart from recent raw
// history (best-effort; a chart failure degrades to a text-only message)
// and sends the result with linear-backoff retry.
func (c *Client) Notify(ctx context.Context, market *models.Market, tick *models.Tick, detection *models.Detection) error {
	caption := c.formatCaption(market, tick, detection)

	png, chartErr := c.renderChart(market.MarketID)
	if chartErr != nil || png == nil {
		return c.sendWithRetry(ctx, func() error {
			msg := tgbotapi.NewMessage(c.chatID, caption)
			msg.ParseMode = "MarkdownV2"
			_, err := c.bot.Send(msg)
			return err
		})
	}

	return c.sendWithRetry(ctx, func() error {
		photo := tgbotapi.NewPhoto(c.chatID, tgbotapi.FileBytes{Name: "chart.png", Bytes: png})
		photo.Caption = caption
		photo.ParseMode = "MarkdownV2"
		_, err := c.bot.Send(photo)
		return err
	})
}

func (c *Client) renderChart(marketID int64) ([]byte, error) {
	if c.recentTicks == nil {
		return nil, nil
	}
	ticks, err := c.recentTicks(marketID, 400)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent ticks for chart: %w", err)
	}
	if len(ticks) == 0 {
		return nil, nil
	}
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
	return chart.RenderPriceSeries(fmt.Sprintf("market-%d", marketID), ticks)
}

func (c *Client) formatCaption(market *models.Market, tick *models.Tick, d *models.Detection) string {
	direction := "📈"
	if d.PriceChange < 0 {
		direction = "📉"
	}
	title := escapeMarkdownV2(market.Title)
	return fmt.Sprintf(
		"🚨 *Anomaly detected*\n%s\n%s Δ %s \\(price %s, vol z %s, score %s\\)",
		title,
		direction,
		escapeMarkdownV2(fmt.Sprintf("%.3f", d.PriceChange)),
		escapeMarkdownV2(fmt.Sprintf("%.3f", tick.YesPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", d.VolumeZ)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", d.AdjustedScore)),
	)
}

// sendWithRetry calls send up to maxRetries times in total, waiting
// retryDelayBase times the attempt number after each failure (linear
// backoff) and honoring context cancellation between attempts.
func (c *Client) sendWithRetry(ctx context.Context, send func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := send(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles bot commands. It returns immediately; the goroutine stops when
// ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
