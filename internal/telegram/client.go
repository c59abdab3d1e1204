// Package telegram sends analysis digests and daemon health notices through
// the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/filingwatch/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
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
	}, nil
}

// ListenForCommands polls for bot commands until ctx is cancelled. status
// renders the reply to /status.
func (c *Client) ListenForCommands(ctx context.Context, status func(context.Context) string) {
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
					c.handleCommand(ctx, update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, status func(context.Context) string) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status(ctx)
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a daemon error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Filingwatch error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Filingwatch recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// RankedIssuer pairs a risk score with the issuer's display fields.
type RankedIssuer struct {
	Score  *models.IssuerRiskScore
	Issuer *models.Issuer // may be nil when the issuer row is bare
}

// Digest is the summary sent after an analysis cycle.
type Digest struct {
	AsOfDate  string
	NewAlerts []*models.Alert
	TopRisk   []RankedIssuer
}

// Empty reports whether there is nothing worth sending.
func (d *Digest) Empty() bool {
	return len(d.NewAlerts) == 0 && len(d.TopRisk) == 0
}

// SendDigest sends an analysis digest. Empty digests are not sent.
func (c *Client) SendDigest(ctx context.Context, d Digest) error {
	if d.Empty() {
		return nil
	}
	return c.sendMarkdownV2(ctx, formatDigest(d))
}

func issuerLabel(cik int64, issuer *models.Issuer) string {
	switch {
	case issuer == nil || issuer.Name == "":
		return fmt.Sprintf("CIK %d", cik)
	case issuer.Ticker != "":
		return fmt.Sprintf("%s (%s)", issuer.Name, issuer.Ticker)
	default:
		return issuer.Name
	}
}

// formatDigest renders the digest as a Telegram MarkdownV2 message.
func formatDigest(d Digest) string {
	var b strings.Builder
	b.WriteString("🚨 *Filing Anomaly Digest*\n")
	if d.AsOfDate != "" {
		fmt.Fprintf(&b, "📅 As of %s\n", escapeMarkdownV2(d.AsOfDate))
	}
	b.WriteString("\n")

	if len(d.NewAlerts) > 0 {
		byType := make(map[string][]*models.Alert)
		var types []string
		for _, a := range d.NewAlerts {
			if _, ok := byType[a.AnomalyType]; !ok {
				types = append(types, a.AnomalyType)
			}
			byType[a.AnomalyType] = append(byType[a.AnomalyType], a)
		}
		sort.Strings(types)

		fmt.Fprintf(&b, "*New alerts* \\(%d\\)\n", len(d.NewAlerts))
		for _, typ := range types {
			alerts := byType[typ]
			sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Severity > alerts[j].Severity })
			fmt.Fprintf(&b, "\n`%s` × %d\n", escapeMarkdownV2(typ), len(alerts))
			for _, a := range alerts {
				sev := escapeMarkdownV2(fmt.Sprintf("%.2f", a.Severity))
				fmt.Fprintf(&b, "   • CIK %d *%s* %s\n", a.CIK, sev, escapeMarkdownV2(a.Description))
			}
		}
		b.WriteString("\n")
	}

	if len(d.TopRisk) > 0 {
		b.WriteString("*Top risk issuers*\n")
		for _, r := range d.TopRisk {
			score := escapeMarkdownV2(fmt.Sprintf("%.3f", r.Score.Score))
			pct := escapeMarkdownV2(fmt.Sprintf("%.0f%%", r.Score.Percentile*100))
			fmt.Fprintf(&b, "%d\\. %s *%s* \\(p%s\\)\n",
				r.Score.Rank, escapeMarkdownV2(issuerLabel(r.Score.CIK, r.Issuer)), score, pct)
			if len(r.Score.Evidence.TopSignals) > 0 {
				top := r.Score.Evidence.TopSignals[0]
				fmt.Fprintf(&b, "   🎯 %s\n", escapeMarkdownV2(fmt.Sprintf("%s: %d alert(s), +%.3f",
					top.Feature, top.Count, top.Contribution)))
			}
		}
	}

	return b.String()
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
