package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

const telegramAPIBase = "https://api.telegram.org"

var telegramEmojis = map[domain.Severity]string{
	domain.SeverityCritical: "\U0001F6A8",
	domain.SeverityWarning:  "⚠️",
	domain.SeverityInfo:     "ℹ️",
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramTransport sends alerts through the bot sendMessage API using
// Markdown formatting.
type TelegramTransport struct {
	client  *httpx.Client
	cfg     config.TelegramConfig
	baseURL string
}

// NewTelegramTransport builds the bot transport.
func NewTelegramTransport(client *httpx.Client, cfg config.TelegramConfig) *TelegramTransport {
	return &TelegramTransport{client: client, cfg: cfg, baseURL: telegramAPIBase}
}

// Name returns the channel identifier recorded on notified alerts.
func (t *TelegramTransport) Name() string { return "telegram" }

// Send delivers one alert as a standalone message.
func (t *TelegramTransport) Send(ctx context.Context, env Envelope) error {
	return t.sendMessage(ctx, renderTelegramAlert(env))
}

// SendBatch delivers several alerts as one digest message. A single
// alert falls back to the individual rendering.
func (t *TelegramTransport) SendBatch(ctx context.Context, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if len(envs) == 1 {
		return t.Send(ctx, envs[0])
	}
	return t.sendMessage(ctx, renderTelegramDigest(envs))
}

func (t *TelegramTransport) sendMessage(ctx context.Context, text string) error {
	if t.cfg.BotToken == "" || t.cfg.ChatID == "" {
		return &domain.NotificationTransportError{
			Channel:   t.Name(),
			Retriable: false,
			Cause:     errors.New("bot token or chat id not configured"),
		}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	payload := telegramMessage{ChatID: t.cfg.ChatID, Text: text, ParseMode: "Markdown"}

	var reply telegramReply
	if err := t.client.PostJSON(ctx, url, payload, &reply); err != nil {
		return &domain.NotificationTransportError{
			Channel:   t.Name(),
			Retriable: httpx.Retriable(err),
			Cause:     err,
		}
	}
	if !reply.OK {
		return &domain.NotificationTransportError{
			Channel:   t.Name(),
			Retriable: false,
			Cause:     fmt.Errorf("telegram api rejected message: %s", reply.Description),
		}
	}
	return nil
}

// escapeMarkdown escapes underscores, the only Markdown special that
// occurs in metric names, so "por_ratio" survives Telegram rendering.
func escapeMarkdown(text string) string {
	return strings.ReplaceAll(text, "_", "\\_")
}

func telegramEmoji(s domain.Severity) string {
	if emoji, ok := telegramEmojis[s]; ok {
		return emoji
	}
	return "\U0001F514"
}

func renderTelegramAlert(env Envelope) string {
	chain := ""
	if env.Chain != "" {
		chain = fmt.Sprintf(" (%s)", env.Chain)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s ALERT*\n\n", telegramEmoji(env.Severity), strings.ToUpper(string(env.Severity)))
	fmt.Fprintf(&b, "*Asset:* %s\n", env.Asset)
	fmt.Fprintf(&b, "*Metric:* %s%s\n", escapeMarkdown(env.Metric), chain)
	fmt.Fprintf(&b, "*Value:* %.4f\n", env.Value)
	fmt.Fprintf(&b, "*Threshold:* %s %s", env.Operator, formatThreshold(env.Threshold))
	if env.SuppressedCount > 0 {
		fmt.Fprintf(&b, "\n*Suppressed:* %d repeats in window", env.SuppressedCount)
	}
	return b.String()
}

func renderTelegramDigest(envs []Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F4CA *Risk Alert Digest* (%d alerts)\n\n", len(envs))
	b.WriteString(digestSummary(envs, telegramEmojis))
	b.WriteString("\n\n")
	b.WriteString(strings.Repeat("─", 30))
	b.WriteString("\n")

	shown := envs
	if len(shown) > digestDetailLimit {
		shown = shown[:digestDetailLimit]
	}
	for _, env := range shown {
		chain := ""
		if env.Chain != "" {
			chain = fmt.Sprintf(" (%s)", env.Chain)
		}
		fmt.Fprintf(&b, "\n%s *%s* - %s%s\n   Value: %.4f (threshold: %s %s)\n",
			telegramEmoji(env.Severity), env.Asset, escapeMarkdown(env.Metric), chain,
			env.Value, env.Operator, formatThreshold(env.Threshold))
	}

	if len(envs) > digestDetailLimit {
		fmt.Fprintf(&b, "\n_...and %d more alerts_", len(envs)-digestDetailLimit)
	}
	return b.String()
}
