package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

// Severity colors for Slack attachments.
var slackColors = map[domain.Severity]string{
	domain.SeverityCritical: "#FF0000",
	domain.SeverityWarning:  "#FFA500",
	domain.SeverityInfo:     "#0000FF",
}

var slackEmojis = map[domain.Severity]string{
	domain.SeverityCritical: ":rotating_light:",
	domain.SeverityWarning:  ":warning:",
	domain.SeverityInfo:     ":information_source:",
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
	Blocks      []slackBlock      `json:"blocks,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackTransport posts alerts to an incoming-webhook URL. Singles render
// as colored attachments, digests as block sections.
type SlackTransport struct {
	client *httpx.Client
	cfg    config.SlackConfig
	now    func() time.Time
}

// NewSlackTransport builds the webhook transport.
func NewSlackTransport(client *httpx.Client, cfg config.SlackConfig) *SlackTransport {
	return &SlackTransport{client: client, cfg: cfg, now: time.Now}
}

// Name returns the channel identifier recorded on notified alerts.
func (t *SlackTransport) Name() string { return "slack" }

// Send delivers one alert as a colored attachment.
func (t *SlackTransport) Send(ctx context.Context, env Envelope) error {
	payload := slackPayload{
		Channel:     t.cfg.Channel,
		Attachments: []slackAttachment{t.attachment(env)},
	}
	return t.post(ctx, payload)
}

// SendBatch delivers several alerts as one digest message. A single
// alert falls back to the individual rendering.
func (t *SlackTransport) SendBatch(ctx context.Context, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if len(envs) == 1 {
		return t.Send(ctx, envs[0])
	}
	payload := t.digest(envs)
	payload.Channel = t.cfg.Channel
	return t.post(ctx, payload)
}

func (t *SlackTransport) attachment(env Envelope) slackAttachment {
	fields := []slackField{
		{Title: "Asset", Value: env.Asset, Short: true},
		{Title: "Metric", Value: env.Metric, Short: true},
		{Title: "Value", Value: fmt.Sprintf("%.4f", env.Value), Short: true},
		{Title: "Threshold", Value: fmt.Sprintf("%s %s", env.Operator, formatThreshold(env.Threshold)), Short: true},
	}
	if env.Chain != "" {
		fields = append(fields, slackField{Title: "Chain", Value: env.Chain, Short: true})
	}
	if env.SuppressedCount > 0 {
		fields = append(fields, slackField{
			Title: "Suppressed",
			Value: fmt.Sprintf("%d repeats in window", env.SuppressedCount),
			Short: true,
		})
	}

	return slackAttachment{
		Color:  slackColor(env.Severity),
		Title:  fmt.Sprintf("%s %s Alert", slackEmoji(env.Severity), strings.ToUpper(string(env.Severity))),
		Text:   env.Message,
		Fields: fields,
		Footer: "riskwatch",
		TS:     t.now().Unix(),
	}
}

func (t *SlackTransport) digest(envs []Envelope) slackPayload {
	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{
				Type:  "plain_text",
				Text:  fmt.Sprintf("Risk Alert Digest (%d alerts)", len(envs)),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: digestSummary(envs, slackEmojis)},
		},
		{Type: "divider"},
	}

	shown := envs
	if len(shown) > digestDetailLimit {
		shown = shown[:digestDetailLimit]
	}
	for _, env := range shown {
		chain := ""
		if env.Chain != "" {
			chain = fmt.Sprintf(" (%s)", env.Chain)
		}
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("%s *%s* - %s%s\nValue: `%.4f` (threshold: %s %s)",
					slackEmoji(env.Severity), env.Asset, env.Metric, chain,
					env.Value, env.Operator, formatThreshold(env.Threshold)),
			},
		})
	}

	if len(envs) > digestDetailLimit {
		blocks = append(blocks, slackBlock{
			Type: "context",
			Elements: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("_...and %d more alerts_", len(envs)-digestDetailLimit)},
			},
		})
	}

	return slackPayload{Blocks: blocks}
}

func (t *SlackTransport) post(ctx context.Context, payload slackPayload) error {
	if t.cfg.WebhookURL == "" {
		return &domain.NotificationTransportError{
			Channel:   t.Name(),
			Retriable: false,
			Cause:     errors.New("webhook url not configured"),
		}
	}
	if err := t.client.PostJSON(ctx, t.cfg.WebhookURL, payload, nil); err != nil {
		return &domain.NotificationTransportError{
			Channel:   t.Name(),
			Retriable: httpx.Retriable(err),
			Cause:     err,
		}
	}
	return nil
}

func slackColor(s domain.Severity) string {
	if color, ok := slackColors[s]; ok {
		return color
	}
	return "#808080"
}

func slackEmoji(s domain.Severity) string {
	if emoji, ok := slackEmojis[s]; ok {
		return emoji
	}
	return ":bell:"
}

// digestSummary renders the per-severity counts line shared by the digest
// renderings, e.g. ":rotating_light: 2 Critical | :warning: 5 Warning".
func digestSummary(envs []Envelope, emojis map[domain.Severity]string) string {
	counts := map[domain.Severity]int{}
	for _, env := range envs {
		counts[env.Severity]++
	}

	var parts []string
	if n := counts[domain.SeverityCritical]; n > 0 {
		parts = append(parts, fmt.Sprintf("%s %d Critical", emojis[domain.SeverityCritical], n))
	}
	if n := counts[domain.SeverityWarning]; n > 0 {
		parts = append(parts, fmt.Sprintf("%s %d Warning", emojis[domain.SeverityWarning], n))
	}
	if n := counts[domain.SeverityInfo]; n > 0 {
		parts = append(parts, fmt.Sprintf("%s %d Info", emojis[domain.SeverityInfo], n))
	}
	return strings.Join(parts, " | ")
}
