package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// Failure codes stamped on alerts that will never be delivered.
const (
	FailureRetryCapExhausted = "retry_cap_exhausted"
	FailureTerminalRejection = "terminal_rejection"
)

// digestDetailLimit caps how many alerts a digest renders in full; the
// remainder collapses into a "+N more" line.
const digestDetailLimit = 10

// Envelope is the formatted notification payload handed to a transport.
type Envelope struct {
	ID              int64           `json:"id"`
	Severity        domain.Severity `json:"severity"`
	Asset           string          `json:"asset"`
	Metric          string          `json:"metric"`
	Value           float64         `json:"value"`
	Threshold       float64         `json:"threshold"`
	Operator        domain.Operator `json:"operator"`
	TriggeredAt     time.Time       `json:"triggered_at"`
	Chain           string          `json:"chain,omitempty"`
	SuppressedCount int             `json:"suppressed_count,omitempty"`
	Message         string          `json:"message"`
}

// envelopeFor flattens an alert row into its delivery form.
func envelopeFor(a persistence.Alert) Envelope {
	return Envelope{
		ID:              a.ID,
		Severity:        a.Severity,
		Asset:           a.AssetSymbol,
		Metric:          a.MetricName,
		Value:           a.Value,
		Threshold:       a.ThresholdValue,
		Operator:        a.Operator,
		TriggeredAt:     a.TriggeredAt,
		Chain:           a.Chain,
		SuppressedCount: a.SuppressedCount,
		Message:         a.Message,
	}
}

// Transport delivers envelopes over one notification channel. Failed
// deliveries return a NotificationTransportError; its Retriable flag
// decides whether the alert stays pending.
type Transport interface {
	Name() string

	// Send delivers one alert, used for criticals
	Send(ctx context.Context, env Envelope) error

	// SendBatch delivers a digest of several alerts in one message
	SendBatch(ctx context.Context, envs []Envelope) error
}

// DrainReport summarizes one notifier pass.
type DrainReport struct {
	Pending      int      `json:"pending"`
	CriticalSent int      `json:"critical_sent"`
	BatchSent    int      `json:"batch_sent"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
}

// Notifier drains pending alerts and pushes them through the delivery
// transport. Criticals go out one message each; warnings and infos share
// a digest. Side channels receive every drained alert best-effort and
// never influence the alert lifecycle.
type Notifier struct {
	alerts   persistence.AlertsRepo
	delivery Transport
	echoes   []Transport
	retryCap int
	batch    int
	tel      *telemetry.Metrics
}

// NewNotifier builds a notifier. The first transport is the delivery
// channel recorded on notified alerts; the rest are echo-only.
func NewNotifier(alerts persistence.AlertsRepo, cfg config.AlertingConfig, tel *telemetry.Metrics, delivery Transport, echoes ...Transport) *Notifier {
	retryCap := cfg.NotifyRetryCap
	if retryCap < 1 {
		retryCap = 5
	}
	batch := cfg.NotifyBatchSize
	if batch < 1 {
		batch = 100
	}
	return &Notifier{
		alerts:   alerts,
		delivery: delivery,
		echoes:   echoes,
		retryCap: retryCap,
		batch:    batch,
		tel:      tel,
	}
}

// Drain processes one batch of pending alerts. Alerts that fail a
// retriable delivery stay pending for the next pass until the retry cap;
// terminal rejections are marked failed immediately.
func (n *Notifier) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	pending, err := n.alerts.ListPending(ctx, n.batch)
	if err != nil {
		return report, fmt.Errorf("list pending alerts: %w", err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	var criticals, others []persistence.Alert
	for _, alert := range pending {
		if alert.Severity == domain.SeverityCritical {
			criticals = append(criticals, alert)
		} else {
			others = append(others, alert)
		}
	}

	if n.delivery != nil {
		for _, alert := range criticals {
			n.deliverOne(ctx, alert, &report)
		}
		n.deliverDigest(ctx, others, &report)
	}

	n.echo(ctx, pending)

	log.Info().
		Int("pending", report.Pending).
		Int("critical_sent", report.CriticalSent).
		Int("batch_sent", report.BatchSent).
		Int("failed", report.Failed).
		Msg("notifier pass finished")
	return report, nil
}

// deliverOne sends a single critical alert.
func (n *Notifier) deliverOne(ctx context.Context, alert persistence.Alert, report *DrainReport) {
	attempts, err := n.alerts.RecordAttempt(ctx, alert.ID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("alert %d: record attempt: %v", alert.ID, err))
		return
	}

	if err := n.delivery.Send(ctx, envelopeFor(alert)); err != nil {
		n.settleFailure(ctx, alert.ID, attempts, err, report)
		return
	}
	if err := n.alerts.MarkNotified(ctx, alert.ID, n.delivery.Name()); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("alert %d: mark notified: %v", alert.ID, err))
		return
	}
	n.tel.NotifyOutcome(n.delivery.Name(), "ok")
	report.CriticalSent++
}

// deliverDigest sends the non-critical alerts as one digest message.
func (n *Notifier) deliverDigest(ctx context.Context, alerts []persistence.Alert, report *DrainReport) {
	if len(alerts) == 0 {
		return
	}

	attempts := make(map[int64]int, len(alerts))
	included := make([]persistence.Alert, 0, len(alerts))
	envs := make([]Envelope, 0, len(alerts))
	for _, alert := range alerts {
		count, err := n.alerts.RecordAttempt(ctx, alert.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("alert %d: record attempt: %v", alert.ID, err))
			continue
		}
		attempts[alert.ID] = count
		included = append(included, alert)
		envs = append(envs, envelopeFor(alert))
	}
	if len(included) == 0 {
		return
	}

	if err := n.delivery.SendBatch(ctx, envs); err != nil {
		for _, alert := range included {
			n.settleFailure(ctx, alert.ID, attempts[alert.ID], err, report)
		}
		return
	}
	for _, alert := range included {
		if err := n.alerts.MarkNotified(ctx, alert.ID, n.delivery.Name()); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("alert %d: mark notified: %v", alert.ID, err))
			continue
		}
		n.tel.NotifyOutcome(n.delivery.Name(), "ok")
		report.BatchSent++
	}
}

// settleFailure decides whether a failed delivery stays pending. Terminal
// rejections and exhausted retry budgets become permanent failures.
func (n *Notifier) settleFailure(ctx context.Context, id int64, attempts int, cause error, report *DrainReport) {
	report.Errors = append(report.Errors, fmt.Sprintf("alert %d: %v", id, cause))

	code := ""
	switch {
	case !domain.IsRetriable(cause):
		code = FailureTerminalRejection
	case attempts >= n.retryCap:
		code = FailureRetryCapExhausted
	}
	if code == "" {
		n.tel.NotifyOutcome(n.delivery.Name(), "retry")
		log.Warn().
			Int64("alert_id", id).
			Int("attempts", attempts).
			Err(cause).
			Msg("alert delivery failed, will retry")
		return
	}

	if err := n.alerts.MarkFailed(ctx, id, code); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("alert %d: mark failed: %v", id, err))
		return
	}
	n.tel.NotifyOutcome(n.delivery.Name(), "failed")
	report.Failed++
	log.Error().
		Int64("alert_id", id).
		Int("attempts", attempts).
		Str("failure_code", code).
		Err(cause).
		Msg("alert permanently undeliverable")
}

// echo fans drained alerts out to the side channels.
func (n *Notifier) echo(ctx context.Context, alerts []persistence.Alert) {
	if len(n.echoes) == 0 {
		return
	}
	envs := make([]Envelope, 0, len(alerts))
	for _, alert := range alerts {
		envs = append(envs, envelopeFor(alert))
	}
	for _, t := range n.echoes {
		if err := t.SendBatch(ctx, envs); err != nil {
			log.Warn().Str("channel", t.Name()).Err(err).Msg("echo transport delivery failed")
		}
	}
}
