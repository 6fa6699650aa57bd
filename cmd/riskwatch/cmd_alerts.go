package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/domain"
)

func runAlerts(cmd *cobra.Command, args []string) error {
	severityRaw, _ := cmd.Flags().GetString("severity")
	windowRaw, _ := cmd.Flags().GetString("window")

	window, err := time.ParseDuration(windowRaw)
	if err != nil || window <= 0 {
		return fmt.Errorf("window must be a positive duration, e.g. 24h")
	}
	var severity domain.Severity
	if severityRaw != "" {
		severity = domain.Severity(severityRaw)
		if !severity.Valid() {
			return fmt.Errorf("severity must be one of info, warning, critical")
		}
	}

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alerts, err := a.repos.Alerts.Active(ctx, window)
	if err != nil {
		return err
	}
	if severity != "" {
		filtered := alerts[:0]
		for _, al := range alerts {
			if al.Severity == severity {
				filtered = append(filtered, al)
			}
		}
		alerts = filtered
	}

	if len(alerts) == 0 {
		fmt.Printf("no alerts in the last %s\n", window)
		return nil
	}
	for _, al := range alerts {
		state := "pending"
		if al.Notified {
			state = "notified"
			if al.NotificationChannel != "" {
				state += " via " + al.NotificationChannel
			}
		}
		fmt.Printf("%s %s  %-9s %s\n", severityMark(al.Severity),
			al.TriggeredAt.Format("01-02 15:04"), al.Severity, al.Message)
		fmt.Printf("      %s %s: %g %s %g  [%s", al.AssetSymbol, al.MetricName,
			al.Value, al.Operator, al.ThresholdValue, state)
		if al.SuppressedCount > 0 {
			fmt.Printf(", %d suppressed", al.SuppressedCount)
		}
		fmt.Println("]")
	}
	fmt.Printf("\n%d alert(s) in the last %s\n", len(alerts), window)
	return nil
}

func severityMark(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🔴"
	case domain.SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}
