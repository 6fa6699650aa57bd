package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/scoring"
)

func runScore(cmd *cobra.Command, args []string) error {
	symbol := strings.ToUpper(args[0])
	asJSON, _ := cmd.Flags().GetBool("json")
	cutoffRaw, _ := cmd.Flags().GetString("cutoff")

	var cutoff time.Time
	if cutoffRaw != "" {
		t, err := time.Parse(time.RFC3339, cutoffRaw)
		if err != nil {
			return fmt.Errorf("cutoff must be RFC3339, e.g. 2025-06-12T00:00:00Z: %w", err)
		}
		cutoff = t
	}

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asset, err := a.repos.Registry.Get(ctx, symbol)
	if err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("no registered asset with symbol %s", symbol)
	}

	result, err := a.scorer.Score(ctx, asset, cutoff)
	if err != nil {
		return err
	}

	if asJSON {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	printScoreReport(result)
	return nil
}

func printScoreReport(r *scoring.Result) {
	fmt.Printf("\n%s risk report, metrics as of %s\n", r.Asset, r.Cutoff.Format(time.RFC3339))

	checks := r.PrimaryChecks
	fmt.Printf("\nPrimary checks: %d/%d passed\n", checks.Passed, checks.Total)
	for _, c := range checks.Checks {
		mark := "✅"
		if c.Status == scoring.CheckFail {
			mark = "❌"
		}
		fmt.Printf("  %s %-24s %s\n", mark, c.Name, c.Reason)
	}

	if !r.Qualified {
		fmt.Printf("\n❌ DISQUALIFIED: %s\n\n", strings.Join(checks.Failed, ", "))
		return
	}

	o := r.Overall
	fmt.Printf("\n✅ QUALIFIED: %.1f (%s) %s\n", o.Score, o.Grade, o.Label)
	fmt.Printf("   risk level %s: %s\n", o.RiskLevel, o.Description)
	if o.BaseScore != o.Score {
		fmt.Printf("   base score %.1f (%s) before circuit breakers\n", o.BaseScore, o.BaseGrade)
	}

	fmt.Println("\nCategories:")
	for _, c := range r.Categories {
		fmt.Printf("  %-22s %5.1f  %-2s  weight %.0f%%\n", c.Label, c.Score, c.Grade, c.Weight)
		for _, s := range c.Subs {
			line := fmt.Sprintf("      %-24s %5.1f", s.Name, s.Score)
			if s.Detail != "" {
				line += "  " + s.Detail
			}
			fmt.Println(line)
		}
		if len(c.Missing) > 0 {
			fmt.Printf("      missing: %s\n", strings.Join(c.Missing, ", "))
		}
	}
	if len(r.MissingCategories) > 0 {
		fmt.Printf("\nNo data for %s; weights renormalized\n", strings.Join(r.MissingCategories, ", "))
	}
	if r.CircuitBreakers != nil && len(r.CircuitBreakers.Triggered) > 0 {
		fmt.Println("\nCircuit breakers:")
		for _, b := range r.CircuitBreakers.Triggered {
			fmt.Printf("  ⚡ %s: %s, %s\n", b.Name, b.Effect, b.Reason)
		}
	}
	fmt.Println()
}
