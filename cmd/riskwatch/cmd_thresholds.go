package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/catalog"
)

func runThresholdsSeed(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	rules := catalog.SeedRules()
	if file != "" {
		var err error
		rules, err = catalog.LoadSeedFile(file)
		if err != nil {
			return err
		}
	}

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inserted, err := a.repos.Thresholds.Seed(ctx, rules)
	if err != nil {
		return err
	}
	fmt.Printf("✅ seeded %d new rule(s), %d already present\n", inserted, len(rules)-inserted)
	return nil
}

func runThresholdsList(cmd *cobra.Command, args []string) error {
	metric, _ := cmd.Flags().GetString("metric")

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := a.repos.Thresholds.List(ctx)
	if err != nil {
		return err
	}
	if metric != "" {
		filtered := rules[:0]
		for _, r := range rules {
			if r.MetricName == metric {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	fmt.Printf("%-5s %-10s %-26s %-3s %-12s %-9s %s\n",
		"ID", "SCOPE", "METRIC", "OP", "VALUE", "SEVERITY", "ENABLED")
	for _, r := range rules {
		scope := "global"
		if !r.Global() {
			scope = r.AssetSymbol
		}
		enabled := "yes"
		if !r.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-5d %-10s %-26s %-3s %-12g %-9s %s\n",
			r.ID, scope, r.MetricName, r.Operator, r.ThresholdValue, r.Severity, enabled)
	}
	fmt.Printf("\n%d rule(s)\n", len(rules))
	return nil
}

func runThresholdsEnable(cmd *cobra.Command, args []string) error {
	return setRuleEnabled(cmd, args[0], true)
}

func runThresholdsDisable(cmd *cobra.Command, args []string) error {
	return setRuleEnabled(cmd, args[0], false)
}

func setRuleEnabled(cmd *cobra.Command, rawID string, enabled bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("rule id must be an integer, got %q", rawID)
	}

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.repos.Thresholds.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	fmt.Printf("✅ rule %d %s\n", id, verb)
	return nil
}
