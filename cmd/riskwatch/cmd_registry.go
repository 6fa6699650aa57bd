package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/registry"
)

func runRegistryLoad(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := registry.NewLoader(a.repos.Registry).LoadDirectory(ctx, dir)
	if err != nil {
		return err
	}

	for _, o := range report.Outcomes {
		if o.Error != "" {
			fmt.Printf("❌ %s: %s\n", o.File, o.Error)
		} else {
			fmt.Printf("✅ %s: %s\n", o.File, o.Symbol)
		}
	}
	fmt.Printf("\nloaded %d asset(s), %d rejected\n", report.Loaded, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d document(s) rejected", report.Failed)
	}
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assets, err := a.repos.Registry.List(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-10s %-28s %-16s %-8s %s\n", "SYMBOL", "NAME", "TYPE", "ENABLED", "UPDATED")
	for _, asset := range assets {
		enabled := "yes"
		if !asset.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-10s %-28s %-16s %-8s %s\n",
			asset.Symbol, asset.Name, asset.Type, enabled,
			asset.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\n%d asset(s)\n", len(assets))
	return nil
}

func runRegistryEnable(cmd *cobra.Command, args []string) error {
	return setAssetEnabled(cmd, args[0], true)
}

func runRegistryDisable(cmd *cobra.Command, args []string) error {
	return setAssetEnabled(cmd, args[0], false)
}

func setAssetEnabled(cmd *cobra.Command, symbol string, enabled bool) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.repos.Registry.SetEnabled(ctx, symbol, enabled); err != nil {
		return err
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	fmt.Printf("✅ %s %s\n", strings.ToUpper(symbol), verb)
	return nil
}
