package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/dispatch"
)

func runDispatch(cmd *cobra.Command, args []string) error {
	className, _ := cmd.Flags().GetString("class")
	symbol, _ := cmd.Flags().GetString("asset")

	class := catalog.Class(className)
	if !class.Valid() {
		return fmt.Errorf("unknown cadence class %q (want critical, high, medium or daily)", className)
	}

	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var report *dispatch.TickReport
	if symbol != "" {
		report, err = a.dispatcher.TickAsset(ctx, class, symbol)
	} else {
		report, err = a.dispatcher.Tick(ctx, class)
	}
	if err != nil {
		return err
	}

	printTickReport(report)
	return nil
}

func printTickReport(r *dispatch.TickReport) {
	status := "✅"
	if r.Failed > 0 || r.Incomplete {
		status = "⚠️"
	}
	fmt.Printf("%s tick %s (%s): %d/%d units ok, %d samples from %d assets in %s\n",
		status, r.RunID, r.Class, r.Succeeded, r.Units, r.Samples, r.Assets,
		r.Elapsed.Round(time.Millisecond))
	if r.Incomplete {
		fmt.Println("   deadline hit before every unit ran")
	}
	for _, f := range r.Failures {
		fmt.Printf("   ❌ %s (%s, %d attempts): %s\n", f.Unit, f.Kind, f.Attempts, f.Err)
	}
}
