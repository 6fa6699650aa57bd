package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "riskwatch"
	version = "v1.2.0"
)

func main() {
	// Boot logger until config says otherwise.
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   "riskwatch",
		Short: "RiskWatch - DeFi asset risk monitoring and scoring",
		Long: `RiskWatch watches wrapped, liquid-staking and stablecoin assets on-chain,
stores their risk metrics, raises threshold alerts and scores every
asset across six weighted risk categories.`,
		Run: func(cmd *cobra.Command, args []string) {
			runDefaultEntry(cmd)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (falls back to RISKWATCH_CONFIG, then built-in defaults)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run collection drivers, alert drain and the monitor API in one process",
		Long: `Serve is the long-running mode. Interval drivers fetch metrics per
cadence class, every stored sample is evaluated against the threshold
rules, the notifier drains pending alerts to the configured channels,
and the HTTP API serves registry, metrics, alerts, scores and health.`,
		RunE: runServe,
	}

	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one foreground collection tick for a cadence class",
		RunE:  runDispatch,
	}
	dispatchCmd.Flags().String("class", "critical", "Cadence class: critical, high, medium or daily")
	dispatchCmd.Flags().String("asset", "", "Restrict the tick to one registered symbol")

	scoreCmd := &cobra.Command{
		Use:   "score SYMBOL",
		Short: "Score one asset from its stored metrics",
		Args:  cobra.ExactArgs(1),
		RunE:  runScore,
	}
	scoreCmd.Flags().Bool("json", false, "Emit the raw scoring result as JSON")
	scoreCmd.Flags().String("cutoff", "", "Score as of this RFC3339 instant instead of now")

	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage the monitored asset set",
	}
	registryLoadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load asset documents from a directory into the registry",
		RunE:  runRegistryLoad,
	}
	registryLoadCmd.Flags().String("dir", "config/assets", "Directory of per-asset JSON documents")
	registryListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered assets",
		RunE:  runRegistryList,
	}
	registryEnableCmd := &cobra.Command{
		Use:   "enable SYMBOL",
		Short: "Resume collection for an asset",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegistryEnable,
	}
	registryDisableCmd := &cobra.Command{
		Use:   "disable SYMBOL",
		Short: "Pause collection for an asset, keeping its history",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegistryDisable,
	}
	registryCmd.AddCommand(registryLoadCmd, registryListCmd, registryEnableCmd, registryDisableCmd)

	thresholdsCmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Manage threshold alert rules",
	}
	thresholdsSeedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the stock rule set, skipping rules already present",
		RunE:  runThresholdsSeed,
	}
	thresholdsSeedCmd.Flags().String("file", "", "Seed from a YAML rule file instead of the built-in set")
	thresholdsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List threshold rules",
		RunE:  runThresholdsList,
	}
	thresholdsListCmd.Flags().String("metric", "", "Only rules for this metric")
	thresholdsEnableCmd := &cobra.Command{
		Use:   "enable ID",
		Short: "Re-arm a threshold rule",
		Args:  cobra.ExactArgs(1),
		RunE:  runThresholdsEnable,
	}
	thresholdsDisableCmd := &cobra.Command{
		Use:   "disable ID",
		Short: "Mute a threshold rule without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE:  runThresholdsDisable,
	}
	thresholdsCmd.AddCommand(thresholdsSeedCmd, thresholdsListCmd, thresholdsEnableCmd, thresholdsDisableCmd)

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show alerts fired inside a recent window",
		RunE:  runAlerts,
	}
	alertsCmd.Flags().String("severity", "", "Only info, warning or critical")
	alertsCmd.Flags().String("window", "24h", "Look-back window, e.g. 6h or 30m")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the HTTP monitor API without collection drivers",
		Long: `Monitor serves the read API and the websocket alert stream against the
existing database without scheduling any collection work. Useful next
to a serve process on another host, or for inspecting a snapshot.`,
		RunE: runMonitor,
	}
	monitorCmd.Flags().String("host", "", "Override the configured listen host")
	monitorCmd.Flags().Int("port", 0, "Override the configured listen port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the riskwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, dispatchCmd, scoreCmd, registryCmd, thresholdsCmd, alertsCmd, monitorCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// runDefaultEntry keeps bare invocations explicit. Humans get the banner
// and help; automation gets an actionable message on stderr and exit 2.
func runDefaultEntry(cmd *cobra.Command) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "❌ riskwatch needs a subcommand when stdin is not a terminal")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Examples:")
		fmt.Fprintln(os.Stderr, "  riskwatch serve                        # drivers + alert drain + monitor API")
		fmt.Fprintln(os.Stderr, "  riskwatch dispatch --class critical    # one foreground tick")
		fmt.Fprintln(os.Stderr, "  riskwatch score WSTETH                 # risk report for one asset")
		os.Exit(2)
	}

	fmt.Printf("🛡️  RiskWatch %s - DeFi asset risk monitor\n\n", version)
	fmt.Println("   Collection:  interval drivers per cadence class (critical/high/medium/daily)")
	fmt.Println("   Alerting:    threshold rules, suppression, Slack/Telegram/websocket drain")
	fmt.Println("   Scoring:     six weighted categories, circuit breakers, A-F grades")
	fmt.Println()
	_ = cmd.Help()
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
