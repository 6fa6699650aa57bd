package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/server"
)

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		a.cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Server.Port = port
	}

	var hub *server.Hub
	if a.cfg.Alerting.Channels.WebSocket.Enabled {
		hub = server.NewHub(a.tel)
	}

	srv, err := server.New(a.cfg.Server, server.Deps{
		Registry:  a.repos.Registry,
		Metrics:   a.repos.Metrics,
		Alerts:    a.repos.Alerts,
		Scorer:    a.scorer,
		Health:    a.health,
		Breakers:  a.httpc.Breakers,
		Hub:       hub,
		Telemetry: a.tel,
	})
	if err != nil {
		return err
	}

	log.Info().Str("addr", srv.Addr()).Msg("🛡️ monitor API serving, no collection drivers")

	err = awaitInterrupt(srv)

	grace, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if hub != nil {
		hub.Close()
	}
	if shutErr := srv.Shutdown(grace); shutErr != nil {
		log.Warn().Err(shutErr).Msg("server shutdown incomplete")
	}
	return err
}
