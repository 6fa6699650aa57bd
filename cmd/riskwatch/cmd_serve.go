package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/sched"
	"github.com/vaultline/riskwatch/internal/server"
)

const shutdownGrace = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *server.Hub
	if a.cfg.Alerting.Channels.WebSocket.Enabled {
		hub = server.NewHub(a.tel)
	}
	notifier := a.notifier(hub)
	if notifier == nil {
		log.Warn().Msg("no alert channel configured; alerts stay pending until one is enabled")
	}

	runner := sched.New()
	for _, class := range catalog.Classes() {
		class := class
		job := sched.JobFunc("dispatch_"+string(class), func(ctx context.Context) error {
			report, err := a.dispatcher.Tick(ctx, class)
			if err != nil {
				return err
			}
			if report.Failed > 0 || report.Incomplete {
				log.Warn().
					Str("class", string(class)).
					Int("failed", report.Failed).
					Bool("incomplete", report.Incomplete).
					Msg("tick finished with failures")
			}
			return nil
		})
		if err := runner.Every(a.cfg.IntervalFor(string(class)), job); err != nil {
			return err
		}
	}
	if notifier != nil {
		drain := sched.JobFunc("notify_drain", func(ctx context.Context) error {
			_, err := notifier.Drain(ctx)
			return err
		})
		if err := runner.Every(a.cfg.Alerting.DrainInterval(), drain); err != nil {
			return err
		}
	}

	srv, err := server.New(a.cfg.Server, server.Deps{
		Registry:  a.repos.Registry,
		Metrics:   a.repos.Metrics,
		Alerts:    a.repos.Alerts,
		Scorer:    a.scorer,
		Health:    a.health,
		Scheduler: runner,
		Breakers:  a.httpc.Breakers,
		Hub:       hub,
		Telemetry: a.tel,
	})
	if err != nil {
		return err
	}

	runner.Start(ctx)
	log.Info().Str("addr", srv.Addr()).Int("drivers", len(runner.Entries())).Msg("🛡️ riskwatch serving")

	err = awaitInterrupt(srv)

	cancel()
	grace, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if stopErr := runner.Stop(grace); stopErr != nil {
		log.Warn().Err(stopErr).Msg("scheduler did not stop cleanly")
	}
	if hub != nil {
		hub.Close()
	}
	if shutErr := srv.Shutdown(grace); shutErr != nil {
		log.Warn().Err(shutErr).Msg("server shutdown incomplete")
	}
	if err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// awaitInterrupt blocks until SIGINT/SIGTERM or a listener failure. A
// signal returns nil so the caller can shut down cleanly.
func awaitInterrupt(srv *server.Server) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		return nil
	case err := <-serverErr:
		return fmt.Errorf("monitor server: %w", err)
	}
}
