package main

import (
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/alerting"
	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/evm"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/datasources/pools"
	"github.com/vaultline/riskwatch/internal/datasources/prices"
	"github.com/vaultline/riskwatch/internal/datasources/quotes"
	"github.com/vaultline/riskwatch/internal/dispatch"
	"github.com/vaultline/riskwatch/internal/fetch"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/persistence/cache"
	"github.com/vaultline/riskwatch/internal/persistence/postgres"
	"github.com/vaultline/riskwatch/internal/scoring"
	"github.com/vaultline/riskwatch/internal/server"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// app holds the wired process dependencies. Every command bootstraps
// through newApp so config, database, sources and engines are assembled
// exactly one way.
type app struct {
	cfg        *config.Config
	db         *sqlx.DB
	repos      *persistence.Repository
	health     persistence.RepositoryHealth
	httpc      *httpx.Client
	tel        *telemetry.Metrics
	router     *fetch.Router
	alerts     *alerting.Engine
	dispatcher *dispatch.Dispatcher
	scorer     *scoring.Engine
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)

	db, err := postgres.Open(cfg.Database.DSN(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Name).Msg("database connected")

	repos := postgres.NewRepository(db, cfg.Database.Timeout())
	repos.Metrics = cache.NewCachingMetricsRepo(repos.Metrics,
		cache.NewAuto(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), cfg.Redis.TTL())
	tel := telemetry.New()

	respCache := httpx.NewMemoryResponseCache()
	if cfg.Redis.Addr != "" {
		respCache = httpx.NewAutoResponseCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("caches: redis")
	}
	httpc := httpx.New(cfg.Sources.HTTP, respCache)
	httpc.SetObserver(tel)

	chain := evm.NewReader(evm.NewClients(cfg.Sources.RPC))
	priceSrc := prices.New(httpc, cfg.Sources.PricesURL, cfg.Sources.PricesAPIKey)
	holderSrc := explorer.New(httpc, cfg.Sources.Explorers, cfg.Sources.ExplorerAPIKey)
	graphSrc := pools.NewGraph(httpc, cfg.Sources.SubgraphURL, cfg.Sources.SubgraphAPIKey)
	curveSrc := pools.NewCurve(httpc, cfg.Sources.CurveURL)
	quoteSrc := quotes.New(httpc, cfg.Sources.OneInchAPIKey, cfg.Sources.ZeroExAPIKey)

	router := fetch.NewRouter(
		fetch.NewMarketFetcher(priceSrc),
		fetch.NewOracleFetcher(chain),
		fetch.NewReserveFetcher(chain, httpc),
		fetch.NewLendingFetcher(chain, holderSrc),
		fetch.NewLiquidityFetcher(graphSrc, curveSrc, holderSrc, quoteSrc, priceSrc),
		fetch.NewDistributionFetcher(holderSrc, chain),
	)

	alerts := alerting.NewEngine(repos.Thresholds, repos.Alerts, cfg.Alerting, tel)
	dispatcher := dispatch.New(repos.Registry, repos.Metrics, router, alerts, cfg.Dispatch, tel)
	scorer := scoring.NewEngine(repos.Metrics, tel)

	return &app{
		cfg:        cfg,
		db:         db,
		repos:      repos,
		health:     postgres.NewHealth(db),
		httpc:      httpc,
		tel:        tel,
		router:     router,
		alerts:     alerts,
		dispatcher: dispatcher,
		scorer:     scorer,
	}, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// notifier assembles the drain pipeline. The first configured delivery
// channel wins: Telegram, then Slack, then the websocket hub. When a
// paging channel delivers, the hub still echoes every alert so open
// dashboards stay current. Returns nil when no channel is configured.
func (a *app) notifier(hub *server.Hub) *alerting.Notifier {
	ch := a.cfg.Alerting.Channels

	var delivery alerting.Transport
	switch {
	case ch.Telegram.Enabled && ch.Telegram.BotToken != "":
		delivery = alerting.NewTelegramTransport(a.httpc, ch.Telegram)
		log.Info().Msg("alert delivery: telegram")
	case ch.Slack.Enabled && ch.Slack.WebhookURL != "":
		delivery = alerting.NewSlackTransport(a.httpc, ch.Slack)
		log.Info().Msg("alert delivery: slack")
	}

	var echoes []alerting.Transport
	if hub != nil {
		if delivery == nil {
			delivery = hub
			log.Info().Msg("alert delivery: websocket stream")
		} else {
			echoes = append(echoes, hub)
		}
	}
	if delivery == nil {
		return nil
	}
	return alerting.NewNotifier(a.repos.Alerts, a.cfg.Alerting, a.tel, delivery, echoes...)
}

// setupLogging replaces the boot logger once config is read. Pretty
// keeps the console writer; otherwise output is line JSON for shipping.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
