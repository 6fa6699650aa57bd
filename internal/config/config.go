// Package config loads the process configuration from YAML with
// environment overrides. Defaults match the documented collection
// cadences and retry policy, so an empty file is a valid deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Alerting AlertingConfig `yaml:"alerting"`
	Sources  SourcesConfig  `yaml:"sources"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	TimeoutSecs  int    `yaml:"timeout_secs"` // Per-statement timeout
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// Timeout returns the per-statement timeout.
func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSecs) * time.Second
}

// RedisConfig configures the latest-metrics cache. An empty Addr disables
// Redis and falls back to the in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLSecs  int    `yaml:"ttl_secs"` // Latest-metric entry TTL
}

// TTL returns the cache entry lifetime.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSecs) * time.Second
}

// RetryConfig is the dispatcher's retry policy for retriable fetch errors.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries"`     // Attempts beyond the first
	BackoffBaseMS int     `yaml:"backoff_base_ms"` // First backoff delay
	BackoffCapMS  int     `yaml:"backoff_cap_ms"`  // Upper bound on delay
	JitterPct     float64 `yaml:"jitter_pct"`      // +/- applied to each delay
}

// BackoffBase returns the first retry delay.
func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the maximum retry delay.
func (r RetryConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapMS) * time.Millisecond
}

// DeadlineConfig sets per-unit deadlines by frequency class.
type DeadlineConfig struct {
	CriticalSecs int `yaml:"critical_secs"` // Critical-class work units
	DefaultSecs  int `yaml:"default_secs"`  // Everything else
}

// IntervalConfig sets tick intervals per frequency class.
type IntervalConfig struct {
	CriticalSecs int `yaml:"critical_secs"`
	HighSecs     int `yaml:"high_secs"`
	MediumSecs   int `yaml:"medium_secs"`
	DailySecs    int `yaml:"daily_secs"`
}

// DispatchConfig configures the worker pool and tick behavior.
type DispatchConfig struct {
	Workers             int            `yaml:"workers"`               // Bounded pool size
	UnitDeadline        DeadlineConfig `yaml:"unit_deadline"`         // Per-unit deadlines
	OuterDeadlineFactor int            `yaml:"outer_deadline_factor"` // Tick deadline = factor x unit deadline
	Retry               RetryConfig    `yaml:"retry"`
	Interval            IntervalConfig `yaml:"interval"`
}

// SlackConfig configures the Slack webhook transport.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Enabled    bool   `yaml:"enabled"`
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	Enabled  bool   `yaml:"enabled"`
}

// WebSocketConfig configures the alert stream fan-out.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ChannelsConfig groups notification transports.
type ChannelsConfig struct {
	Slack     SlackConfig     `yaml:"slack"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// AlertingConfig configures the alert engine and notifier.
type AlertingConfig struct {
	SuppressionWindowMins int            `yaml:"suppression_window_mins"` // Burst de-duplication window
	NotifyRetryCap        int            `yaml:"notify_retry_cap"`        // Attempts before permanent failure
	NotifyBatchSize       int            `yaml:"notify_batch_size"`       // Pending alerts drained per tick
	NotifyDrainSecs       int            `yaml:"notify_drain_secs"`       // Drain cadence under serve
	Channels              ChannelsConfig `yaml:"channels"`
}

// SuppressionWindow returns the de-duplication window.
func (a AlertingConfig) SuppressionWindow() time.Duration {
	return time.Duration(a.SuppressionWindowMins) * time.Minute
}

// DrainInterval returns the notifier drain cadence.
func (a AlertingConfig) DrainInterval() time.Duration {
	return time.Duration(a.NotifyDrainSecs) * time.Second
}

// BreakerConfig configures the per-host circuit breakers on upstream calls.
type BreakerConfig struct {
	MaxFailures      int `yaml:"max_failures"`       // Consecutive failures to open
	ResetTimeoutSecs int `yaml:"reset_timeout_secs"` // Open period before half-open probe
}

// ResetTimeout returns the breaker's open period.
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutSecs) * time.Second
}

// HTTPClientConfig throttles and caches upstream REST calls.
type HTTPClientConfig struct {
	RPS          float64       `yaml:"rps"`            // Requests per second per host
	Burst        int           `yaml:"burst"`          // Token bucket burst
	TimeoutSecs  int           `yaml:"timeout_secs"`   // Per-request timeout
	CacheTTLSecs int           `yaml:"cache_ttl_secs"` // Response cache TTL
	Breaker      BreakerConfig `yaml:"breaker"`
}

// Timeout returns the per-request timeout.
func (h HTTPClientConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSecs) * time.Second
}

// CacheTTL returns the response cache lifetime.
func (h HTTPClientConfig) CacheTTL() time.Duration {
	return time.Duration(h.CacheTTLSecs) * time.Second
}

// SourcesConfig points at the external data dependencies.
type SourcesConfig struct {
	RPC            map[string]string `yaml:"rpc"`        // chain -> JSON-RPC endpoint
	PricesURL      string            `yaml:"prices_url"` // historical quote source
	PricesAPIKey   string            `yaml:"prices_api_key"`
	Explorers      map[string]string `yaml:"explorers"` // chain -> holder explorer base URL
	ExplorerAPIKey string            `yaml:"explorer_api_key"`
	SubgraphURL    string            `yaml:"subgraph_url"` // graph gateway base
	SubgraphAPIKey string            `yaml:"subgraph_api_key"`
	CurveURL       string            `yaml:"curve_url"`
	OneInchAPIKey  string            `yaml:"oneinch_api_key"`
	ZeroExAPIKey   string            `yaml:"zeroex_api_key"`
	HTTP           HTTPClientConfig  `yaml:"http"`
}

// ServerConfig configures the monitoring HTTP surface.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int    `yaml:"idle_timeout_secs"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"` // Console writer instead of JSON
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "riskwatch",
			User:         "riskwatch",
			SSLMode:      "disable",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			TimeoutSecs:  10,
		},
		Redis: RedisConfig{
			TTLSecs: 300,
		},
		Dispatch: DispatchConfig{
			Workers: 16,
			UnitDeadline: DeadlineConfig{
				CriticalSecs: 30,
				DefaultSecs:  60,
			},
			OuterDeadlineFactor: 5,
			Retry: RetryConfig{
				MaxRetries:    2,
				BackoffBaseMS: 1000,
				BackoffCapMS:  8000,
				JitterPct:     25,
			},
			Interval: IntervalConfig{
				CriticalSecs: 300,
				HighSecs:     1800,
				MediumSecs:   21600,
				DailySecs:    86400,
			},
		},
		Alerting: AlertingConfig{
			SuppressionWindowMins: 15,
			NotifyRetryCap:        5,
			NotifyBatchSize:       100,
			NotifyDrainSecs:       60,
			Channels: ChannelsConfig{
				WebSocket: WebSocketConfig{Enabled: true},
			},
		},
		Sources: SourcesConfig{
			RPC:       map[string]string{},
			PricesURL: "https://api.coingecko.com/api/v3",
			Explorers: map[string]string{
				"ethereum": "https://eth.blockscout.com",
				"base":     "https://base.blockscout.com",
				"arbitrum": "https://arbitrum.blockscout.com",
				"optimism": "https://optimism.blockscout.com",
				"polygon":  "https://polygon.blockscout.com",
			},
			SubgraphURL: "https://gateway.thegraph.com/api",
			CurveURL:    "https://api.curve.finance/v1",
			HTTP: HTTPClientConfig{
				RPS:          4,
				Burst:        8,
				TimeoutSecs:  20,
				CacheTTLSecs: 60,
				Breaker: BreakerConfig{
					MaxFailures:      5,
					ResetTimeoutSecs: 60,
				},
			},
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeoutSecs:  15,
			WriteTimeoutSecs: 30,
			IdleTimeoutSecs:  60,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (optional), layers environment
// overrides on top of defaults, and validates the result. A .env file in
// the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("RISKWATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envStr("DB_NAME", &cfg.Database.Name)
	envStr("DB_USER", &cfg.Database.User)
	envStr("DB_PASSWORD", &cfg.Database.Password)
	envStr("DB_SSLMODE", &cfg.Database.SSLMode)

	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)

	envInt("HTTP_PORT", &cfg.Server.Port)
	envStr("RISKWATCH_LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerting.Channels.Slack.WebhookURL = v
		cfg.Alerting.Channels.Slack.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Alerting.Channels.Telegram.BotToken = v
		cfg.Alerting.Channels.Telegram.Enabled = true
	}
	envStr("TELEGRAM_CHAT_ID", &cfg.Alerting.Channels.Telegram.ChatID)

	envStr("PRICES_API_KEY", &cfg.Sources.PricesAPIKey)
	envStr("EXPLORER_API_KEY", &cfg.Sources.ExplorerAPIKey)
	envStr("SUBGRAPH_API_KEY", &cfg.Sources.SubgraphAPIKey)
	envStr("ONEINCH_API_KEY", &cfg.Sources.OneInchAPIKey)
	envStr("ZEROEX_API_KEY", &cfg.Sources.ZeroExAPIKey)

	for _, chain := range []string{"ethereum", "base", "arbitrum", "optimism", "polygon"} {
		key := "RPC_URL_" + toEnvUpper(chain)
		if v := os.Getenv(key); v != "" {
			if cfg.Sources.RPC == nil {
				cfg.Sources.RPC = map[string]string{}
			}
			cfg.Sources.RPC[chain] = v
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func toEnvUpper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.UnitDeadline.CriticalSecs < 1 || c.Dispatch.UnitDeadline.DefaultSecs < 1 {
		return fmt.Errorf("dispatch.unit_deadline values must be positive")
	}
	if c.Dispatch.OuterDeadlineFactor < 1 {
		return fmt.Errorf("dispatch.outer_deadline_factor must be at least 1, got %d", c.Dispatch.OuterDeadlineFactor)
	}
	if c.Dispatch.Retry.MaxRetries < 0 {
		return fmt.Errorf("dispatch.retry.max_retries must be non-negative, got %d", c.Dispatch.Retry.MaxRetries)
	}
	if c.Dispatch.Retry.BackoffBaseMS < 1 || c.Dispatch.Retry.BackoffCapMS < c.Dispatch.Retry.BackoffBaseMS {
		return fmt.Errorf("dispatch.retry backoff must satisfy 0 < base <= cap")
	}
	if c.Dispatch.Retry.JitterPct < 0 || c.Dispatch.Retry.JitterPct > 100 {
		return fmt.Errorf("dispatch.retry.jitter_pct must be within [0,100], got %g", c.Dispatch.Retry.JitterPct)
	}
	intervals := map[string]int{
		"critical": c.Dispatch.Interval.CriticalSecs,
		"high":     c.Dispatch.Interval.HighSecs,
		"medium":   c.Dispatch.Interval.MediumSecs,
		"daily":    c.Dispatch.Interval.DailySecs,
	}
	for class, secs := range intervals {
		if secs < 1 {
			return fmt.Errorf("dispatch.interval.%s_secs must be positive, got %d", class, secs)
		}
	}
	if c.Alerting.SuppressionWindowMins < 0 {
		return fmt.Errorf("alerting.suppression_window_mins must be non-negative")
	}
	if c.Alerting.NotifyRetryCap < 1 {
		return fmt.Errorf("alerting.notify_retry_cap must be at least 1, got %d", c.Alerting.NotifyRetryCap)
	}
	if c.Alerting.NotifyDrainSecs < 1 {
		return fmt.Errorf("alerting.notify_drain_secs must be positive, got %d", c.Alerting.NotifyDrainSecs)
	}
	if c.Alerting.Channels.Slack.Enabled && c.Alerting.Channels.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.channels.slack enabled without webhook_url")
	}
	if c.Alerting.Channels.Telegram.Enabled && (c.Alerting.Channels.Telegram.BotToken == "" || c.Alerting.Channels.Telegram.ChatID == "") {
		return fmt.Errorf("alerting.channels.telegram enabled without bot_token and chat_id")
	}
	if c.Sources.HTTP.RPS <= 0 {
		return fmt.Errorf("sources.http.rps must be positive, got %g", c.Sources.HTTP.RPS)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// UnitDeadlineFor returns the per-unit deadline for a frequency class.
func (c *Config) UnitDeadlineFor(critical bool) time.Duration {
	if critical {
		return time.Duration(c.Dispatch.UnitDeadline.CriticalSecs) * time.Second
	}
	return time.Duration(c.Dispatch.UnitDeadline.DefaultSecs) * time.Second
}

// IntervalFor returns the tick interval for a frequency class name.
func (c *Config) IntervalFor(class string) time.Duration {
	switch class {
	case "critical":
		return time.Duration(c.Dispatch.Interval.CriticalSecs) * time.Second
	case "high":
		return time.Duration(c.Dispatch.Interval.HighSecs) * time.Second
	case "medium":
		return time.Duration(c.Dispatch.Interval.MediumSecs) * time.Second
	case "daily":
		return time.Duration(c.Dispatch.Interval.DailySecs) * time.Second
	}
	return time.Duration(c.Dispatch.Interval.DailySecs) * time.Second
}
