package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the ledger sync service.
type Config struct {
	Port     string
	LogLevel string
	LogMode  string // "console" or "file"

	// Binance USDT-M futures account streamed into the ledger.
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	TraderID         string   // ledger owner of the account above
	MarketSymbols    []string // public ticker subscriptions

	// Database
	DBPath string

	// Admin API
	JWTSecret string

	// Optional Redis for durable cooldowns and notification fan-out.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NotifyChannel string

	ConflictFailurePolicy string // "open" or "closed"
	ExitOnStreamFatal     bool

	Tuning Tuning
}

// Tuning groups the thresholds and timings; defaults may be overridden from a YAML file.
type Tuning struct {
	Stream         StreamTuning         `yaml:"stream"`
	ListenKey      ListenKeyTuning      `yaml:"listen_key"`
	Sync           SyncTuning           `yaml:"sync"`
	Position       PositionTuning       `yaml:"position"`
	Cooldown       CooldownTuning       `yaml:"cooldown"`
	Reconciliation ReconciliationTuning `yaml:"reconciliation"`
	Notify         NotifyTuning         `yaml:"notify"`
}

type StreamTuning struct {
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MaxMessagesPerSecond int           `yaml:"max_messages_per_second"`
	BackoffInitial       time.Duration `yaml:"backoff_initial"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

type ListenKeyTuning struct {
	TTL                time.Duration `yaml:"ttl"`
	RefreshBefore      time.Duration `yaml:"refresh_before"`
	MaxAcquireFailures int           `yaml:"max_acquire_failures"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

type SyncTuning struct {
	FallbackWindow       time.Duration `yaml:"fallback_window"`
	FallbackLimit        int           `yaml:"fallback_limit"`
	MarkPriceMinInterval time.Duration `yaml:"mark_price_min_interval"`
	MarkPriceMaxAge      time.Duration `yaml:"mark_price_max_age"` // older prices are dropped
}

type PositionTuning struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type CooldownTuning struct {
	Symbol          time.Duration `yaml:"symbol"`
	Trader          time.Duration `yaml:"trader"`
	PostMerge       time.Duration `yaml:"post_merge"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ReconciliationTuning struct {
	Lookback              time.Duration `yaml:"lookback"`
	WindowPadding         time.Duration `yaml:"window_padding"`
	OpenTolerance         time.Duration `yaml:"open_tolerance"`
	CloseTolerance        time.Duration `yaml:"close_tolerance"`
	RelaxedOpenTolerance  time.Duration `yaml:"relaxed_open_tolerance"`
	RelaxedCloseTolerance time.Duration `yaml:"relaxed_close_tolerance"`
	MaterialityThreshold  float64       `yaml:"materiality_threshold"`
	RequestsPerSecond     float64       `yaml:"requests_per_second"`
	Interval              time.Duration `yaml:"interval"` // 0 disables the periodic driver
}

type NotifyTuning struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Stream: StreamTuning{
			PingInterval:         30 * time.Second,
			PongTimeout:          60 * time.Second,
			MaxConsecutiveErrors: 10,
			MaxMessagesPerSecond: 50,
			BackoffInitial:       time.Second,
			BackoffMax:           60 * time.Second,
			BackoffMultiplier:    2,
			HandshakeTimeout:     10 * time.Second,
		},
		ListenKey: ListenKeyTuning{
			TTL:                60 * time.Minute,
			RefreshBefore:      5 * time.Minute,
			MaxAcquireFailures: 3,
			RequestTimeout:     10 * time.Second,
		},
		Sync: SyncTuning{
			FallbackWindow:       24 * time.Hour,
			FallbackLimit:        200,
			MarkPriceMinInterval: time.Second,
			MarkPriceMaxAge:      10 * time.Minute,
		},
		Position: PositionTuning{CacheTTL: 5 * time.Second},
		Cooldown: CooldownTuning{
			Symbol:          30 * time.Second,
			Trader:          60 * time.Second,
			PostMerge:       5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Reconciliation: ReconciliationTuning{
			Lookback:              72 * time.Hour,
			WindowPadding:         30 * time.Minute,
			OpenTolerance:         2 * time.Minute,
			CloseTolerance:        15 * time.Minute,
			RelaxedOpenTolerance:  10 * time.Minute,
			RelaxedCloseTolerance: 60 * time.Minute,
			MaterialityThreshold:  0.01,
			RequestsPerSecond:     5,
		},
		Notify: NotifyTuning{QueueSize: 256, Workers: 2},
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogMode:               getEnv("LOG_MODE", "console"),
		BinanceTestnet:        getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:         os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:      os.Getenv("BINANCE_API_SECRET"),
		TraderID:              getEnv("TRADER_ID", "default"),
		MarketSymbols:         splitAndTrim(getEnv("MARKET_SYMBOLS", "BTCUSDT,ETHUSDT")),
		DBPath:                getEnv("DB_PATH", "./data/ledger.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		NotifyChannel:         getEnv("NOTIFY_CHANNEL", "ledger-sync:notifications"),
		ConflictFailurePolicy: strings.ToLower(getEnv("CONFLICT_FAILURE_POLICY", "open")),
		ExitOnStreamFatal:     getEnv("EXIT_ON_STREAM_FATAL", "true") == "true",
		Tuning:                DefaultTuning(),
	}

	if path := os.Getenv("LEDGER_SYNC_CONFIG"); path != "" {
		if err := cfg.Tuning.LoadFile(path); err != nil {
			return nil, err
		}
	}

	t := &cfg.Tuning
	t.Reconciliation.MaterialityThreshold = getEnvFloat("RECONCILE_MATERIALITY", t.Reconciliation.MaterialityThreshold)
	t.Reconciliation.Lookback = getEnvDuration("RECONCILE_LOOKBACK", t.Reconciliation.Lookback)
	t.Reconciliation.Interval = getEnvDuration("RECONCILE_INTERVAL", t.Reconciliation.Interval)
	t.Stream.MaxConsecutiveErrors = getEnvInt("STREAM_MAX_CONSECUTIVE_ERRORS", t.Stream.MaxConsecutiveErrors)
	t.Position.CacheTTL = getEnvDuration("POSITION_CACHE_TTL", t.Position.CacheTTL)

	if cfg.ConflictFailurePolicy != "open" && cfg.ConflictFailurePolicy != "closed" {
		return nil, fmt.Errorf("CONFLICT_FAILURE_POLICY must be open or closed, got %q", cfg.ConflictFailurePolicy)
	}
	return cfg, nil
}

// LoadFile overlays tuning values present in a YAML file; absent keys keep their current value.
func (t *Tuning) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
