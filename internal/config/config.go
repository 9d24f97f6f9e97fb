// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/livetrading"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "live"          # live or paper (simulated fills)
exchange: "wallex"    # wallex or binance; paper mode still reads its prices
log:
  level: "info"
  file: "logs/trader.log"
storage:
  driver: "postgres"  # postgres, sqlite or memory
  dsn: "postgres://..."
snapshot:
  dir: "data/snapshots"
engine:
  max_phases_per_tick: 3
  order_type: "market"
  submit_timeout: 10s
  queue_size: 256
  snapshot_interval: 1m
strategies:
  - id: "btc-ladder"
    name: "BTC ladder"
    levels:
      - { target_percentage: 5, sell_percentage: 25 }
      - { target_percentage: 12, sell_percentage: 50 }
  - id: "balanced"
    preset: "balanced"
positions:
  - { symbol: "BTCUSDT", entry_price: 60000, amount: 0.5, strategy: "btc-ladder" }
*/

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Mode     string `yaml:"mode"`
	Exchange string `yaml:"exchange"`

	WallexAPIKey     string  `yaml:"-"`
	BinanceAPIKey    string  `yaml:"-"`
	BinanceSecretKey string  `yaml:"-"`
	BinanceTestnet   bool    `yaml:"binance_testnet"`
	PaperFeeRate     float64 `yaml:"paper_fee_rate"`

	Log        utils.LogConfig       `yaml:"log"`
	Storage    StorageConfig         `yaml:"storage"`
	Snapshot   SnapshotConfig        `yaml:"snapshot"`
	Engine     EngineConfig          `yaml:"engine"`
	Fills      position.FillBands    `yaml:"fills"`
	Writer     db.WriterConfig       `yaml:"writer"`
	API        APIConfig             `yaml:"api"`
	Telegram   TelegramConfig        `yaml:"telegram"`
	Strategies []strategy.Definition `yaml:"strategies"`
	Positions  []PositionConfig      `yaml:"positions"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	MaxOpen int    `yaml:"max_open"`
	MaxIdle int    `yaml:"max_idle"`
}

// SnapshotConfig keeps snapshots in memory when Dir is empty.
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

type EngineConfig struct {
	MaxPhasesPerTick int           `yaml:"max_phases_per_tick"`
	MediumUrgency    float64       `yaml:"medium_urgency"`
	HighUrgency      float64       `yaml:"high_urgency"`
	OrderType        string        `yaml:"order_type"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	StaleTickAfter   time.Duration `yaml:"stale_tick_after"`
	QueueSize        int           `yaml:"queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	StreamURL        string        `yaml:"stream_url"`
}

// Bot returns the per-position driver settings.
func (e EngineConfig) Bot() bot.Config {
	return bot.Config{
		MaxPhasesPerTick: e.MaxPhasesPerTick,
		OrderType:        e.OrderType,
		SubmitTimeout:    e.SubmitTimeout,
		StaleTickAfter:   e.StaleTickAfter,
	}
}

// PositionOptions returns the executor and fill settings shared by all positions.
func (c Config) PositionOptions() []position.Option {
	return []position.Option{
		position.WithFillBands(c.Fills),
		position.WithExecutorOptions(phase.WithUrgencyThresholds(c.Engine.MediumUrgency, c.Engine.HighUrgency)),
	}
}

type APIConfig struct {
	Addr string `yaml:"addr"` // disabled when empty
}

type TelegramConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"-"`
	ChatID  string `yaml:"chat_id"`
}

func (t TelegramConfig) Enabled() bool { return t.Token != "" && t.ChatID != "" }

// PositionConfig opens a new position at startup unless a snapshot of the
// same id already exists.
type PositionConfig struct {
	ID         string  `yaml:"id"`
	Symbol     string  `yaml:"symbol"`
	EntryPrice float64 `yaml:"entry_price"`
	Amount     float64 `yaml:"amount"`
	Strategy   string  `yaml:"strategy"`
}

// PositionID is ID, or a name-based uuid of the position's fields so that the
// same entry maps to the same position across restarts.
func (p PositionConfig) PositionID() string {
	if p.ID != "" {
		return p.ID
	}
	name := fmt.Sprintf("%s|%s|%g|%g", exchange.NormalizeSymbol(p.Symbol), p.Strategy, p.EntryPrice, p.Amount)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Default paper-trades on Wallex prices with in-memory stores.
func Default() Config {
	botCfg := bot.DefaultConfig()
	return Config{
		Mode:         "paper",
		Exchange:     "wallex",
		PaperFeeRate: 0.001,
		Log:          utils.LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Storage:      StorageConfig{Driver: "memory", MaxOpen: 10, MaxIdle: 5},
		Engine: EngineConfig{
			MaxPhasesPerTick: botCfg.MaxPhasesPerTick,
			MediumUrgency:    phase.DefaultMediumUrgency,
			HighUrgency:      phase.DefaultHighUrgency,
			OrderType:        botCfg.OrderType,
			SubmitTimeout:    botCfg.SubmitTimeout,
			StaleTickAfter:   botCfg.StaleTickAfter,
			QueueSize:        livetrading.DefaultQueueSize,
			SnapshotInterval: time.Minute,
			PollInterval:     5 * time.Second,
		},
		Fills:    position.DefaultFillBands(),
		Writer:   db.WriterConfig{QueueSize: 1024, MaxAttempts: 5, RetryDelay: 500 * time.Millisecond},
		Telegram: TelegramConfig{BaseURL: "https://api.telegram.org"},
	}
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	switch c.Mode {
	case "live", "paper":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown mode %q", c.Mode)
	}
	switch c.Exchange {
	case "wallex":
		if c.Mode == "live" && c.WallexAPIKey == "" {
			return errors.Wrap(ErrInvalidConfig, "WALLEX_API_KEY is required for live trading on wallex")
		}
	case "binance":
		if c.Mode == "live" && (c.BinanceAPIKey == "" || c.BinanceSecretKey == "") {
			return errors.Wrap(ErrInvalidConfig, "BINANCE_API_KEY and BINANCE_SECRET_KEY are required for live trading on binance")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown exchange %q", c.Exchange)
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown storage driver %q", c.Storage.Driver)
	}
	if (c.Storage.Driver == "sqlite" || c.Storage.Driver == "postgres") && c.Storage.DSN == "" {
		return errors.Wrapf(ErrInvalidConfig, "storage driver %s needs a dsn", c.Storage.Driver)
	}

	e := c.Engine
	switch {
	case e.MaxPhasesPerTick <= 0:
		return errors.Wrap(ErrInvalidConfig, "engine.max_phases_per_tick must be positive")
	case e.MediumUrgency <= 0 || e.HighUrgency <= e.MediumUrgency:
		return errors.Wrap(ErrInvalidConfig, "engine urgency thresholds must satisfy 0 < medium < high")
	case e.OrderType != "market" && e.OrderType != "limit":
		return errors.Wrapf(ErrInvalidConfig, "unknown order type %q", e.OrderType)
	case e.SubmitTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "engine.submit_timeout must be positive")
	case e.StaleTickAfter <= 0:
		return errors.Wrap(ErrInvalidConfig, "engine.stale_tick_after must be positive")
	case e.QueueSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "engine.queue_size must be positive")
	case e.PollInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "engine.poll_interval must be positive")
	case e.SnapshotInterval < 0:
		return errors.Wrap(ErrInvalidConfig, "engine.snapshot_interval must not be negative")
	}
	if err := c.Fills.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.Writer.QueueSize <= 0 || c.Writer.MaxAttempts <= 0 || c.Writer.RetryDelay <= 0 {
		return errors.Wrap(ErrInvalidConfig, "writer queue_size, max_attempts and retry_delay must be positive")
	}

	for i, p := range c.Positions {
		if p.Symbol == "" || p.Strategy == "" {
			return errors.Wrapf(ErrInvalidConfig, "positions[%d]: symbol and strategy are required", i)
		}
		if p.EntryPrice <= 0 || p.Amount <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "positions[%d]: entry_price and amount must be positive", i)
		}
	}
	return nil
}

// Load reads the optional YAML file at path over the defaults, then applies
// secrets from the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse config file")
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.Storage.DSN = v
	}
}

// MustLoadConfig loads .env, the flags and the config file. It exits on error.
func MustLoadConfig() Config {
	logger := utils.GetLogger()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Config | failed to load .env: %v", err)
	}

	configFile := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Mode: live or paper")
	exchangeName := flag.String("exchange", "", "Exchange: wallex or binance")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	apiAddr := flag.String("api-addr", "", "Listen address of the status API, e.g. :8080")
	flag.Parse()

	cfg, err := Load(*configFile)
	if err != nil {
		logger.Fatalf("Config | %v", err)
	}
	if *mode != "" {
		cfg.Mode = strings.ToLower(*mode)
	}
	if *exchangeName != "" {
		cfg.Exchange = strings.ToLower(*exchangeName)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Config | %v", err)
	}
	return cfg
}
