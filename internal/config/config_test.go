package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
mode: live
exchange: binance
log:
  level: debug
storage:
  driver: sqlite
  dsn: /tmp/trader.db
engine:
  max_phases_per_tick: 2
  submit_timeout: 3s
  snapshot_interval: 30s
fills:
  complete: 90
  continue: 40
  adjust: 10
  dust: 0.01
strategies:
  - id: ladder
    name: Ladder
    levels:
      - { target_percentage: 5, sell_percentage: 25 }
      - { target_percentage: 12, sell_percentage: 50 }
  - id: balanced
    preset: balanced
positions:
  - { symbol: BTCUSDT, entry_price: 60000, amount: 0.5, strategy: ladder }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	t.Setenv("DB_CONN_STR", "")
	t.Setenv("TELEGRAM_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "binance", cfg.Exchange)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/trader.db", cfg.Storage.DSN)
	assert.Equal(t, 2, cfg.Engine.MaxPhasesPerTick)
	assert.Equal(t, 3*time.Second, cfg.Engine.SubmitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.SnapshotInterval)
	assert.Equal(t, "market", cfg.Engine.OrderType, "unset keys keep defaults")
	assert.Equal(t, 10.0, cfg.Engine.MediumUrgency)
	assert.Equal(t, 90.0, cfg.Fills.Complete)
	assert.Equal(t, "key", cfg.BinanceAPIKey)
	assert.True(t, cfg.Telegram.Enabled())
	assert.Equal(t, "42", cfg.Telegram.ChatID)

	require.Len(t, cfg.Strategies, 2)
	assert.Len(t, cfg.Strategies[0].Levels, 2)
	assert.Equal(t, 12.0, cfg.Strategies[0].Levels[1].TargetPercentage)
	assert.Equal(t, "balanced", cfg.Strategies[1].Preset)

	require.Len(t, cfg.Positions, 1)
	assert.Equal(t, 60000.0, cfg.Positions[0].EntryPrice)

	assert.Len(t, cfg.PositionOptions(), 2)
	assert.Equal(t, 2, cfg.Engine.Bot().MaxPhasesPerTick)
}

func TestLoadEnvOverridesDSN(t *testing.T) {
	t.Setenv("DB_CONN_STR", "postgres://env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Storage.DSN)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "engine: [not a map"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "backtest" }},
		{"unknown exchange", func(c *Config) { c.Exchange = "kraken" }},
		{"wallex live without key", func(c *Config) { c.Mode, c.Exchange = "live", "wallex" }},
		{"binance live without secret", func(c *Config) { c.Mode, c.Exchange, c.BinanceAPIKey = "live", "binance", "k" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"zero phases per tick", func(c *Config) { c.Engine.MaxPhasesPerTick = 0 }},
		{"high below medium urgency", func(c *Config) { c.Engine.HighUrgency = 5 }},
		{"unknown order type", func(c *Config) { c.Engine.OrderType = "stop" }},
		{"zero submit timeout", func(c *Config) { c.Engine.SubmitTimeout = 0 }},
		{"zero queue", func(c *Config) { c.Engine.QueueSize = 0 }},
		{"negative snapshot interval", func(c *Config) { c.Engine.SnapshotInterval = -time.Second }},
		{"bad fill bands", func(c *Config) { c.Fills.Adjust = 60 }},
		{"zero writer attempts", func(c *Config) { c.Writer.MaxAttempts = 0 }},
		{"position without strategy", func(c *Config) {
			c.Positions = []PositionConfig{{Symbol: "BTCUSDT", EntryPrice: 1, Amount: 1}}
		}},
		{"position with zero amount", func(c *Config) {
			c.Positions = []PositionConfig{{Symbol: "BTCUSDT", EntryPrice: 1, Strategy: "balanced"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestPositionID(t *testing.T) {
	p := PositionConfig{Symbol: "BTC-USDT", EntryPrice: 100, Amount: 2, Strategy: "balanced"}
	same := PositionConfig{Symbol: "btcusdt", EntryPrice: 100, Amount: 2, Strategy: "balanced"}
	other := PositionConfig{Symbol: "BTC-USDT", EntryPrice: 101, Amount: 2, Strategy: "balanced"}

	assert.Equal(t, p.PositionID(), same.PositionID())
	assert.NotEqual(t, p.PositionID(), other.PositionID())

	p.ID = "manual"
	assert.Equal(t, "manual", p.PositionID())
}
