package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/phase-trader/internal/api"
	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/config"
	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/livetrading"
	"github.com/amirphl/phase-trader/internal/notifier"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.MustLoadConfig()
	logger := utils.InitLogger(cfg.Log)
	logger.Printf("Starting Phase Trader in %s mode on %s", cfg.Mode, cfg.Exchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Println("Shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	if cfg.Storage.Driver == "postgres" {
		if err := db.EnsureDatabase(ctx, cfg.Storage.DSN); err != nil {
			return errors.Wrap(err, "prepare database")
		}
	}
	storage, err := db.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.MaxOpen, cfg.Storage.MaxIdle)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer storage.Close()
	writer := db.NewWriter(storage, cfg.Writer)

	snapshots, err := snapshot.OpenBadger(cfg.Snapshot.Dir)
	if err != nil {
		return errors.Wrap(err, "open snapshot store")
	}
	defer snapshots.Close()

	strategies, err := strategy.RegistryFromDefinitions(cfg.Strategies)
	if err != nil {
		return err
	}

	var alerts notifier.Notifier = notifier.Noop{}
	if cfg.Telegram.Enabled() {
		alerts = notifier.NewTelegramNotifier(cfg.Telegram.BaseURL, cfg.Telegram.Token, cfg.Telegram.ChatID)
	}

	symbols := configuredSymbols(cfg)
	venue, stream := newVenue(cfg, symbols)
	var (
		orders exchange.OrderService = venue
		feed   exchange.PriceFeed    = venue
		paper  *exchange.PaperExchange
	)
	if stream != nil {
		feed = stream
	}
	if cfg.Mode == "paper" {
		paper = exchange.NewPaperExchange(feed, cfg.PaperFeeRate)
		orders = paper
	}
	logger.Printf("Orders go to %s, prices come from %s", orders.Name(), cfg.Exchange)

	sup := livetrading.NewSupervisor(
		livetrading.WithQueueSize(cfg.Engine.QueueSize),
		livetrading.WithSnapshots(snapshots),
		livetrading.WithWriter(writer),
		livetrading.WithSnapshotInterval(cfg.Engine.SnapshotInterval),
		livetrading.WithResultHook(func(b *bot.Bot, res bot.Result) {
			log := logger.WithFields(logrus.Fields{"symbol": b.Symbol(), "position_id": b.ID()})
			for _, a := range res.Actions {
				log.Info(a)
			}
			for _, f := range res.Fills {
				if f.Status == position.FillPartial {
					log.Warnf("Phase %d order %s filled %.1f%%, %v left, next: %s",
						f.Phase, f.OrderID, f.FillPercentage, f.RemainingAmount, f.NextAction)
				}
			}
		}),
	)

	newBot := func(m *position.Manager) (*bot.Bot, error) {
		return bot.New(m, orders,
			bot.WithConfig(cfg.Engine.Bot()),
			bot.WithPriceFeed(feed),
			bot.WithPersister(writer),
			bot.WithJournal(writer),
			bot.WithNotifier(alerts),
			bot.WithCheckpoint(sup.Checkpoint),
		)
	}

	resumed, err := livetrading.Resume(ctx, snapshots, strategies, storage, newBot, cfg.PositionOptions()...)
	if err != nil {
		return errors.Wrap(err, "resume positions")
	}
	for _, b := range resumed {
		if err := sup.Add(b); err != nil {
			return err
		}
	}
	if err := openConfiguredPositions(ctx, cfg, sup, snapshots, strategies, newBot); err != nil {
		return err
	}
	logger.Printf("Supervising %d open positions (%d resumed)", sup.Open(), len(resumed))

	var server *api.Server
	if cfg.API.Addr != "" {
		server = api.NewServer(cfg.API.Addr, sup)
		server.Start()
	}

	ticks := tickSource(ctx, cfg, stream, feed, symbols)
	if paper != nil {
		ticks = teePrices(ctx, ticks, paper)
	}
	if err := sup.Run(ctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Supervisor stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("API shutdown: %v", err)
		}
	}
	sup.Stop()
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Errorf("Writer did not drain before shutdown: %v", err)
	}
	if stream != nil {
		stream.Close()
	}
	return nil
}

// newVenue returns the configured exchange and, for Wallex, its trade stream.
func newVenue(cfg config.Config, symbols []string) (exchange.Exchange, *exchange.TradeStream) {
	switch cfg.Exchange {
	case "binance":
		return exchange.NewBinanceExchange(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet), nil
	default:
		return exchange.NewWallexExchange(cfg.WallexAPIKey), exchange.NewTradeStream(cfg.Engine.StreamURL, symbols)
	}
}

func configuredSymbols(cfg config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range cfg.Positions {
		s := exchange.NormalizeSymbol(p.Symbol)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// openConfiguredPositions starts the positions listed in the config that were
// not resumed from a snapshot. An archived (closed) position is not reopened.
func openConfiguredPositions(ctx context.Context, cfg config.Config, sup *livetrading.Supervisor, snapshots snapshot.Store, strategies strategy.Store, newBot livetrading.BotFactory) error {
	for _, pc := range cfg.Positions {
		id := pc.PositionID()
		if _, ok := sup.Bot(id); ok {
			continue
		}
		if _, err := snapshots.Load(ctx, id); err == nil {
			utils.GetLogger().Printf("Position %s is archived, not reopening", id)
			continue
		} else if !errors.Is(err, snapshot.ErrNotExists) {
			return errors.Wrapf(err, "load snapshot of %s", id)
		}

		strat, err := strategies.Get(ctx, pc.Strategy)
		if err != nil {
			return errors.Wrapf(err, "position %s", id)
		}
		m, err := position.Open(position.Position{
			ID:          id,
			Symbol:      pc.Symbol,
			EntryPrice:  pc.EntryPrice,
			TotalAmount: pc.Amount,
			OpenedAt:    time.Now().UTC(),
		}, strat, cfg.PositionOptions()...)
		if err != nil {
			return errors.Wrapf(err, "position %s", id)
		}
		b, err := newBot(m)
		if err != nil {
			return err
		}
		if err := sup.Add(b); err != nil {
			return err
		}
	}
	return nil
}

// tickSource streams Wallex trades, or polls the price feed elsewhere.
func tickSource(ctx context.Context, cfg config.Config, stream *exchange.TradeStream, feed exchange.PriceFeed, symbols []string) <-chan exchange.Tick {
	if stream == nil {
		return livetrading.PollPrices(ctx, feed, symbols, cfg.Engine.PollInterval)
	}
	stream.Start(ctx)
	ch, err := stream.Subscribe("supervisor", cfg.Engine.QueueSize)
	if err != nil {
		utils.GetLogger().Warnf("Trade stream unavailable (%v), polling instead", err)
		return livetrading.PollPrices(ctx, feed, symbols, cfg.Engine.PollInterval)
	}
	return ch
}

// teePrices keeps the paper exchange's last price in step with the ticks, so
// simulated fills happen at the price that triggered them.
func teePrices(ctx context.Context, in <-chan exchange.Tick, paper *exchange.PaperExchange) <-chan exchange.Tick {
	out := make(chan exchange.Tick)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				paper.SetPrice(t.Symbol, t.Price)
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
