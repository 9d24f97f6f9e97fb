package livetrading

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/order"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePhases(t *testing.T) *strategy.Config {
	t.Helper()
	s, err := strategy.NewBuilder("tp3").
		AddLevel(10, 30).
		AddLevel(20, 40).
		AddLevel(30, 30).
		Build()
	require.NoError(t, err)
	return s
}

func newBot(t *testing.T, id, symbol string, orders exchange.OrderService) *bot.Bot {
	t.Helper()
	m, err := position.Open(position.Position{ID: id, Symbol: symbol, EntryPrice: 100, TotalAmount: 100}, threePhases(t))
	require.NoError(t, err)
	b, err := bot.New(m, orders)
	require.NoError(t, err)
	return b
}

func tick(symbol string, price float64) exchange.Tick {
	return exchange.Tick{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

func TestSupervisorRoutesBySymbol(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	paper.SetPrice("ETH-USDT", 100)

	var processed int32
	s := NewSupervisor(WithResultHook(func(*bot.Bot, bot.Result) { atomic.AddInt32(&processed, 1) }))
	btc := newBot(t, "btc-1", "BTC-USDT", paper)
	eth := newBot(t, "eth-1", "ETH-USDT", paper)
	require.NoError(t, s.Add(btc))
	require.NoError(t, s.Add(eth))
	assert.True(t, errors.Is(s.Add(btc), ErrDuplicate))

	assert.Equal(t, 1, s.Dispatch(tick("BTC-USDT", 115)))
	assert.Equal(t, 1, s.Dispatch(tick("ethusdt", 100)), "symbols are normalized")
	assert.Equal(t, 0, s.Dispatch(tick("XRP-USDT", 1)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, btc.Executor().IsExecuted(1))
	assert.False(t, eth.Executor().IsExecuted(1))

	s.Stop()
	assert.Equal(t, 0, s.Dispatch(tick("BTC-USDT", 200)))
	assert.True(t, errors.Is(s.Add(newBot(t, "late", "BTC-USDT", paper)), ErrStopped))
}

func TestSupervisorArchivesClosedPositions(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 140)
	store := snapshot.NewMemoryStore()
	writer := db.NewWriter(db.NewMemory(), db.WriterConfig{QueueSize: 16})

	s := NewSupervisor(WithSnapshots(store), WithWriter(writer))
	b := newBot(t, "btc-1", "BTC-USDT", paper)
	require.NoError(t, s.Add(b))
	assert.Equal(t, 1, s.Open())

	s.Dispatch(tick("BTC-USDT", 140))
	require.Eventually(t, func() bool { return s.Open() == 0 }, time.Second, 5*time.Millisecond)

	got, ok := s.Bot("btc-1")
	require.True(t, ok)
	assert.Equal(t, bot.StateClosed, got.State())

	s.Stop()
	require.NoError(t, writer.Close(context.Background()))

	snap, err := store.Load(context.Background(), "btc-1")
	require.NoError(t, err)
	assert.Equal(t, string(bot.StateClosed), snap.Lifecycle)
	assert.Equal(t, []int{1, 2, 3}, snap.Phase.ExecutedPhases)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 3, statuses[0].Completed)
	assert.Equal(t, bot.StateClosed, statuses[0].State)
}

// blockingOrders holds every submission until release is closed.
type blockingOrders struct {
	*exchange.PaperExchange
	release chan struct{}
	calls   int32
}

func (b *blockingOrders) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	atomic.AddInt32(&b.calls, 1)
	<-b.release
	return b.PaperExchange.SubmitOrder(ctx, req)
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	orders := &blockingOrders{PaperExchange: paper, release: make(chan struct{})}

	s := NewSupervisor(WithQueueSize(2))
	require.NoError(t, s.Add(newBot(t, "btc-1", "BTC-USDT", orders)))

	// The first tick blocks the actor inside SubmitOrder.
	s.Dispatch(tick("BTC-USDT", 115))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&orders.calls) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, s.Dispatch(tick("BTC-USDT", 116)))
	assert.Equal(t, 1, s.Dispatch(tick("BTC-USDT", 117)))
	assert.Equal(t, 0, s.Dispatch(tick("BTC-USDT", 118)), "third queued tick is dropped")

	close(orders.release)
	s.Stop()
}

func TestTicksAreProcessedInOrder(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 100)

	var (
		mu     sync.Mutex
		prices []float64
	)
	s := NewSupervisor(WithQueueSize(128), WithResultHook(func(_ *bot.Bot, res bot.Result) {
		mu.Lock()
		prices = append(prices, res.Status.Price)
		mu.Unlock()
	}))
	require.NoError(t, s.Add(newBot(t, "btc-1", "BTC-USDT", paper)))

	for i := 0; i < 100; i++ {
		s.Dispatch(tick("BTC-USDT", 90+float64(i)*0.01))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 100
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	for i := 1; i < len(prices); i++ {
		assert.Less(t, prices[i-1], prices[i])
	}
}

func TestRun(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	s := NewSupervisor()
	b := newBot(t, "btc-1", "BTC-USDT", paper)
	require.NoError(t, s.Add(b))

	ticks := make(chan exchange.Tick, 1)
	ticks <- tick("BTC-USDT", 115)
	close(ticks)
	require.NoError(t, s.Run(context.Background(), ticks))

	require.Eventually(t, func() bool { return b.Executor().IsExecuted(1) }, time.Second, 5*time.Millisecond)
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(s.Run(ctx, make(chan exchange.Tick)), context.Canceled))
}

func TestPollPrices(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 50000)
	paper.SetPrice("ETH-USDT", 3000)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := PollPrices(ctx, paper, []string{"BTC-USDT", "ETH-USDT", "NOPE-USDT"}, 10*time.Millisecond)

	seen := make(map[string]float64)
	for len(seen) < 2 {
		select {
		case tk := <-ticks:
			seen[tk.Symbol] = tk.Price
		case <-time.After(time.Second):
			t.Fatal("no ticks")
		}
	}
	cancel()
	for range ticks {
	}

	assert.Equal(t, 50000.0, seen["BTC-USDT"])
	assert.Equal(t, 3000.0, seen["ETH-USDT"])
	_, ok := seen["NOPE-USDT"]
	assert.False(t, ok)
}

func TestMerge(t *testing.T) {
	a := make(chan exchange.Tick, 2)
	b := make(chan exchange.Tick, 2)
	a <- tick("A", 1)
	b <- tick("B", 2)
	a <- tick("A", 3)
	close(a)
	close(b)

	var got []exchange.Tick
	for tk := range Merge(context.Background(), a, b) {
		got = append(got, tk)
	}
	assert.Len(t, got, 3)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	store := snapshot.NewMemoryStore()
	storage := db.NewMemory()

	// Before the crash: phase 1 snapshotted, phase 2 persisted only.
	before := newBot(t, "btc-1", "BTC-USDT", paper)
	_, err := before.OnPriceUpdate(ctx, 115)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, before.Snapshot()))

	rec := before.Executor().History()[0]
	require.NoError(t, storage.PersistExecution(ctx, db.NewExecution("btc-1", "BTC-USDT", "tp3", rec)))
	require.NoError(t, storage.PersistExecution(ctx, db.NewExecution("btc-1", "BTC-USDT", "tp3", phase.ExecutionRecord{
		Phase: 2, Price: 121, Amount: 40, Profit: 840, Timestamp: time.Now(), OrderID: "x-2",
	})))

	after := newBot(t, "btc-1", "BTC-USDT", paper)
	require.NoError(t, Recover(ctx, after, store, storage))

	assert.True(t, after.Executor().IsExecuted(1))
	assert.True(t, after.Executor().IsExecuted(2))
	assert.False(t, after.Executor().IsExecuted(3))
	assert.Equal(t, bot.StatePhaseTriggered, after.State())
	assert.InDelta(t, 450+840, after.Executor().CalculateSummary(121).RealizedProfit, 1e-9)
}

func TestRecoverWithoutSnapshotReplaysStorage(t *testing.T) {
	ctx := context.Background()
	storage := db.NewMemory()
	for p, price := range map[int]float64{1: 110, 2: 120, 3: 130} {
		require.NoError(t, storage.PersistExecution(ctx, db.NewExecution("btc-1", "BTC-USDT", "tp3", phase.ExecutionRecord{
			Phase: p, Price: price, Amount: 10, Timestamp: time.Now(),
		})))
	}

	b := newBot(t, "btc-1", "BTC-USDT", exchange.NewPaperExchange(nil, 0))
	require.NoError(t, Recover(ctx, b, snapshot.NewMemoryStore(), storage))
	assert.True(t, b.Executor().IsComplete())
	assert.Equal(t, bot.StateClosed, b.State())
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	store := snapshot.NewMemoryStore()

	open := newBot(t, "open-1", "BTC-USDT", paper)
	_, err := open.OnPriceUpdate(ctx, 115)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, open.Snapshot()))

	closed := newBot(t, "closed-1", "BTC-USDT", paper)
	require.NoError(t, closed.Close("manual"))
	require.NoError(t, store.Save(ctx, closed.Snapshot()))

	reg := strategy.NewRegistry()
	reg.Register(threePhases(t))

	bots, err := Resume(ctx, store, reg, nil, func(m *position.Manager) (*bot.Bot, error) {
		return bot.New(m, paper)
	})
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, "open-1", bots[0].ID())
	assert.True(t, bots[0].Executor().IsExecuted(1))
	assert.Equal(t, open.Manager().Position().OpenedAt, bots[0].Manager().Position().OpenedAt)
}

func TestPeriodicSnapshotKeepsPeak(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	store := snapshot.NewMemoryStore()

	var processed int32
	s := NewSupervisor(
		WithSnapshots(store),
		WithSnapshotInterval(10*time.Millisecond),
		WithResultHook(func(*bot.Bot, bot.Result) { atomic.AddInt32(&processed, 1) }),
	)
	defer s.Stop()
	require.NoError(t, s.Add(newBot(t, "btc-1", "BTC-USDT", paper)))

	// Below the first target: no action, so only the periodic save records it.
	s.Dispatch(tick("BTC-USDT", 107))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, err := store.Load(context.Background(), "btc-1")
		return err == nil && snap.PeakPrice == 107
	}, time.Second, 5*time.Millisecond)
}

func TestCheckpointIsStoredBeforeSubmit(t *testing.T) {
	paper := exchange.NewPaperExchange(nil, 0)
	paper.SetPrice("BTC-USDT", 115)
	orders := &blockingOrders{PaperExchange: paper, release: make(chan struct{})}
	store := snapshot.NewMemoryStore()
	writer := db.NewWriter(db.NewMemory(), db.WriterConfig{QueueSize: 16})

	s := NewSupervisor(WithSnapshots(store), WithWriter(writer))
	m, err := position.Open(position.Position{ID: "btc-1", Symbol: "BTC-USDT", EntryPrice: 100, TotalAmount: 100}, threePhases(t))
	require.NoError(t, err)
	b, err := bot.New(m, orders, bot.WithCheckpoint(s.Checkpoint))
	require.NoError(t, err)
	require.NoError(t, s.Add(b))

	s.Dispatch(tick("BTC-USDT", 115))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&orders.calls) == 1 }, time.Second, 5*time.Millisecond)

	// The order is still in flight and its client id is already stored.
	snap, err := store.Load(context.Background(), "btc-1")
	require.NoError(t, err)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, 1, snap.Pending[0].Phase)
	assert.NotEmpty(t, snap.Pending[0].ClientOrderID)
	assert.Empty(t, snap.Phase.ExecutedPhases)

	close(orders.release)
	require.Eventually(t, func() bool { return b.Executor().IsExecuted(1) }, time.Second, 5*time.Millisecond)

	s.Stop()
	require.NoError(t, writer.Close(context.Background()))

	snap, err = store.Load(context.Background(), "btc-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []int{1}, snap.Phase.ExecutedPhases)
}

func TestCheckpointWithoutWriter(t *testing.T) {
	store := snapshot.NewMemoryStore()
	s := NewSupervisor(WithSnapshots(store))
	defer s.Stop()

	b := newBot(t, "btc-1", "BTC-USDT", exchange.NewPaperExchange(nil, 0))
	s.Checkpoint(b.Snapshot())

	snap, err := store.Load(context.Background(), "btc-1")
	require.NoError(t, err)
	assert.Equal(t, "btc-1", snap.PositionID)

	// Without a store it is a no-op.
	NewSupervisor().Checkpoint(b.Snapshot())
}
