package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/phase-trader/internal/order"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "USDTTMN", NormalizeSymbol(" USDT-TMN "))
}

func TestIsUnknownOutcome(t *testing.T) {
	assert.True(t, IsUnknownOutcome(UnknownOutcome(errors.New("read tcp: i/o timeout"))))
	assert.True(t, IsUnknownOutcome(errors.Wrap(context.DeadlineExceeded, "submit")))
	assert.False(t, IsUnknownOutcome(errors.New("insufficient balance")))
	assert.Nil(t, UnknownOutcome(nil))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	var calls int32
	err := retry(ctx, "test", 3, time.Millisecond, func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)

	calls = 0
	err = retry(ctx, "test", 2, time.Millisecond, func() error {
		atomic.AddInt32(&calls, 1)
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = retry(cancelled, "test", 5, time.Hour, func() error { return errors.New("down") })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPaperExchange(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExchange(nil, 0.001)

	_, err := p.GetPrice(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, ErrNoPrice))

	p.SetPrice("btc-usdt", 110)
	price, err := p.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 110.0, price)

	resp, err := p.SubmitOrder(ctx, order.Request{
		ClientOrderID: "c1", Symbol: "BTCUSDT", Side: order.SideSell, Type: order.TypeMarket, Quantity: 2,
	})
	require.NoError(t, err)
	assert.True(t, resp.IsFilled())
	assert.Equal(t, 110.0, resp.AvgPrice)
	assert.InDelta(t, 0.22, resp.Fee, 1e-9)
	assert.Equal(t, "c1", resp.ClientOrderID)

	got, err := p.GetOrderStatus(ctx, "BTCUSDT", "c1")
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	_, err = p.SubmitOrder(ctx, order.Request{ClientOrderID: "c1", Symbol: "BTCUSDT", Quantity: 1})
	assert.Error(t, err)

	_, err = p.GetOrderStatus(ctx, "BTCUSDT", "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = p.SubmitOrder(ctx, order.Request{ClientOrderID: "c2", Symbol: "ETHUSDT", Type: order.TypeMarket, Quantity: 1})
	assert.True(t, errors.Is(err, ErrNoPrice))
}

type staticFeed float64

func (f staticFeed) GetPrice(context.Context, string) (float64, error) { return float64(f), nil }

func TestPaperExchangeProxiesFeed(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExchange(staticFeed(42), 0)

	price, err := p.GetPrice(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.0, price)

	resp, err := p.SubmitOrder(ctx, order.Request{ClientOrderID: "x", Symbol: "SOLUSDT", Type: order.TypeMarket, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 42.0, resp.AvgPrice)
}

func TestParseTrade(t *testing.T) {
	s := NewTradeStream("", []string{"btc-usdt"})

	tests := []struct {
		name  string
		msg   string
		ok    bool
		price float64
		side  string
	}{
		{
			name:  "trade",
			msg:   `42["Broadcaster","BTCUSDT@trade",{"isBuyOrder":false,"quantity":"0.5","price":"64000.1","timestamp":"2024-01-02T03:04:05Z"}]`,
			ok:    true,
			price: 64000.1,
			side:  order.SideSell,
		},
		{
			name: "other channel",
			msg:  `42["Broadcaster","ETHUSDT@trade",{"isBuyOrder":true,"quantity":"1","price":"3000","timestamp":"2024-01-02T03:04:05Z"}]`,
		},
		{name: "other event", msg: `42["subscribed","BTCUSDT@trade",{}]`},
		{name: "ping", msg: `2`},
		{name: "garbage", msg: `42[not json`},
		{
			name: "zero price",
			msg:  `42["Broadcaster","BTCUSDT@trade",{"isBuyOrder":true,"quantity":"1","price":"0","timestamp":"2024-01-02T03:04:05Z"}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok := s.parseTrade(tt.msg)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "btc-usdt", tick.Symbol)
				assert.Equal(t, tt.price, tick.Price)
				assert.Equal(t, tt.side, tick.Side)
				assert.Equal(t, 0.5, tick.Quantity)
			}
		})
	}
}

func TestTradeStreamEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if strings.HasPrefix(string(msg), `42["subscribe"`) {
				subscribed <- string(msg)
				_ = c.WriteMessage(websocket.TextMessage, []byte("2"))
				_ = c.WriteMessage(websocket.TextMessage, []byte(
					`42["Broadcaster","BTCUSDT@trade",{"isBuyOrder":true,"quantity":"1","price":"101.5","timestamp":"2024-01-02T03:04:05Z"}]`))
			}
		}
	}))
	defer srv.Close()

	stream := NewTradeStream("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT"})
	ticks, err := stream.Subscribe("test", 8)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream.Start(ctx)

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, "BTCUSDT@trade")
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe message")
	}

	select {
	case tick := <-ticks:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, 101.5, tick.Price)
		assert.Equal(t, order.SideBuy, tick.Side)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}

	price, err := stream.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)

	cancel()
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	_, open := <-ticks
	assert.False(t, open)

	_, err = stream.Subscribe("late", 1)
	assert.True(t, errors.Is(err, ErrStreamClosed))
}
