// Package exchange
//
// The Wallex trade stream speaks socket.io over a plain websocket: "40" opens
// the namespace, "2"/"3" are ping/pong, and events arrive as
// 42["Broadcaster","SYMBOL@trade",{...}].
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const DefaultWallexStreamURL = "wss://api.wallex.ir/socket.io/?EIO=4&transport=websocket"

var ErrStreamClosed = errors.New("trade stream is closed")

// WallexTrade represents a trade message from Wallex.
type WallexTrade struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConnectionState represents the state of the websocket connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// subscriber is one consumer with its own buffered channel.
type subscriber struct {
	id string
	ch chan Tick
}

// TradeStream keeps one socket.io connection for a set of symbols and fans
// ticks out to subscribers. Slow subscribers lose ticks rather than stall
// the stream.
type TradeStream struct {
	url      string
	channels map[string]string // "BTCUSDT@trade" -> configured symbol

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	state       ConnectionState
	healthErr   error
	lastTick    map[string]Tick
	conn        *websocket.Conn
	cancelFunc  context.CancelFunc
	done        chan struct{}
}

// NewTradeStream streams trades of symbols from rawURL (DefaultWallexStreamURL
// when empty).
func NewTradeStream(rawURL string, symbols []string) *TradeStream {
	if rawURL == "" {
		rawURL = DefaultWallexStreamURL
	}
	channels := make(map[string]string, len(symbols))
	for _, s := range symbols {
		channels[NormalizeSymbol(s)+"@trade"] = s
	}
	return &TradeStream{
		url:         rawURL,
		channels:    channels,
		subscribers: make(map[string]*subscriber),
		lastTick:    make(map[string]Tick),
		state:       Disconnected,
		done:        make(chan struct{}),
	}
}

// Subscribe adds a subscriber and returns its channel. The channel is closed
// by Unsubscribe or Close.
func (w *TradeStream) Subscribe(subscriberID string, bufferSize int) (<-chan Tick, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrStreamClosed
	}
	if _, exists := w.subscribers[subscriberID]; exists {
		return nil, errors.Errorf("subscriber %s already exists", subscriberID)
	}

	sub := &subscriber{id: subscriberID, ch: make(chan Tick, bufferSize)}
	w.subscribers[subscriberID] = sub
	utils.GetLogger().Printf("WallexWebsocket | Subscriber %s added", subscriberID)
	return sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (w *TradeStream) Unsubscribe(subscriberID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, exists := w.subscribers[subscriberID]
	if !exists {
		return errors.Errorf("subscriber %s not found", subscriberID)
	}
	close(sub.ch)
	delete(w.subscribers, subscriberID)
	utils.GetLogger().Printf("WallexWebsocket | Subscriber %s removed", subscriberID)
	return nil
}

// LastTick returns the most recent tick seen for symbol.
func (w *TradeStream) LastTick(symbol string) (Tick, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.lastTick[NormalizeSymbol(symbol)]
	return t, ok
}

// GetPrice serves the last streamed price, making the stream a PriceFeed.
func (w *TradeStream) GetPrice(_ context.Context, symbol string) (float64, error) {
	t, ok := w.LastTick(symbol)
	if !ok {
		return 0, errors.Wrapf(ErrNoPrice, "no streamed trade for %s", symbol)
	}
	return t.Price, nil
}

func (w *TradeStream) broadcast(tick Tick) {
	w.mu.Lock()
	w.lastTick[NormalizeSymbol(tick.Symbol)] = tick
	w.mu.Unlock()

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, sub := range w.subscribers {
		select {
		case sub.ch <- tick:
		default:
			utils.GetLogger().Printf("WallexWebsocket | Subscriber %s channel is full, skipping trade", sub.id)
		}
	}
}

func (w *TradeStream) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == Connected && w.conn != nil
}

// Health returns the last connection error, if any.
func (w *TradeStream) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

func (w *TradeStream) State() ConnectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Close stops the stream and closes every subscriber channel.
func (w *TradeStream) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, sub := range w.subscribers {
		close(sub.ch)
	}
	w.subscribers = make(map[string]*subscriber)
	if w.conn != nil {
		w.conn.Close()
	}
	utils.GetLogger().Printf("WallexWebsocket | Trade stream closed")
}

// Done is closed when the reconnect loop exits.
func (w *TradeStream) Done() <-chan struct{} {
	return w.done
}

// Start connects in the background and reconnects with exponential backoff
// until ctx is cancelled or Close is called.
func (w *TradeStream) Start(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(w.done)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel
	w.state = Connecting
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		defer w.Close()
		retryDelay := time.Second
		for {
			err := w.connectAndStream(ctx)
			if ctx.Err() != nil {
				return
			}
			w.mu.Lock()
			w.state = Reconnecting
			w.healthErr = err
			w.mu.Unlock()
			utils.GetLogger().Printf("WallexWebsocket | Disconnected, retrying in %v: %v", retryDelay, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if retryDelay < 60*time.Second {
				retryDelay *= 2
			}
		}
	}()
}

type subscribeMessage struct {
	Channel string `json:"channel"`
}

func (w *TradeStream) subscribeAll(c *websocket.Conn) error {
	for channel := range w.channels {
		payload, err := json.Marshal(subscribeMessage{Channel: channel})
		if err != nil {
			return err
		}
		msg := fmt.Sprintf(`42["subscribe",%s]`, payload)
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return err
		}
		utils.GetLogger().Printf("WallexWebsocket | Subscribed to %s channel", channel)
	}
	return nil
}

// connectAndStream handles a single websocket session.
func (w *TradeStream) connectAndStream(ctx context.Context) error {
	if _, err := url.Parse(w.url); err != nil {
		return errors.Wrap(err, "stream url")
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = c
	w.state = Connected
	w.healthErr = nil
	w.mu.Unlock()
	utils.GetLogger().Printf("WallexWebsocket | Connection established to %s", w.url)

	defer func() {
		c.Close()
		w.mu.Lock()
		w.conn = nil
		if w.state == Connected {
			w.state = Disconnected
		}
		w.mu.Unlock()
	}()

	// Unblock ReadMessage on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}
	if err := w.subscribeAll(c); err != nil {
		return err
	}

	for {
		c.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(message)
		if msg == "2" {
			if err := c.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return err
			}
			continue
		}
		if tick, ok := w.parseTrade(msg); ok {
			w.broadcast(tick)
		}
	}
}

// parseTrade decodes a Broadcaster event for one of the subscribed channels.
func (w *TradeStream) parseTrade(msg string) (Tick, bool) {
	if !strings.HasPrefix(msg, "42") {
		return Tick{}, false
	}
	var event []json.RawMessage
	if err := json.Unmarshal([]byte(msg[2:]), &event); err != nil || len(event) < 3 {
		return Tick{}, false
	}

	var name, channel string
	if json.Unmarshal(event[0], &name) != nil || name != "Broadcaster" {
		return Tick{}, false
	}
	if json.Unmarshal(event[1], &channel) != nil {
		return Tick{}, false
	}
	symbol, ok := w.channels[channel]
	if !ok {
		return Tick{}, false
	}

	var trade WallexTrade
	if err := json.Unmarshal(event[2], &trade); err != nil {
		return Tick{}, false
	}
	tick := trade.ToTick(symbol)
	if tick.Price <= 0 {
		return Tick{}, false
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}
	return tick, true
}
