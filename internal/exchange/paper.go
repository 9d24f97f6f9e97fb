package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/order"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
)

// PaperExchange fills every order immediately at the last known price and
// charges a flat fee rate. Prices come from SetPrice or, when set, from a
// real feed it proxies to.
type PaperExchange struct {
	feed    PriceFeed
	feeRate float64

	mu           sync.Mutex
	prices       map[string]float64
	orders       map[string]order.Response
	orderCounter int64
}

func NewPaperExchange(feed PriceFeed, feeRate float64) *PaperExchange {
	return &PaperExchange{
		feed:         feed,
		feeRate:      feeRate,
		prices:       make(map[string]float64),
		orders:       make(map[string]order.Response),
		orderCounter: 1000,
	}
}

func (p *PaperExchange) Name() string {
	return "paper"
}

// SetPrice records the last traded price for symbol.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[NormalizeSymbol(symbol)] = price
}

func (p *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if p.feed != nil {
		price, err := p.feed.GetPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		p.SetPrice(symbol, price)
		return price, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[NormalizeSymbol(symbol)]
	if !ok {
		return 0, errors.Wrapf(ErrNoPrice, "paper %s", symbol)
	}
	return price, nil
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	if err := ctx.Err(); err != nil {
		return order.Response{}, err
	}
	if req.Quantity <= 0 {
		return order.Response{}, errors.Errorf("paper: quantity must be positive, got %v", req.Quantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.orders[req.ClientOrderID]; dup && req.ClientOrderID != "" {
		return order.Response{}, errors.Errorf("paper: duplicate client order id %s", req.ClientOrderID)
	}

	price, ok := p.prices[NormalizeSymbol(req.Symbol)]
	if !ok || req.Type == order.TypeLimit {
		price = req.Price
	}
	if price <= 0 {
		return order.Response{}, errors.Wrapf(ErrNoPrice, "paper %s", req.Symbol)
	}

	p.orderCounter++
	now := time.Now().UTC()
	resp := order.Response{
		OrderID:       fmt.Sprintf("paper_%d_%d", now.Unix(), p.orderCounter),
		ClientOrderID: req.ClientOrderID,
		Status:        order.StatusFilled,
		FilledQty:     req.Quantity,
		AvgPrice:      price,
		Fee:           req.Quantity * price * p.feeRate,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Timestamp:     now,
		UpdatedAt:     now,
	}
	p.orders[req.ClientOrderID] = resp

	utils.GetLogger().Printf("PaperExchange | Order filled: OrderID=%s, Symbol=%s, Side=%s, Price=%.8f, Quantity=%.8f",
		resp.OrderID, req.Symbol, req.Side, price, req.Quantity)
	return resp, nil
}

func (p *PaperExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (order.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, ok := p.orders[clientOrderID]
	if !ok {
		return order.Response{}, errors.Wrapf(ErrOrderNotFound, "paper order %s", clientOrderID)
	}
	return resp, nil
}
