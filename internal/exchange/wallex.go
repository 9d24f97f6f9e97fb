// Package exchange
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/amirphl/phase-trader/internal/order"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
	wallex "github.com/wallexchange/wallex-go"
)

type WallexExchange struct {
	client *wallex.Client
}

func NewWallexExchange(apiKey string) *WallexExchange {
	return &WallexExchange{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// SubmitOrder places the order once. The wallex client takes no context, so
// a cancelled ctx after the call started yields ErrUnknownOutcome.
func (w *WallexExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	if err := ctx.Err(); err != nil {
		utils.GetLogger().Printf("Exchange | %s SubmitOrder cancelled before send", w.Name())
		return order.Response{}, err
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     strings.ToUpper(req.Type),
		Side:     strings.ToUpper(req.Side),
		Price:    wallex.Number(order.FormatPrice(req.Price, 8)),
		Quantity: wallex.Number(order.FormatQuantity(req.Quantity, 0, 8)),
	}

	type result struct {
		resp *wallex.Order
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.client.PlaceOrder(params)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return order.Response{}, UnknownOutcome(errors.Wrapf(ctx.Err(), "wallex place order %s", req.ClientOrderID))
	case r := <-done:
		if r.err != nil {
			return order.Response{}, errors.Wrap(r.err, "wallex place order")
		}
		resp := wallexOrderToResponse(r.resp)
		resp.Symbol = req.Symbol
		resp.Side = req.Side
		resp.Type = req.Type
		resp.Quantity = req.Quantity
		if resp.ClientOrderID == "" {
			resp.ClientOrderID = req.ClientOrderID
		}
		return resp, nil
	}
}

func (w *WallexExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (order.Response, error) {
	var resp *wallex.Order
	err := retry(ctx, w.Name(), 3, 2*time.Second, func() error {
		var err error
		resp, err = w.client.Order(clientOrderID)
		return err
	})
	if err != nil {
		return order.Response{}, errors.Wrapf(err, "wallex order %s", clientOrderID)
	}
	if resp == nil {
		return order.Response{}, errors.Wrapf(ErrOrderNotFound, "wallex order %s", clientOrderID)
	}
	out := wallexOrderToResponse(resp)
	out.Symbol = symbol
	return out, nil
}

// GetPrice returns the price of the latest public trade.
func (w *WallexExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var trades []*wallex.MarketTrade
	err := retry(ctx, w.Name(), 3, time.Second, func() error {
		var err error
		trades, err = w.client.MarketTrades(NormalizeSymbol(symbol))
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "wallex trades %s", symbol)
	}
	if len(trades) == 0 {
		return 0, errors.Wrapf(ErrNoPrice, "no trades for %s", symbol)
	}
	price := numberToFloat(&trades[0].Price)
	if price <= 0 {
		return 0, errors.Wrapf(ErrNoPrice, "bad trade price %q for %s", trades[0].Price, symbol)
	}
	return price, nil
}
