package exchange

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/amirphl/phase-trader/internal/order"
	"github.com/pkg/errors"
)

// binanceOrderNotFound is the API code for an unknown order id.
const binanceOrderNotFound = -2013

// BinanceExchange trades spot markets through go-binance.
type BinanceExchange struct {
	client   *binance.Client
	stepSize map[string]float64
}

func NewBinanceExchange(apiKey, secretKey string, testnet bool) *BinanceExchange {
	binance.UseTestnet = testnet
	return &BinanceExchange{
		client:   binance.NewClient(apiKey, secretKey),
		stepSize: make(map[string]float64),
	}
}

func (b *BinanceExchange) Name() string {
	return "binance"
}

// SetStepSize sets the LOT_SIZE step used to truncate quantities of symbol.
func (b *BinanceExchange) SetStepSize(symbol string, step float64) {
	b.stepSize[NormalizeSymbol(symbol)] = step
}

func (b *BinanceExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	symbol := NormalizeSymbol(req.Symbol)
	side := binance.SideTypeSell
	if req.Side == order.SideBuy {
		side = binance.SideTypeBuy
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Quantity(order.FormatQuantity(req.Quantity, b.stepSize[symbol], 8)).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == order.TypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(order.FormatPrice(req.Price, 8))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		if isTransportError(err) {
			return order.Response{}, UnknownOutcome(errors.Wrapf(err, "binance create order %s", req.ClientOrderID))
		}
		return order.Response{}, errors.Wrapf(err, "binance create order %s", req.ClientOrderID)
	}

	filled, _ := order.ParseAmount(res.ExecutedQuantity)
	quote, _ := order.ParseAmount(res.CummulativeQuoteQuantity)
	resp := order.Response{
		OrderID:       res.ClientOrderID,
		ClientOrderID: res.ClientOrderID,
		Status:        order.NormalizeStatus(string(res.Status)),
		FilledQty:     filled,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Timestamp:     time.UnixMilli(res.TransactTime).UTC(),
		UpdatedAt:     time.UnixMilli(res.TransactTime).UTC(),
	}
	if filled > 0 {
		resp.AvgPrice = quote / filled
	}
	for _, f := range res.Fills {
		fee, _ := order.ParseAmount(f.Commission)
		resp.Fee += fee
	}
	return resp, nil
}

func (b *BinanceExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (order.Response, error) {
	var o *binance.Order
	err := retry(ctx, b.Name(), 3, time.Second, func() error {
		var err error
		o, err = b.client.NewGetOrderService().
			Symbol(NormalizeSymbol(symbol)).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == binanceOrderNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return order.Response{}, errors.Wrapf(err, "binance order %s", clientOrderID)
	}
	if o == nil {
		return order.Response{}, errors.Wrapf(ErrOrderNotFound, "binance order %s", clientOrderID)
	}

	filled, _ := order.ParseAmount(o.ExecutedQuantity)
	quote, _ := order.ParseAmount(o.CummulativeQuoteQuantity)
	price, _ := order.ParseAmount(o.Price)
	qty, _ := order.ParseAmount(o.OrigQuantity)
	resp := order.Response{
		OrderID:       o.ClientOrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        order.NormalizeStatus(string(o.Status)),
		FilledQty:     filled,
		Symbol:        symbol,
		Side:          strings.ToLower(string(o.Side)),
		Type:          strings.ToLower(string(o.Type)),
		Price:         price,
		Quantity:      qty,
		Timestamp:     time.UnixMilli(o.Time).UTC(),
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
	if filled > 0 {
		resp.AvgPrice = quote / filled
	}
	return resp, nil
}

func (b *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := retry(ctx, b.Name(), 3, time.Second, func() error {
		var err error
		prices, err = b.client.NewListPricesService().Symbol(NormalizeSymbol(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "binance price %s", symbol)
	}
	if len(prices) == 0 {
		return 0, errors.Wrapf(ErrNoPrice, "binance price %s", symbol)
	}
	p, err := order.ParseAmount(prices[0].Price)
	if err != nil || p <= 0 {
		return 0, errors.Wrapf(ErrNoPrice, "binance price %s: %q", symbol, prices[0].Price)
	}
	return p, nil
}

// isTransportError reports failures after which the request may or may not
// have reached the venue.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	_, isAPI := err.(*common.APIError)
	return !isAPI && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
