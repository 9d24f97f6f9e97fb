// Package exchange adapter
package exchange

import (
	"strconv"
	"strings"

	"github.com/amirphl/phase-trader/internal/order"
	wallex "github.com/wallexchange/wallex-go"
)

func (w *WallexTrade) ToTick(symbol string) Tick {
	price, _ := strconv.ParseFloat(w.Price, 64)
	quantity, _ := strconv.ParseFloat(w.Quantity, 64)
	side := order.SideBuy
	if !w.IsBuyOrder {
		side = order.SideSell
	}

	return Tick{
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		Side:      side,
		Timestamp: w.Timestamp,
	}
}

func wallexOrderToResponse(o *wallex.Order) order.Response {
	return order.Response{
		OrderID:       o.ClientOrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        order.NormalizeStatus(o.Status),
		FilledQty:     numberToFloat(o.ExecutedQty),
		AvgPrice:      numberToFloat(o.ExecutedPrice),
		Side:          strings.ToLower(o.Side),
		Type:          strings.ToLower(o.Type),
		Price:         numberToFloat(&o.Price),
		Quantity:      numberToFloat(&o.OrigQty),
		Timestamp:     o.CreatedAt.UTC(),
		UpdatedAt:     o.CreatedAt.UTC(),
	}
}

// numberToFloat safely dereferences a *wallex.Number.
func numberToFloat(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := order.ParseAmount(string(*n))
	return out
}
