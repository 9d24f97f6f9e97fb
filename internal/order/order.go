// Package order
package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideSell = "sell"
	SideBuy  = "buy"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Exchange-neutral order states.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
	StatusUnknown         = "UNKNOWN"
)

// Request is a new order to be submitted. ClientOrderID is generated by the
// caller so that an order with an unknown outcome can be looked up later.
type Request struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         float64 `json:"price,omitempty"`
	Quantity      float64 `json:"quantity"`
}

// Response is an order as reported by the exchange.
type Response struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Status        string    `json:"status"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	Fee           float64   `json:"fee"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Timestamp     time.Time `json:"timestamp"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFilled reports a completely or partially executed order with a usable price.
func (r Response) IsFilled() bool {
	return (r.Status == StatusFilled || r.Status == StatusPartiallyFilled) && r.FilledQty > 0 && r.AvgPrice > 0
}

// IsTerminal reports an order that will not fill any further.
func (r Response) IsTerminal() bool {
	switch r.Status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// NormalizeStatus maps exchange spellings onto the states above.
func NormalizeStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW", "OPEN", "ACTIVE":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIAL", "PARTIALLY-FILLED":
		return StatusPartiallyFilled
	case "FILLED", "DONE", "CLOSED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// FormatQuantity renders v with at most `places` decimals, truncating rather
// than rounding so a sell never exceeds the held amount. A positive step
// truncates to a multiple of step first.
func FormatQuantity(v float64, step float64, places int32) string {
	d := decimal.NewFromFloat(v)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		d = d.Div(s).Truncate(0).Mul(s)
	}
	return d.Truncate(places).String()
}

// FormatPrice renders a price with fixed decimals.
func FormatPrice(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

// ParseAmount parses an exchange decimal string; empty means zero.
func ParseAmount(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
