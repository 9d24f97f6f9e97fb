// Package exchange
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/amirphl/phase-trader/internal/order"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownOutcome marks a submission whose result is not known, e.g. a
	// timeout after the request left the process. The order may have filled.
	ErrUnknownOutcome = errors.New("order outcome unknown")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNoPrice        = errors.New("no price available")
)

// OrderService submits orders and looks them up by client order id.
type OrderService interface {
	Name() string
	SubmitOrder(ctx context.Context, req order.Request) (order.Response, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (order.Response, error)
}

// PriceFeed returns the latest traded price of a symbol.
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Exchange is a venue that can both quote and execute.
type Exchange interface {
	OrderService
	PriceFeed
}

// Tick is a single price observation.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// UnknownOutcome wraps err so that IsUnknownOutcome reports true.
func UnknownOutcome(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrUnknownOutcome, err.Error())
}

// IsUnknownOutcome reports whether err leaves the order state undetermined.
// Context deadlines count, since the request may have reached the venue.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnknownOutcome) || errors.Is(err, context.DeadlineExceeded)
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "-", ""))
}

// retry wraps a read-only call with exponential backoff. It must not wrap
// order submission.
func retry(ctx context.Context, name string, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		utils.GetLogger().Printf("Exchange | %s retry attempt %d/%d failed: %v. Backing off for %v", name, i, attempts, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}
	return errors.Wrapf(err, "all %d attempts failed", attempts)
}
