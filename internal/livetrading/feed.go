package livetrading

import (
	"context"
	"time"

	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/utils"
)

// PollPrices turns a pull feed into ticks. Every interval each symbol is read
// once; failed reads are logged and skipped. The channel is closed when ctx
// ends.
func PollPrices(ctx context.Context, feed exchange.PriceFeed, symbols []string, interval time.Duration) <-chan exchange.Tick {
	out := make(chan exchange.Tick, len(symbols))
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for _, symbol := range symbols {
				price, err := feed.GetPrice(ctx, symbol)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					utils.GetLogger().Printf("PollPrices | [%s] price unavailable: %v", symbol, err)
					continue
				}
				select {
				case out <- exchange.Tick{Symbol: symbol, Price: price, Timestamp: time.Now()}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// Merge fans several tick channels into one. The result is closed once all
// inputs are closed or ctx ends.
func Merge(ctx context.Context, inputs ...<-chan exchange.Tick) <-chan exchange.Tick {
	out := make(chan exchange.Tick, 64)
	done := make(chan struct{})
	for _, in := range inputs {
		go func(in <-chan exchange.Tick) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}(in)
	}
	go func() {
		for range inputs {
			<-done
		}
		close(out)
	}()
	return out
}
