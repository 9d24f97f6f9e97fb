package position

import (
	"time"

	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/pkg/errors"
)

// Progress is the phase progress part of PositionInfo.
type Progress struct {
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	Remaining  int      `json:"remaining"`
	NextTarget *float64 `json:"next_target"`
}

type PositionInfo struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	StrategyID       string    `json:"strategy_id"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	TotalAmount      float64   `json:"total_amount"`
	RemainingAmount  float64   `json:"remaining_amount"`
	MarketValue      float64   `json:"market_value"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	RealizedPnL      float64   `json:"realized_pnl"`
	Progress         Progress  `json:"progress"`
	OpenedAt         time.Time `json:"opened_at"`
}

// GetPositionInfo values the remaining holding at currentPrice, which must be
// a real market price.
func (m *Manager) GetPositionInfo(currentPrice float64) (PositionInfo, error) {
	if !(currentPrice > 0) {
		return PositionInfo{}, errors.Wrapf(phase.ErrInvalidPrice, "position %s current price %v", m.pos.ID, currentPrice)
	}

	pos := m.Position()
	s := m.exec.CalculateSummary(currentPrice)
	return PositionInfo{
		ID:               pos.ID,
		Symbol:           pos.Symbol,
		StrategyID:       m.exec.Strategy().ID(),
		EntryPrice:       pos.EntryPrice,
		CurrentPrice:     currentPrice,
		TotalAmount:      pos.TotalAmount,
		RemainingAmount:  s.TotalRemaining,
		MarketValue:      s.TotalRemaining * currentPrice,
		UnrealizedPnL:    s.UnrealizedProfit,
		UnrealizedPnLPct: m.exec.PriceIncreasePct(currentPrice),
		RealizedPnL:      s.RealizedProfit,
		Progress: Progress{
			Total:      s.TotalPhases,
			Completed:  s.CompletedPhases,
			Remaining:  s.TotalPhases - s.CompletedPhases,
			NextTarget: s.NextPhaseTarget,
		},
		OpenedAt: pos.OpenedAt,
	}, nil
}
