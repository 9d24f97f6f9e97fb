package bot

import (
	"math"
	"time"

	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/pkg/errors"
)

// PerformanceSummary combines realized and unrealized results of a position.
type PerformanceSummary struct {
	PositionID     string                `json:"position_id"`
	Symbol         string                `json:"symbol"`
	StrategyID     string                `json:"strategy_id"`
	State          State                 `json:"state"`
	Position       position.PositionInfo `json:"position"`
	Summary        phase.Summary         `json:"summary"`
	Analytics      phase.Analytics       `json:"analytics"`
	CostBasis      float64               `json:"cost_basis"`
	TotalReturn    float64               `json:"total_return"`
	TotalReturnPct float64               `json:"total_return_pct"`
	Duration       time.Duration         `json:"duration"`
}

// RiskMetrics describes what the position still has at stake.
type RiskMetrics struct {
	CurrentPrice        float64  `json:"current_price"`
	Exposure            float64  `json:"exposure"`
	ExposurePct         float64  `json:"exposure_pct"`
	UnrealizedPnL       float64  `json:"unrealized_pnl"`
	UnrealizedPnLPct    float64  `json:"unrealized_pnl_pct"`
	PeakPrice           float64  `json:"peak_price"`
	TroughPrice         float64  `json:"trough_price"`
	DrawdownFromPeakPct float64  `json:"drawdown_from_peak_pct"`
	MaxAdverseExcursion float64  `json:"max_adverse_excursion_pct"`
	DistanceToNextPct   *float64 `json:"distance_to_next_pct"`
	RealizedProfit      float64  `json:"realized_profit"`
	BreakEvenPrice      float64  `json:"break_even_price"`
	PendingOrders       int      `json:"pending_orders"`
	CompletedPhases     int      `json:"completed_phases"`
	TotalPhases         int      `json:"total_phases"`
}

// GetPerformanceSummary is a read-only view at currentPrice.
func (b *Bot) GetPerformanceSummary(currentPrice float64) (PerformanceSummary, error) {
	info, err := b.mgr.GetPositionInfo(currentPrice)
	if err != nil {
		return PerformanceSummary{}, errors.Wrap(ErrInvalidPrice, err.Error())
	}
	summary := b.exec.CalculateSummary(currentPrice)
	pos := b.mgr.Position()

	cost := pos.EntryPrice * pos.TotalAmount
	total := summary.RealizedProfit + summary.UnrealizedProfit
	var pct float64
	if cost > 0 {
		pct = total / cost * 100
	}

	return PerformanceSummary{
		PositionID:     b.ID(),
		Symbol:         b.Symbol(),
		StrategyID:     b.StrategyID(),
		State:          b.State(),
		Position:       info,
		Summary:        summary,
		Analytics:      b.exec.ExecutionAnalytics(),
		CostBasis:      cost,
		TotalReturn:    total,
		TotalReturnPct: pct,
		Duration:       b.now().Sub(pos.OpenedAt),
	}, nil
}

// GetRiskMetrics is a read-only view at currentPrice. Peak and trough only
// move on processed price updates.
func (b *Bot) GetRiskMetrics(currentPrice float64) (RiskMetrics, error) {
	if !(currentPrice > 0) || math.IsInf(currentPrice, 1) {
		return RiskMetrics{}, errors.Wrapf(ErrInvalidPrice, "got %v", currentPrice)
	}
	s := b.exec.CalculateSummary(currentPrice)
	entry := b.exec.EntryPrice()
	total := b.exec.TotalAmount()

	b.mu.RLock()
	peak, trough, pending := b.peak, b.trough, len(b.pending)
	b.mu.RUnlock()
	peak = math.Max(peak, currentPrice)
	if trough == 0 || currentPrice < trough {
		trough = currentPrice
	}

	m := RiskMetrics{
		CurrentPrice:        currentPrice,
		Exposure:            s.TotalRemaining * currentPrice,
		UnrealizedPnL:       s.UnrealizedProfit,
		UnrealizedPnLPct:    b.exec.PriceIncreasePct(currentPrice),
		PeakPrice:           peak,
		TroughPrice:         trough,
		DrawdownFromPeakPct: (peak - currentPrice) / peak * 100,
		MaxAdverseExcursion: math.Max(0, (entry-trough)/entry*100),
		RealizedProfit:      s.RealizedProfit,
		BreakEvenPrice:      entry,
		PendingOrders:       pending,
		CompletedPhases:     s.CompletedPhases,
		TotalPhases:         s.TotalPhases,
	}
	if total > 0 {
		m.ExposurePct = s.TotalRemaining / total * 100
	}
	// Price at which the remainder gives back the realized profit.
	if s.TotalRemaining > 0 {
		m.BreakEvenPrice = entry - s.RealizedProfit/s.TotalRemaining
	}
	if s.NextPhaseTarget != nil {
		d := (*s.NextPhaseTarget - currentPrice) / currentPrice * 100
		m.DistanceToNextPct = &d
	}
	return m, nil
}
