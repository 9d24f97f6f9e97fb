package position

import (
	"math"

	"github.com/pkg/errors"
)

var ErrInvalidFill = errors.New("invalid fill amounts")

type FillStatus string

const (
	FillComplete FillStatus = "complete"
	FillPartial  FillStatus = "partial"
)

type FillAction string

const (
	ActionCompleteOrder     FillAction = "complete_order"
	ActionContinueExecution FillAction = "continue_execution"
	ActionAdjustStrategy    FillAction = "adjust_strategy"
	ActionReassessMarket    FillAction = "reassess_market"
)

// FillBands are the fill percentage lower bounds of each action. Dust is the
// remaining amount below which a fill counts as complete.
type FillBands struct {
	Complete float64 `yaml:"complete"`
	Continue float64 `yaml:"continue"`
	Adjust   float64 `yaml:"adjust"`
	Dust     float64 `yaml:"dust"`
}

func DefaultFillBands() FillBands {
	return FillBands{Complete: 95, Continue: 50, Adjust: 20, Dust: 0.001}
}

// Validate requires 0 < Adjust < Continue < Complete <= 100 and Dust >= 0.
func (b FillBands) Validate() error {
	if !(b.Adjust > 0 && b.Adjust < b.Continue && b.Continue < b.Complete && b.Complete <= 100) {
		return errors.Errorf("fill bands must satisfy 0 < adjust < continue < complete <= 100, got %v/%v/%v", b.Adjust, b.Continue, b.Complete)
	}
	if b.Dust < 0 {
		return errors.Errorf("dust threshold must not be negative, got %v", b.Dust)
	}
	return nil
}

// FillAdjustments tell the caller how to re-place the remainder.
type FillAdjustments struct {
	PriceImprovementPct float64 `json:"price_improvement_pct"`
	SizeMultiplier      float64 `json:"size_multiplier"`
	TimeoutMultiplier   float64 `json:"timeout_multiplier"`
}

type FillResult struct {
	FillPercentage  float64          `json:"fill_percentage"`
	RemainingAmount float64          `json:"remaining_amount"`
	Status          FillStatus       `json:"status"`
	NextAction      FillAction       `json:"next_action"`
	Adjustments     *FillAdjustments `json:"adjustments,omitempty"`
}

var fillAdjustments = map[FillAction]FillAdjustments{
	ActionContinueExecution: {PriceImprovementPct: 0.1, SizeMultiplier: 1, TimeoutMultiplier: 1},
	ActionAdjustStrategy:    {PriceImprovementPct: 0.2, SizeMultiplier: 0.8, TimeoutMultiplier: 1},
	ActionReassessMarket:    {PriceImprovementPct: 0.5, SizeMultiplier: 1, TimeoutMultiplier: 2},
}

// HandlePartialFill classifies an order that filled executed of total.
func (m *Manager) HandlePartialFill(executed, total float64) (FillResult, error) {
	return m.fills.Classify(executed, total)
}

// Classify is HandlePartialFill without a position.
func (b FillBands) Classify(executed, total float64) (FillResult, error) {
	if !(total > 0) || executed < 0 || math.IsNaN(executed) || math.IsInf(total, 0) {
		return FillResult{}, errors.Wrapf(ErrInvalidFill, "executed %v of %v", executed, total)
	}

	pct := executed / total * 100
	res := FillResult{
		FillPercentage:  pct,
		RemainingAmount: math.Max(0, total-executed),
		Status:          FillPartial,
	}
	if res.RemainingAmount < b.Dust || pct >= b.Complete {
		res.Status = FillComplete
	}

	switch {
	case pct >= b.Complete:
		res.NextAction = ActionCompleteOrder
	case pct >= b.Continue:
		res.NextAction = ActionContinueExecution
	case pct >= b.Adjust:
		res.NextAction = ActionAdjustStrategy
	default:
		res.NextAction = ActionReassessMarket
	}
	if adj, ok := fillAdjustments[res.NextAction]; ok {
		res.Adjustments = &adj
	}
	return res, nil
}
