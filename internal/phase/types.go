package phase

import (
	"time"

	"github.com/amirphl/phase-trader/internal/strategy"
)

// Urgency ranks candidates by how far price has overshot their target.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
)

func (u Urgency) String() string {
	switch u {
	case UrgencyHigh:
		return "high"
	case UrgencyMedium:
		return "medium"
	default:
		return "low"
	}
}

func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// Trend compares recent realized profit per execution with the preceding window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Candidate is a phase whose trigger is reached and which has not run yet.
type Candidate struct {
	Phase          int            `json:"phase"`
	Level          strategy.Level `json:"level"`
	Amount         float64        `json:"amount"`
	TargetPrice    float64        `json:"target_price"`
	ExpectedProfit float64        `json:"expected_profit"`
	Overshoot      float64        `json:"overshoot"`
	Urgency        Urgency        `json:"urgency"`
}

// ExecutionRecord is the append-only trace of one executed phase.
type ExecutionRecord struct {
	Phase     int           `json:"phase"`
	Price     float64       `json:"price"`
	Amount    float64       `json:"amount"`
	Profit    float64       `json:"profit"`
	Fees      float64       `json:"fees"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency,omitempty"`
	Slippage  *float64      `json:"slippage,omitempty"`
	OrderID   string        `json:"order_id,omitempty"`
}

// Summary is derived from the position, the history and a price. It is never
// cached.
type Summary struct {
	CurrentPrice        float64  `json:"current_price"`
	TotalSold           float64  `json:"total_sold"`
	TotalRemaining      float64  `json:"total_remaining"`
	RealizedProfit      float64  `json:"realized_profit"`
	UnrealizedProfit    float64  `json:"unrealized_profit"`
	CompletedPhases     int      `json:"completed_phases"`
	TotalPhases         int      `json:"total_phases"`
	NextPhaseTarget     *float64 `json:"next_phase_target"`
	TotalFees           float64  `json:"total_fees"`
	AvgSlippage         float64  `json:"avg_slippage"`
	ExecutionEfficiency float64  `json:"execution_efficiency"`
}

// Analytics describes the quality of recorded executions.
type Analytics struct {
	TotalExecutions int              `json:"total_executions"`
	BestExecution   *ExecutionRecord `json:"best_execution,omitempty"`
	WorstExecution  *ExecutionRecord `json:"worst_execution,omitempty"`
	AverageProfit   float64          `json:"average_profit"`
	AverageLatency  time.Duration    `json:"average_latency"`
	ExecutionTrend  Trend            `json:"execution_trend"`
}

// PhaseDetail is one row of Status.
type PhaseDetail struct {
	Phase            int        `json:"phase"`
	TargetPercentage float64    `json:"target_percentage"`
	TargetPrice      float64    `json:"target_price"`
	SellPercentage   float64    `json:"sell_percentage"`
	PlannedAmount    float64    `json:"planned_amount"`
	Executed         bool       `json:"executed"`
	ExecutionPrice   float64    `json:"execution_price,omitempty"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
}

// Status is the phase progress of a position.
type Status struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Pending   int           `json:"pending"`
	Phases    []PhaseDetail `json:"phases"`
	NextPhase *int          `json:"next_phase"`
}

// State is the persisted form of an executor. The executed set and the
// history always travel together.
type State struct {
	ExecutedPhases []int             `json:"executed_phases"`
	History        []ExecutionRecord `json:"history"`
}
