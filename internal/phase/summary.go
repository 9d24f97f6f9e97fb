package phase

import (
	"math"
	"time"
)

// CalculateSummary derives totals and PnL at currentPrice.
func (e *Executor) CalculateSummary(currentPrice float64) Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.summaryLocked(currentPrice)
}

func (e *Executor) summaryLocked(currentPrice float64) Summary {
	s := Summary{
		CurrentPrice:    currentPrice,
		CompletedPhases: len(e.executed),
		TotalPhases:     e.strategy.NumPhases(),
	}

	var (
		efficiencySum float64
		slippageSum   float64
		slippageCount int
	)
	for _, r := range e.history {
		s.TotalSold += r.Amount
		s.RealizedProfit += r.Profit
		s.TotalFees += r.Fees
		if r.Slippage != nil {
			slippageSum += *r.Slippage
			slippageCount++
		}
		if target, ok := e.TargetPrice(r.Phase); ok {
			efficiencySum += math.Min(100, r.Price/target*100)
		}
	}

	s.TotalRemaining = e.totalAmount - s.TotalSold
	s.UnrealizedProfit = s.TotalRemaining * (currentPrice - e.entryPrice)
	if slippageCount > 0 {
		s.AvgSlippage = slippageSum / float64(slippageCount)
	}
	if len(e.history) > 0 {
		s.ExecutionEfficiency = efficiencySum / float64(len(e.history))
	}

	for phase := 1; phase <= e.strategy.NumPhases(); phase++ {
		if _, done := e.executed[phase]; done {
			continue
		}
		target, _ := e.TargetPrice(phase)
		s.NextPhaseTarget = &target
		break
	}
	return s
}

// trendWindow is the number of executions compared on each side.
const trendWindow = 3

// trendThreshold is the relative change in mean profit that counts as a trend.
const trendThreshold = 0.10

// ExecutionAnalytics reports best and worst executions by profit and whether
// recent executions are getting better.
func (e *Executor) ExecutionAnalytics() Analytics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a := Analytics{
		TotalExecutions: len(e.history),
		ExecutionTrend:  TrendStable,
	}
	if len(e.history) == 0 {
		return a
	}

	var (
		profitSum  float64
		latencySum time.Duration
	)
	best, worst := 0, 0
	for i, r := range e.history {
		profitSum += r.Profit
		latencySum += r.Latency
		if r.Profit > e.history[best].Profit {
			best = i
		}
		if r.Profit < e.history[worst].Profit {
			worst = i
		}
	}
	bestRec := cloneHistory(e.history[best : best+1])[0]
	worstRec := cloneHistory(e.history[worst : worst+1])[0]
	a.BestExecution = &bestRec
	a.WorstExecution = &worstRec
	a.AverageProfit = profitSum / float64(len(e.history))
	a.AverageLatency = latencySum / time.Duration(len(e.history))
	a.ExecutionTrend = executionTrend(e.history)
	return a
}

func executionTrend(history []ExecutionRecord) Trend {
	n := len(history)
	if n < 2*trendWindow {
		return TrendStable
	}
	recent := meanProfit(history[n-trendWindow:])
	previous := meanProfit(history[n-2*trendWindow : n-trendWindow])

	if previous == 0 {
		switch {
		case recent > 0:
			return TrendImproving
		case recent < 0:
			return TrendDeclining
		default:
			return TrendStable
		}
	}

	change := (recent - previous) / math.Abs(previous)
	switch {
	case change >= trendThreshold:
		return TrendImproving
	case change <= -trendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func meanProfit(records []ExecutionRecord) float64 {
	sum := 0.0
	for _, r := range records {
		sum += r.Profit
	}
	return sum / float64(len(records))
}
