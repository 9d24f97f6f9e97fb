package position

import (
	"fmt"
	"math"
	"strings"
)

// MarketConditions feed the entry heuristics. Volatility and Momentum are in
// percent, VolumeRatio is current volume over its average. Zero Support or
// Resistance disables the technical-level check.
type MarketConditions struct {
	CurrentPrice float64 `json:"current_price"`
	Volatility   float64 `json:"volatility"`
	VolumeRatio  float64 `json:"volume_ratio"`
	Momentum     float64 `json:"momentum"`
	Support      float64 `json:"support"`
	Resistance   float64 `json:"resistance"`
}

// EntryHeuristics holds the thresholds used by CalculateOptimalEntry.
type EntryHeuristics struct {
	BaseConfidence     float64 `yaml:"base_confidence"`
	HighVolatility     float64 `yaml:"high_volatility"`
	LowVolatility      float64 `yaml:"low_volatility"`
	LowVolumeRatio     float64 `yaml:"low_volume_ratio"`
	StrongMomentum     float64 `yaml:"strong_momentum"`
	TechnicalDeviation float64 `yaml:"technical_deviation"`
}

func DefaultEntryHeuristics() EntryHeuristics {
	return EntryHeuristics{
		BaseConfidence:     70,
		HighVolatility:     5,
		LowVolatility:      2,
		LowVolumeRatio:     0.5,
		StrongMomentum:     5,
		TechnicalDeviation: 5,
	}
}

const (
	minConfidence = 10.0
	maxConfidence = 95.0

	// support + technicalWeight*(resistance-support)
	technicalWeight = 0.2
)

// EntryAdjustment is one heuristic that fired.
type EntryAdjustment struct {
	Factor          string  `json:"factor"`
	PriceMultiplier float64 `json:"price_multiplier"`
	ConfidenceDelta float64 `json:"confidence_delta"`
	Reason          string  `json:"reason"`
}

// EntryRecommendation is the result of CalculateOptimalEntry.
type EntryRecommendation struct {
	EntryPrice  float64           `json:"entry_price"`
	Confidence  float64           `json:"confidence"`
	Reasoning   string            `json:"reasoning"`
	Adjustments []EntryAdjustment `json:"adjustments"`
}

// CalculateOptimalEntry suggests an entry price for adding to the position.
// Each rule adjusts independently; the support/resistance snap runs last.
// With nil conditions the position's entry price is returned unadjusted.
func (m *Manager) CalculateOptimalEntry(c *MarketConditions) EntryRecommendation {
	h := m.entry
	price := m.pos.EntryPrice
	if c != nil && c.CurrentPrice > 0 {
		price = c.CurrentPrice
	}
	rec := EntryRecommendation{
		EntryPrice:  price,
		Confidence:  h.BaseConfidence,
		Adjustments: []EntryAdjustment{},
	}

	apply := func(a EntryAdjustment) {
		rec.EntryPrice *= a.PriceMultiplier
		rec.Confidence += a.ConfidenceDelta
		rec.Adjustments = append(rec.Adjustments, a)
	}

	if c != nil {
		switch {
		case c.Volatility > h.HighVolatility:
			apply(EntryAdjustment{"volatility", 0.98, -15, fmt.Sprintf("high volatility %.2f%%, waiting for a dip", c.Volatility)})
		case c.Volatility > 0 && c.Volatility < h.LowVolatility:
			apply(EntryAdjustment{"volatility", 1.01, 10, fmt.Sprintf("low volatility %.2f%%, paying up for a fill", c.Volatility)})
		}

		if c.VolumeRatio > 0 && c.VolumeRatio < h.LowVolumeRatio {
			apply(EntryAdjustment{"volume", 1, -25, fmt.Sprintf("volume at %.2fx average, liquidity risk", c.VolumeRatio)})
		}

		switch {
		case c.Momentum > h.StrongMomentum:
			apply(EntryAdjustment{"momentum", 1.02, 10, fmt.Sprintf("strong upward momentum %.2f%%", c.Momentum)})
		case c.Momentum < -h.StrongMomentum:
			apply(EntryAdjustment{"momentum", 0.95, -20, fmt.Sprintf("strong downward momentum %.2f%%", c.Momentum)})
		}

		if c.Support > 0 && c.Resistance > c.Support {
			level := c.Support + technicalWeight*(c.Resistance-c.Support)
			deviation := math.Abs(rec.EntryPrice-level) / level * 100
			if deviation > h.TechnicalDeviation {
				apply(EntryAdjustment{
					Factor:          "support_resistance",
					PriceMultiplier: level / rec.EntryPrice,
					Reason:          fmt.Sprintf("entry %.2f%% away from technical level %.8f", deviation, level),
				})
				rec.EntryPrice = level
			}
		}
	}

	rec.Confidence = math.Max(minConfidence, math.Min(maxConfidence, rec.Confidence))

	if len(rec.Adjustments) == 0 {
		rec.Reasoning = "no adjustments, using base price"
	} else {
		reasons := make([]string, 0, len(rec.Adjustments))
		for _, a := range rec.Adjustments {
			reasons = append(reasons, a.Reason)
		}
		rec.Reasoning = strings.Join(reasons, "; ")
	}
	return rec
}
