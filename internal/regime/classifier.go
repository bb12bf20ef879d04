// Package regime classifies a market's pricing dynamics into one of four
// behavioral regimes. Classification is a pure function evaluated on every
// price update; the orchestrator logs transitions.
package regime

import (
	"math"
	"time"

	"polyladder/internal/types"
)

// Params are the classifier thresholds, taken from config.
type Params struct {
	LateResolutionWindow    time.Duration
	LateCompressedThreshold float64
	VolatilityWindow        time.Duration
	VolatilityThreshold     float64
	EarlyUncertainMin       float64
	EarlyUncertainMax       float64
}

// Classify maps (time-to-resolution, prices, recent samples) to a regime.
// Rules are evaluated in order; the function is total.
func Classify(p Params, timeToResolution time.Duration, priceYes, priceNo float64, samples []types.PricePoint, now time.Time) types.Regime {
	effectiveNo := priceNo
	if effectiveNo == 0 {
		effectiveNo = 1 - priceYes
	}

	if timeToResolution < p.LateResolutionWindow && math.Max(priceYes, effectiveNo) > p.LateCompressedThreshold {
		return types.RegimeLateCompressed
	}

	if stddevInWindow(samples, now, p.VolatilityWindow) > p.VolatilityThreshold {
		return types.RegimeHighVolatility
	}

	if priceYes >= p.EarlyUncertainMin && priceYes <= p.EarlyUncertainMax {
		return types.RegimeEarlyUncertain
	}

	return types.RegimeMidConsensus
}

// stddevInWindow computes the population standard deviation of the YES
// prices sampled within the window. Returns 0 with fewer than 3 samples.
func stddevInWindow(samples []types.PricePoint, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	var prices []float64
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			prices = append(prices, s.PriceYes)
		}
	}
	if len(prices) < 3 {
		return 0
	}

	var sum float64
	for _, v := range prices {
		sum += v
	}
	mean := sum / float64(len(prices))

	var sq float64
	for _, v := range prices {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(prices)))
}

// Significant reports whether a regime transition should be flagged:
// any move into or out of HIGH_VOLATILITY, and any move into LATE_COMPRESSED.
func Significant(from, to types.Regime) bool {
	if from == to {
		return false
	}
	if from == types.RegimeHighVolatility || to == types.RegimeHighVolatility {
		return true
	}
	return to == types.RegimeLateCompressed
}

// SelectStrategy maps a regime to its entry strategy.
func SelectStrategy(r types.Regime) types.StrategyKind {
	switch r {
	case types.RegimeLateCompressed, types.RegimeMidConsensus:
		return types.StrategyLadder
	case types.RegimeHighVolatility:
		return types.StrategyVolatility
	default:
		return types.StrategyNone
	}
}
