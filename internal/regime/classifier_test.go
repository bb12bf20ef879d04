package regime

import (
	"testing"
	"time"

	"polyladder/internal/types"
)

func testRegimeParams() Params {
	return Params{
		LateResolutionWindow:    6 * time.Hour,
		LateCompressedThreshold: 0.85,
		VolatilityWindow:        30 * time.Minute,
		VolatilityThreshold:     0.05,
		EarlyUncertainMin:       0.45,
		EarlyUncertainMax:       0.55,
	}
}

func samplesAt(now time.Time, prices ...float64) []types.PricePoint {
	out := make([]types.PricePoint, 0, len(prices))
	for i, p := range prices {
		out = append(out, types.PricePoint{
			PriceYes:  p,
			Timestamp: now.Add(time.Duration(i-len(prices)) * time.Minute),
		})
	}
	return out
}

func TestClassifyRules(t *testing.T) {
	t.Parallel()
	p := testRegimeParams()
	now := time.Now()

	tests := []struct {
		name     string
		ttr      time.Duration
		priceYes float64
		samples  []types.PricePoint
		want     types.Regime
	}{
		{
			name:     "late compressed on the YES side",
			ttr:      2 * time.Hour,
			priceYes: 0.90,
			want:     types.RegimeLateCompressed,
		},
		{
			name:     "late compressed on the NO side",
			ttr:      2 * time.Hour,
			priceYes: 0.08,
			want:     types.RegimeLateCompressed,
		},
		{
			name:     "near resolution but uncompressed",
			ttr:      2 * time.Hour,
			priceYes: 0.70,
			want:     types.RegimeMidConsensus,
		},
		{
			name:     "high volatility",
			ttr:      48 * time.Hour,
			priceYes: 0.70,
			samples:  samplesAt(now, 0.50, 0.70, 0.55, 0.72),
			want:     types.RegimeHighVolatility,
		},
		{
			name:     "two samples never trip volatility",
			ttr:      48 * time.Hour,
			priceYes: 0.70,
			samples:  samplesAt(now, 0.10, 0.90),
			want:     types.RegimeMidConsensus,
		},
		{
			name:     "early uncertain",
			ttr:      48 * time.Hour,
			priceYes: 0.50,
			want:     types.RegimeEarlyUncertain,
		},
		{
			name:     "mid consensus default",
			ttr:      48 * time.Hour,
			priceYes: 0.72,
			want:     types.RegimeMidConsensus,
		},
		{
			name:     "late compressed wins over volatility",
			ttr:      time.Hour,
			priceYes: 0.90,
			samples:  samplesAt(now, 0.50, 0.90, 0.55, 0.88),
			want:     types.RegimeLateCompressed,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(p, tc.ttr, tc.priceYes, 1-tc.priceYes, tc.samples, now)
			if got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

// The classifier must return one of the four tags for any input.
func TestClassifyIsTotal(t *testing.T) {
	t.Parallel()
	p := testRegimeParams()
	now := time.Now()
	valid := map[types.Regime]bool{
		types.RegimeEarlyUncertain: true,
		types.RegimeMidConsensus:   true,
		types.RegimeLateCompressed: true,
		types.RegimeHighVolatility: true,
	}

	for _, ttr := range []time.Duration{0, time.Hour, 100 * time.Hour, -time.Hour} {
		for price := 0.0; price <= 1.0; price += 0.05 {
			got := Classify(p, ttr, price, 1-price, nil, now)
			if !valid[got] {
				t.Fatalf("Classify(%v, %v) = %q, not a regime", ttr, price, got)
			}
		}
	}
}

func TestVolatilityWindowExcludesStaleSamples(t *testing.T) {
	t.Parallel()
	p := testRegimeParams()
	now := time.Now()

	stale := []types.PricePoint{
		{PriceYes: 0.10, Timestamp: now.Add(-2 * time.Hour)},
		{PriceYes: 0.90, Timestamp: now.Add(-90 * time.Minute)},
		{PriceYes: 0.20, Timestamp: now.Add(-80 * time.Minute)},
		{PriceYes: 0.70, Timestamp: now.Add(-time.Minute)},
	}
	got := Classify(p, 48*time.Hour, 0.70, 0.30, stale, now)
	if got != types.RegimeMidConsensus {
		t.Errorf("stale samples tripped volatility: %s", got)
	}
}

func TestSignificantTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to types.Regime
		want     bool
	}{
		{types.RegimeMidConsensus, types.RegimeMidConsensus, false},
		{types.RegimeMidConsensus, types.RegimeHighVolatility, true},
		{types.RegimeHighVolatility, types.RegimeMidConsensus, true},
		{types.RegimeMidConsensus, types.RegimeLateCompressed, true},
		{types.RegimeLateCompressed, types.RegimeMidConsensus, false},
		{types.RegimeEarlyUncertain, types.RegimeMidConsensus, false},
	}
	for _, tc := range tests {
		if got := Significant(tc.from, tc.to); got != tc.want {
			t.Errorf("Significant(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSelectStrategy(t *testing.T) {
	t.Parallel()
	if SelectStrategy(types.RegimeMidConsensus) != types.StrategyLadder {
		t.Error("MID_CONSENSUS should ladder")
	}
	if SelectStrategy(types.RegimeLateCompressed) != types.StrategyLadder {
		t.Error("LATE_COMPRESSED should ladder")
	}
	if SelectStrategy(types.RegimeHighVolatility) != types.StrategyVolatility {
		t.Error("HIGH_VOLATILITY should absorb")
	}
	if SelectStrategy(types.RegimeEarlyUncertain) != types.StrategyNone {
		t.Error("EARLY_UNCERTAIN should stand aside")
	}
}
