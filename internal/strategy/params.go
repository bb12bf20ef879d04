// Package strategy holds the pure decision functions of the engine:
// ladder entries, averaging down, tail insurance and the exit ladder.
// Nothing in this package touches the network or the store; the
// orchestrator feeds it state and executes what it proposes.
package strategy

import (
	"time"

	"polyladder/internal/config"
)

// Strategy tags written to trade records.
const (
	TagLadder = "LADDER"
	TagDCA    = "DCA"
	TagTail   = "TAIL_INSURANCE"
	TagExit   = "EXIT"
	TagCopy   = "COPY_TRADE"
)

// Params bundles every tunable the decision functions need.
type Params struct {
	Bankroll             float64
	MaxMarketExposurePct float64

	LadderLevels  []float64
	LadderWeights []float64
	MaxBuyPrice   float64

	TakeProfitPct           float64
	TakeProfitSellFraction  float64
	MoonBagDropPct          float64
	ResolutionExitThreshold float64
	ConsensusBreakConfirm   time.Duration
	PreGameStopCooldown     time.Duration
	MinHoldTime             time.Duration

	MaxDCABuys        int
	DCAMinDrawdownPct float64
	DCASizeFraction   float64

	TailPriceThreshold float64
	TailExposurePct    float64
}

// FromConfig derives strategy parameters from the loaded config.
func FromConfig(c *config.Config) Params {
	return Params{
		Bankroll:                c.Bankroll,
		MaxMarketExposurePct:    c.MaxMarketExposurePct,
		LadderLevels:            c.LadderLevels,
		LadderWeights:           c.LadderWeights,
		MaxBuyPrice:             c.MaxBuyPrice,
		TakeProfitPct:           c.TakeProfitPct,
		TakeProfitSellFraction:  c.TakeProfitSellFraction,
		MoonBagDropPct:          c.MoonBagDropPct,
		ResolutionExitThreshold: c.ResolutionExitThreshold,
		ConsensusBreakConfirm:   c.ConsensusBreakConfirm(),
		PreGameStopCooldown:     c.PreGameStopCooldown(),
		MinHoldTime:             c.MinHoldTime(),
		MaxDCABuys:              c.MaxDCABuys,
		DCAMinDrawdownPct:       c.DCAMinDrawdownPct,
		DCASizeFraction:         c.DCASizeFraction,
		TailPriceThreshold:      c.TailPriceThreshold,
		TailExposurePct:         c.TailExposurePct,
	}
}

// FirstLevel is the lowest ladder rung.
func (p Params) FirstLevel() float64 { return p.LadderLevels[0] }
