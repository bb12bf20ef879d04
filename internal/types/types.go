// Package types holds the domain types shared across the engine:
// markets, per-market trading state, positions, orders and signals.
package types

import (
	"strings"
	"time"
)

// SharesEpsilon is the threshold below which a share count is treated as zero.
const SharesEpsilon = 1e-4

// Side identifies which outcome token a trade targets.
type Side string

const (
	SideYes  Side = "YES"
	SideNo   Side = "NO"
	SideNone Side = ""
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	switch s {
	case SideYes:
		return SideNo
	case SideNo:
		return SideYes
	}
	return SideNone
}

// Regime is a coarse label for a market's current pricing dynamics.
type Regime string

const (
	RegimeEarlyUncertain Regime = "EARLY_UNCERTAIN"
	RegimeMidConsensus   Regime = "MID_CONSENSUS"
	RegimeLateCompressed Regime = "LATE_COMPRESSED"
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
)

// StrategyKind selects the entry strategy for a regime.
type StrategyKind string

const (
	StrategyLadder     StrategyKind = "LADDER"
	StrategyVolatility StrategyKind = "VOLATILITY_ABSORPTION"
	StrategyNone       StrategyKind = "NONE"
)

// Market is the catalog record for a tradeable binary market.
// Persisted verbatim from the catalog; mutated only by the loader.
type Market struct {
	ID              string
	Question        string
	Slug            string
	Category        string
	Subcategory     string
	Outcomes        []string // e.g. ["Yes","No"], parallel to ClobTokenIDs
	ClobTokenIDs    []string
	EndDate         time.Time
	GameStartTime   *time.Time
	Volume24h       float64
	Liquidity       float64
	BestBid         float64
	BestAsk         float64
	LastTradePrice  float64
	Active          bool
	Closed          bool
	EnableOrderBook bool
	NegRisk         bool   // mutually-exclusive event group flag
	EventID         string // group id when NegRisk is set
}

// TokenMap resolves the market's outcome tokens to YES/NO sides.
// The "YES" label is matched case-insensitively against Outcomes;
// when no outcome matches, the first token is treated as YES.
type TokenMap struct {
	YesToken string
	NoToken  string
	// Assumed is set when no outcome label matched "YES" and positional
	// order was used instead. Callers should log a warning.
	Assumed bool
}

// ResolveTokens builds the label→token map from the market's parallel arrays.
// Returns ok=false when the market is not a two-outcome market.
func (m *Market) ResolveTokens() (TokenMap, bool) {
	if len(m.Outcomes) != 2 || len(m.ClobTokenIDs) != 2 {
		return TokenMap{}, false
	}
	for i, label := range m.Outcomes {
		if strings.EqualFold(label, "yes") {
			return TokenMap{YesToken: m.ClobTokenIDs[i], NoToken: m.ClobTokenIDs[1-i]}, true
		}
	}
	return TokenMap{YesToken: m.ClobTokenIDs[0], NoToken: m.ClobTokenIDs[1], Assumed: true}, true
}

// TimeToResolution returns the remaining time until the market's end date.
func (m *Market) TimeToResolution(now time.Time) time.Duration {
	return m.EndDate.Sub(now)
}

// PricePoint is one observation in a market's bounded price history.
type PricePoint struct {
	PriceYes  float64
	Timestamp time.Time
}

// MarketState is the per-market trading state machine. One instance per
// market, created on first observation and mutated only by the orchestrator
// under the per-market lock.
type MarketState struct {
	MarketID string
	Regime   Regime

	LastPriceYes float64
	LastPriceNo  float64

	// PriceHistory is trimmed to the volatility window on every update.
	PriceHistory []PricePoint

	// LadderFilled holds the ladder levels already executed.
	LadderFilled map[float64]bool

	ExposureYes float64
	ExposureNo  float64

	TailActive bool

	ConsensusBreakStartTime *time.Time
	ConsensusBreakConfirmed bool

	MoonBagActive            bool
	MoonBagPriceAtActivation float64

	StopLossTriggeredAt *time.Time
	CooldownUntil       *time.Time

	// ActiveTradeSide is locked in on the first entry and never flips for
	// the life of the position.
	ActiveTradeSide Side

	FirstEntryAt  *time.Time
	DCACount      int
	LastProcessed time.Time
}

// NewMarketState returns a fresh state for a market.
func NewMarketState(marketID string) *MarketState {
	return &MarketState{
		MarketID:     marketID,
		Regime:       RegimeMidConsensus,
		LadderFilled: make(map[float64]bool),
	}
}

// FilledLevels returns the executed ladder levels in ascending order.
func (s *MarketState) FilledLevels() []float64 {
	out := make([]float64, 0, len(s.LadderFilled))
	for lvl := range s.LadderFilled {
		out = append(out, lvl)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SidePrice returns the last observed price for the given side.
func (s *MarketState) SidePrice(side Side) float64 {
	if side == SideNo {
		return s.LastPriceNo
	}
	return s.LastPriceYes
}

// InCooldown reports whether the pre-game stop cooldown is active at t.
func (s *MarketState) InCooldown(t time.Time) bool {
	return s.CooldownUntil != nil && t.Before(*s.CooldownUntil)
}

// Position is the in-memory book entry for one market.
type Position struct {
	MarketID      string
	SharesYes     float64
	SharesNo      float64
	AvgEntryYes   float64
	AvgEntryNo    float64
	CostBasisYes  float64
	CostBasisNo   float64
	UnrealizedPnl float64
	RealizedPnl   float64
}

// Shares returns the share count for a side.
func (p *Position) Shares(side Side) float64 {
	if side == SideNo {
		return p.SharesNo
	}
	return p.SharesYes
}

// CostBasis returns the cost basis for a side.
func (p *Position) CostBasis(side Side) float64 {
	if side == SideNo {
		return p.CostBasisNo
	}
	return p.CostBasisYes
}

// AvgEntry returns the average entry price for a side.
func (p *Position) AvgEntry(side Side) float64 {
	if side == SideNo {
		return p.AvgEntryNo
	}
	return p.AvgEntryYes
}

// IsFlat reports whether both share counts are below epsilon.
func (p *Position) IsFlat() bool {
	return p.SharesYes < SharesEpsilon && p.SharesNo < SharesEpsilon
}

// TotalCostBasis is the combined cost basis across both sides.
func (p *Position) TotalCostBasis() float64 {
	return p.CostBasisYes + p.CostBasisNo
}

// Order is a proposed (and later executed) paper order.
type Order struct {
	ID       string
	MarketID string
	TokenID  string
	Side     Side
	Price    float64
	SizeUSDC float64
	// Shares is set on exit orders (shares to sell); entries derive shares
	// from SizeUSDC / Price at fill time.
	Shares    float64
	IsExit    bool
	Strategy  string
	Detail    string
	CreatedAt time.Time
}

// ExecutionResult reports a simulated fill.
type ExecutionResult struct {
	Order        Order
	FilledUSDC   float64
	FilledShares float64
	Status       string
	Timestamp    time.Time
}

// PriceUpdate is a normalized tick. PriceNo is always 1 - PriceYes.
type PriceUpdate struct {
	MarketID   string
	TokenID    string
	PriceYes   float64
	PriceNo    float64
	BestBidYes float64
	BestAskYes float64
	Timestamp  time.Time
}

// CopyStrategyType tags which price band a copy signal fell into.
type CopyStrategyType string

const (
	CopyStandard CopyStrategyType = "STANDARD"
	CopyLottery  CopyStrategyType = "LOTTERY"
)

// CopySignal is emitted when a tracked wallet's trade lands in a
// configured price band.
type CopySignal struct {
	Trader       string
	TraderWallet string
	MarketID     string
	MarketSlug   string
	Title        string
	TokenID      string
	OutcomeIndex int
	OutcomeLabel string
	Price        float64
	Timestamp    time.Time
	StrategyType CopyStrategyType
}

// TrackedStatus is the lifecycle of a persisted copy-trade watch record.
type TrackedStatus string

const (
	TrackedWatching TrackedStatus = "WATCHING"
	TrackedInRange  TrackedStatus = "IN_RANGE"
	TrackedExecuted TrackedStatus = "EXECUTED"
)

// PortfolioSnapshot is a point-in-time P&L summary.
type PortfolioSnapshot struct {
	Timestamp      time.Time
	TotalValue     float64
	CashBalance    float64
	PositionsValue float64
	UnrealizedPnl  float64
	RealizedPnl    float64
}
