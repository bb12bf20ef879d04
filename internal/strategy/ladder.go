package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"polyladder/internal/types"
)

// LadderEntries proposes one entry order per unfilled rung the current
// price has crossed. The side is chosen on first contact and locked for
// the life of the position; a price gap can release several rungs on a
// single tick.
func LadderEntries(p Params, state *types.MarketState, tokens types.TokenMap, now time.Time) []types.Order {
	side, tokenID, price := ladderSide(p, state, tokens)
	if side == types.SideNone {
		return nil
	}

	var orders []types.Order
	for i, level := range p.LadderLevels {
		if state.LadderFilled[level] {
			continue
		}
		if price < level || price > p.MaxBuyPrice {
			continue
		}
		size := p.Bankroll * p.MaxMarketExposurePct * p.LadderWeights[i]
		if size <= 0 {
			continue
		}
		orders = append(orders, types.Order{
			ID:        uuid.NewString(),
			MarketID:  state.MarketID,
			TokenID:   tokenID,
			Side:      side,
			Price:     price,
			SizeUSDC:  size,
			Strategy:  TagLadder,
			Detail:    fmt.Sprintf("level=%.2f weight=%.2f", level, p.LadderWeights[i]),
			CreatedAt: now,
		})
	}
	return orders
}

// LadderLevelFor maps an executed ladder order back to its rung so the
// orchestrator can mark it filled. Returns the highest configured level
// at or below the order's fill price that is not yet filled.
func LadderLevelFor(p Params, state *types.MarketState, price float64) (float64, bool) {
	best := -1.0
	for _, level := range p.LadderLevels {
		if state.LadderFilled[level] {
			continue
		}
		if price >= level && level > best {
			best = level
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// ladderSide picks which outcome token to ladder into. Once a side is
// committed it never flips; before commitment YES wins ties.
func ladderSide(p Params, state *types.MarketState, tokens types.TokenMap) (types.Side, string, float64) {
	first := p.FirstLevel()

	if state.ActiveTradeSide == types.SideYes {
		return types.SideYes, tokens.YesToken, state.LastPriceYes
	}
	if state.ActiveTradeSide == types.SideNo {
		return types.SideNo, tokens.NoToken, state.LastPriceNo
	}

	if state.LastPriceYes >= first && state.LastPriceYes <= p.MaxBuyPrice {
		return types.SideYes, tokens.YesToken, state.LastPriceYes
	}
	if state.LastPriceNo >= first && state.LastPriceNo <= p.MaxBuyPrice {
		return types.SideNo, tokens.NoToken, state.LastPriceNo
	}
	return types.SideNone, "", 0
}
