package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"polyladder/internal/types"
)

// DCAEntry proposes an averaging-down buy on the committed side.
// Preconditions, all required:
//   - a position exists on the committed side
//   - the game has not started yet
//   - regime is not EARLY_UNCERTAIN
//   - current price is at or above the first ladder level
//   - fewer than MaxDCABuys averaging buys so far
//   - drawdown from average entry is at least DCAMinDrawdownPct
func DCAEntry(p Params, state *types.MarketState, pos *types.Position, gameStart *time.Time, tokens types.TokenMap, now time.Time) *types.Order {
	side := state.ActiveTradeSide
	if side == types.SideNone || pos == nil || pos.Shares(side) < types.SharesEpsilon {
		return nil
	}
	if gameStart == nil || !now.Before(*gameStart) {
		return nil
	}
	if state.Regime == types.RegimeEarlyUncertain {
		return nil
	}
	price := state.SidePrice(side)
	if price < p.FirstLevel() {
		return nil
	}
	if state.DCACount >= p.MaxDCABuys {
		return nil
	}
	avg := pos.AvgEntry(side)
	if avg <= 0 {
		return nil
	}
	drawdown := (avg - price) / avg
	if drawdown < p.DCAMinDrawdownPct {
		return nil
	}

	tokenID := tokens.YesToken
	if side == types.SideNo {
		tokenID = tokens.NoToken
	}
	return &types.Order{
		ID:        uuid.NewString(),
		MarketID:  state.MarketID,
		TokenID:   tokenID,
		Side:      side,
		Price:     price,
		SizeUSDC:  p.Bankroll * p.MaxMarketExposurePct * p.DCASizeFraction,
		Strategy:  TagDCA,
		Detail:    fmt.Sprintf("avg=%.4f drawdown=%.4f buy=%d", avg, drawdown, state.DCACount+1),
		CreatedAt: now,
	}
}
