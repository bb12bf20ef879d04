package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"polyladder/internal/types"
)

// TailInsurance proposes a small opposite-side stake as convex protection
// when the opposite token is very cheap and we already carry meaningful
// exposure on the favored side. Fires at most once per position.
func TailInsurance(p Params, state *types.MarketState, tokens types.TokenMap, now time.Time) *types.Order {
	if state.TailActive {
		return nil
	}
	side := state.ActiveTradeSide
	if side == types.SideNone {
		return nil
	}

	opp := side.Opposite()
	oppPrice := state.SidePrice(opp)
	if oppPrice <= 0 || oppPrice >= p.TailPriceThreshold {
		return nil
	}

	var favoredExposure float64
	if side == types.SideNo {
		favoredExposure = state.ExposureNo
	} else {
		favoredExposure = state.ExposureYes
	}
	// Require at least half the per-market budget already committed.
	minExposure := p.Bankroll * p.MaxMarketExposurePct * 0.5
	if favoredExposure < minExposure {
		return nil
	}

	tokenID := tokens.YesToken
	if opp == types.SideNo {
		tokenID = tokens.NoToken
	}
	return &types.Order{
		ID:        uuid.NewString(),
		MarketID:  state.MarketID,
		TokenID:   tokenID,
		Side:      opp,
		Price:     oppPrice,
		SizeUSDC:  p.Bankroll * p.TailExposurePct,
		Strategy:  TagTail,
		Detail:    fmt.Sprintf("opp_price=%.4f favored_exposure=%.2f", oppPrice, favoredExposure),
		CreatedAt: now,
	}
}
