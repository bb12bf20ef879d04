package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"polyladder/internal/types"
)

// ExitReason tags why an exit fired.
type ExitReason string

const (
	ExitPreGameStop  ExitReason = "PRE_GAME_STOP"
	ExitResolution   ExitReason = "RESOLUTION"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitMoonBagClose ExitReason = "MOON_BAG_CLOSE"
	ExitThesisStop   ExitReason = "THESIS_STOP"
)

// ExitDecision describes the exit the pipeline must execute. Exits always
// take precedence over entries proposed on the same tick.
type ExitDecision struct {
	Reason       ExitReason
	SellFraction float64 // 1 = full exit
	// ActivateMoonBag marks the residual position after a partial
	// profit take.
	ActivateMoonBag bool
	// SetCooldown starts the pre-game stop cooldown.
	SetCooldown bool
}

// PreGameStop fires a full exit when the game has not started, the held
// side has dropped below the first ladder level, and no cooldown is active.
func PreGameStop(p Params, state *types.MarketState, pos *types.Position, gameStart *time.Time, now time.Time) *ExitDecision {
	side := state.ActiveTradeSide
	if side == types.SideNone || pos == nil || pos.Shares(side) < types.SharesEpsilon {
		return nil
	}
	if gameStart == nil || !now.Before(*gameStart) {
		return nil
	}
	if state.SidePrice(side) >= p.FirstLevel() {
		return nil
	}
	if state.InCooldown(now) {
		return nil
	}
	return &ExitDecision{Reason: ExitPreGameStop, SellFraction: 1, SetCooldown: true}
}

// UpdateConsensusBreak maintains the consensus-break tracker on state.
// A break starts when the held-side price falls below the first ladder
// level; it is confirmed once the condition persists for the confirmation
// window, and cleared when price recovers.
func UpdateConsensusBreak(p Params, state *types.MarketState, now time.Time) {
	side := state.ActiveTradeSide
	if side == types.SideNone {
		return
	}
	if state.SidePrice(side) < p.FirstLevel() {
		if state.ConsensusBreakStartTime == nil {
			t := now
			state.ConsensusBreakStartTime = &t
		}
		if !state.ConsensusBreakConfirmed &&
			now.Sub(*state.ConsensusBreakStartTime) >= p.ConsensusBreakConfirm {
			state.ConsensusBreakConfirmed = true
		}
		return
	}
	state.ConsensusBreakStartTime = nil
	state.ConsensusBreakConfirmed = false
}

// ProfitExit evaluates the profit take / moon-bag / thesis-stop ladder,
// in order of precedence.
func ProfitExit(p Params, state *types.MarketState, pos *types.Position, now time.Time) *ExitDecision {
	side := state.ActiveTradeSide
	if side == types.SideNone || pos == nil {
		return nil
	}
	shares := pos.Shares(side)
	if shares < types.SharesEpsilon {
		return nil
	}
	price := state.SidePrice(side)

	// Near-certain resolution: close everything.
	if price >= p.ResolutionExitThreshold {
		return &ExitDecision{Reason: ExitResolution, SellFraction: 1}
	}

	avg := pos.AvgEntry(side)
	if avg > 0 && !state.MoonBagActive {
		profitPct := (price - avg) / avg
		if profitPct >= p.TakeProfitPct && heldLongEnough(p, state, now) {
			return &ExitDecision{
				Reason:          ExitTakeProfit,
				SellFraction:    p.TakeProfitSellFraction,
				ActivateMoonBag: true,
			}
		}
	}

	if state.MoonBagActive && price < state.MoonBagPriceAtActivation*(1-p.MoonBagDropPct) {
		return &ExitDecision{Reason: ExitMoonBagClose, SellFraction: 1}
	}

	// Confirmed consensus break closes the position regardless of P&L.
	if state.ConsensusBreakConfirmed {
		return &ExitDecision{Reason: ExitThesisStop, SellFraction: 1}
	}

	return nil
}

func heldLongEnough(p Params, state *types.MarketState, now time.Time) bool {
	if p.MinHoldTime <= 0 || state.FirstEntryAt == nil {
		return true
	}
	return now.Sub(*state.FirstEntryAt) >= p.MinHoldTime
}

// BuildExitOrder turns a decision into an executable sell order. Exit
// orders bypass the cash-balance check in the risk gate.
func BuildExitOrder(state *types.MarketState, pos *types.Position, tokens types.TokenMap, d ExitDecision, now time.Time) types.Order {
	side := state.ActiveTradeSide
	price := state.SidePrice(side)
	shares := pos.Shares(side) * d.SellFraction

	tokenID := tokens.YesToken
	if side == types.SideNo {
		tokenID = tokens.NoToken
	}
	return types.Order{
		ID:        uuid.NewString(),
		MarketID:  state.MarketID,
		TokenID:   tokenID,
		Side:      side,
		Price:     price,
		SizeUSDC:  shares * price,
		Shares:    shares,
		IsExit:    true,
		Strategy:  TagExit,
		Detail:    fmt.Sprintf("reason=%s fraction=%.2f", d.Reason, d.SellFraction),
		CreatedAt: now,
	}
}
