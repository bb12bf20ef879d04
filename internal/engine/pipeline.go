package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/exec"
	"polyladder/internal/regime"
	"polyladder/internal/strategy"
	"polyladder/internal/types"
)

// handleTick runs the full decision pipeline for one price update under
// the market's lock. A tick arriving while the pipeline is busy for the
// same market is dropped; the next tick supersedes it.
func (o *Orchestrator) handleTick(u types.PriceUpdate) {
	if !o.running.Load() {
		return
	}
	m, state, tokens, lock, ok := o.lookup(u.MarketID)
	if !ok {
		return
	}
	if !lock.TryLock() {
		o.dropped.Add(1)
		return
	}
	defer lock.Unlock()

	now := u.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Update state.
	state.LastPriceYes = u.PriceYes
	state.LastPriceNo = u.PriceNo
	state.PriceHistory = append(state.PriceHistory, types.PricePoint{PriceYes: u.PriceYes, Timestamp: now})
	trimHistory(state, now.Add(-o.regimeParams.VolatilityWindow))

	// 2. Classify.
	prev := state.Regime
	next := regime.Classify(o.regimeParams, m.TimeToResolution(now), u.PriceYes, u.PriceNo, state.PriceHistory, now)
	if next != prev {
		state.Regime = next
		if regime.Significant(prev, next) {
			o.journal(state, regime.SelectStrategy(next), "REGIME_TRANSITION",
				fmt.Sprintf(`{"from":%q,"to":%q}`, prev, next), now)
			log.Info().Str("market", m.ID).Str("from", string(prev)).Str("to", string(next)).Msg("regime transition")
		}
	}

	pos, hasPos := o.risk.Position(m.ID)
	var posPtr *types.Position
	if hasPos {
		posPtr = &pos
	}

	// 3. Entries for the selected strategy. HIGH_VOLATILITY absorbs:
	// no fresh rungs while the market is choppy.
	var proposals []types.Order
	if regime.SelectStrategy(state.Regime) == types.StrategyLadder {
		proposals = strategy.LadderEntries(o.params, state, tokens, now)
	}

	// 4. Tail insurance.
	if t := strategy.TailInsurance(o.params, state, tokens, now); t != nil {
		proposals = append(proposals, *t)
	}

	// 5. Averaging down.
	if d := strategy.DCAEntry(o.params, state, posPtr, m.GameStartTime, tokens, now); d != nil {
		proposals = append(proposals, *d)
	}

	// 6. Exits trump everything proposed above.
	strategy.UpdateConsensusBreak(o.params, state, now)
	exit := strategy.PreGameStop(o.params, state, posPtr, m.GameStartTime, now)
	if exit == nil {
		exit = strategy.ProfitExit(o.params, state, posPtr, now)
	}
	if exit != nil && posPtr != nil {
		proposals = []types.Order{strategy.BuildExitOrder(state, posPtr, tokens, *exit, now)}
	}

	// 7. Gate, execute, mutate.
	closed := false
	for i := range proposals {
		if o.processOrder(state, &proposals[i], exit, now) {
			closed = true
		}
	}

	// 8. A closed position retires the market.
	if closed {
		state.LastProcessed = now
		if err := o.store.SaveMarketState(state); err != nil {
			log.Warn().Err(err).Str("market", m.ID).Msg("state persist failed")
		}
		o.deactivate(m.ID)
		return
	}

	// 9. Persist.
	state.LastProcessed = now
	if err := o.store.SaveMarketState(state); err != nil {
		log.Warn().Err(err).Str("market", m.ID).Msg("state persist failed")
	}
	if err := o.store.SavePricePoint(&u); err != nil {
		log.Debug().Err(err).Str("market", m.ID).Msg("price history write failed")
	}
}

// processOrder sends one proposal through the risk gate and applies the
// fill. Reports whether the market's position closed.
func (o *Orchestrator) processOrder(state *types.MarketState, ord *types.Order, exit *strategy.ExitDecision, now time.Time) bool {
	dec := o.risk.Evaluate(*ord, now)
	if !dec.Approved {
		return false
	}

	res := o.executor.Execute(dec.Order)
	if res.Status != exec.StatusFilled {
		return false
	}
	o.risk.RecordOrder(ord.MarketID, now)

	if ord.IsExit {
		return o.applyExit(state, res, exit, now)
	}
	o.applyBuy(state, res, now)
	return false
}

func (o *Orchestrator) applyBuy(state *types.MarketState, res types.ExecutionResult, now time.Time) {
	ord := res.Order
	undo := o.risk.RecordBuy(res)
	if err := o.store.SaveTrade(&res); err != nil {
		undo()
		log.Error().Err(err).Str("market", ord.MarketID).Msg("trade persist failed, fill reverted")
		return
	}

	switch ord.Strategy {
	case strategy.TagLadder:
		if lvl, ok := strategy.LadderLevelFor(o.params, state, ord.Price); ok {
			state.LadderFilled[lvl] = true
		}
	case strategy.TagDCA:
		state.DCACount++
	case strategy.TagTail:
		state.TailActive = true
	}

	// Tail buys sit on the hedge side and never commit the market.
	if ord.Strategy != strategy.TagTail {
		if state.ActiveTradeSide == types.SideNone {
			state.ActiveTradeSide = ord.Side
		}
		if state.FirstEntryAt == nil {
			t := now
			state.FirstEntryAt = &t
		}
	}

	if ord.Side == types.SideNo {
		state.ExposureNo += res.FilledUSDC
	} else {
		state.ExposureYes += res.FilledUSDC
	}

	o.persistPosition(ord.MarketID)
	o.bus.Publish(bus.ExecutionEvent{Result: res})
	o.journal(state, regime.SelectStrategy(state.Regime), ord.Strategy, ord.Detail, now)
}

func (o *Orchestrator) applyExit(state *types.MarketState, res types.ExecutionResult, exit *strategy.ExitDecision, now time.Time) bool {
	ord := res.Order
	realized, closed, undo := o.risk.RecordExit(res)
	if err := o.store.SaveTrade(&res); err != nil {
		undo()
		log.Error().Err(err).Str("market", ord.MarketID).Msg("trade persist failed, exit reverted")
		return false
	}

	if exit != nil {
		if exit.SetCooldown {
			t := now
			until := now.Add(o.params.PreGameStopCooldown)
			state.StopLossTriggeredAt = &t
			state.CooldownUntil = &until
		}
		if exit.ActivateMoonBag {
			state.MoonBagActive = true
			state.MoonBagPriceAtActivation = ord.Price
		}
	}

	// Exposure mirrors the remaining cost basis.
	if pos, ok := o.risk.Position(ord.MarketID); ok {
		state.ExposureYes = pos.CostBasisYes
		state.ExposureNo = pos.CostBasisNo
	} else {
		state.ExposureYes, state.ExposureNo = 0, 0
	}

	o.persistPosition(ord.MarketID)
	o.bus.Publish(bus.ExecutionEvent{Result: res})
	reason := ""
	if exit != nil {
		reason = string(exit.Reason)
	}
	o.journal(state, regime.SelectStrategy(state.Regime), "EXIT",
		fmt.Sprintf(`{"reason":%q,"realized":%.4f}`, reason, realized), now)

	log.Info().
		Str("market", ord.MarketID).
		Str("reason", reason).
		Float64("realized", realized).
		Bool("closed", closed).
		Msg("exit executed")
	return closed
}

// handleCopySignal admits the signalled market and places a single
// capped entry on the traded outcome.
func (o *Orchestrator) handleCopySignal(ctx context.Context, sig types.CopySignal) {
	if !o.running.Load() || o.resolver == nil {
		return
	}

	o.mu.RLock()
	_, active := o.markets[sig.MarketID]
	o.mu.RUnlock()

	if !active {
		res, err := o.resolver.FetchMarket(ctx, sig.MarketID)
		if err != nil {
			log.Debug().Err(err).Str("market", sig.MarketID).Msg("copy signal: catalog fetch failed")
			return
		}
		if res.Market.Closed || !res.Market.Active {
			return
		}
		o.Admit([]types.Market{res.Market})
	}

	m, state, _, lock, ok := o.lookup(sig.MarketID)
	if !ok {
		return
	}
	if !lock.TryLock() {
		o.dropped.Add(1)
		return
	}
	defer lock.Unlock()

	side := types.SideYes
	if sig.OutcomeIndex != yesOutcomeIndex(m) {
		side = types.SideNo
	}
	if state.ActiveTradeSide != types.SideNone && state.ActiveTradeSide != side {
		return
	}

	now := time.Now()
	priceYes := sig.Price
	if side == types.SideNo {
		priceYes = 1 - sig.Price
	}
	state.LastPriceYes = priceYes
	state.LastPriceNo = 1 - priceYes

	ord := types.Order{
		ID:        uuid.NewString(),
		MarketID:  sig.MarketID,
		TokenID:   sig.TokenID,
		Side:      side,
		Price:     sig.Price,
		SizeUSDC:  o.cfg.Bankroll * o.cfg.MaxSingleOrderPct,
		Strategy:  strategy.TagCopy,
		Detail:    fmt.Sprintf("trader=%s band=%s", sig.TraderWallet, sig.StrategyType),
		CreatedAt: now,
	}
	if o.processOrder(state, &ord, nil, now) {
		return
	}

	if row, err := o.store.GetTrackedMarket(sig.MarketID); err == nil {
		t := now
		row.Status = string(types.TrackedExecuted)
		row.ExecutedAt = &t
		if err := o.store.UpsertTrackedMarket(row); err != nil {
			log.Debug().Err(err).Str("market", sig.MarketID).Msg("tracked market update failed")
		}
	}
}

func (o *Orchestrator) persistPosition(marketID string) {
	if pos, ok := o.risk.Position(marketID); ok {
		if err := o.store.SavePosition(&pos); err != nil {
			log.Warn().Err(err).Str("market", marketID).Msg("position persist failed")
		}
	} else if err := o.store.DeletePosition(marketID); err != nil {
		log.Debug().Err(err).Str("market", marketID).Msg("position delete failed")
	}
	if err := o.store.SaveRiskBook(o.cfg.Bankroll, o.risk.CashBalance(), o.risk.ProtectedProfits()); err != nil {
		log.Debug().Err(err).Msg("risk book persist failed")
	}
}

func (o *Orchestrator) journal(state *types.MarketState, kind types.StrategyKind, action, details string, now time.Time) {
	ev := bus.StrategyActionEvent{
		MarketID:  state.MarketID,
		Regime:    state.Regime,
		Strategy:  kind,
		Action:    action,
		PriceYes:  state.LastPriceYes,
		PriceNo:   state.LastPriceNo,
		Details:   details,
		Timestamp: now,
	}
	o.bus.Publish(ev)
	if err := o.store.SaveStrategyEvent(state.MarketID, state.Regime, kind, action, state.LastPriceYes, state.LastPriceNo, details); err != nil {
		log.Debug().Err(err).Str("market", state.MarketID).Msg("strategy event write failed")
	}
}

func trimHistory(state *types.MarketState, cutoff time.Time) {
	idx := 0
	for idx < len(state.PriceHistory) && state.PriceHistory[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		state.PriceHistory = append(state.PriceHistory[:0], state.PriceHistory[idx:]...)
	}
}
