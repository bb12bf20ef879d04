package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/types"
)

// runResolutionTimer sweeps held markets for terminal resolution and
// settles them at 0 or 1.
func (o *Orchestrator) runResolutionTimer(ctx context.Context) error {
	if o.resolver == nil {
		return nil
	}
	ticker := time.NewTicker(o.cfg.ResolutionCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.checkResolutions(ctx)
		}
	}
}

func (o *Orchestrator) checkResolutions(ctx context.Context) {
	for _, pos := range o.risk.Positions() {
		if ctx.Err() != nil {
			return
		}
		res, err := o.resolver.FetchMarket(ctx, pos.MarketID)
		if err != nil {
			log.Debug().Err(err).Str("market", pos.MarketID).Msg("resolution check failed")
			continue
		}
		if !res.Market.Closed {
			continue
		}
		o.settle(&res.Market, res.OutcomePrices, &pos)
	}
}

// settle books the terminal value of the held side and retires the market.
func (o *Orchestrator) settle(m *types.Market, outcomePrices []float64, pos *types.Position) {
	yesIdx := yesOutcomeIndex(m)
	if yesIdx >= len(outcomePrices) {
		log.Warn().Str("market", m.ID).Msg("closed market without resolution prices")
		return
	}
	resolvedYes := outcomePrices[yesIdx]

	o.mu.RLock()
	state := o.states[m.ID]
	o.mu.RUnlock()

	// The committed side is authoritative: a tail hedge can hold more
	// cheap shares than the real position. Share counts are only a
	// fallback when no state survived a restart.
	side := types.SideYes
	if state != nil && state.ActiveTradeSide != types.SideNone {
		side = state.ActiveTradeSide
	} else if pos.SharesNo > pos.SharesYes {
		side = types.SideNo
	}
	won := resolvedYes >= 0.5
	if side == types.SideNo {
		won = !won
	}

	_, _, _, lock, active := o.lookup(m.ID)
	if active {
		lock.Lock()
	}
	realized, ok := o.risk.SettleResolution(m.ID, side, won)
	if active {
		lock.Unlock()
	}
	if !ok {
		return
	}

	o.persistPosition(m.ID)
	log.Info().
		Str("market", m.ID).
		Str("side", string(side)).
		Bool("won", won).
		Float64("realized", realized).
		Msg("position settled at resolution")

	if state != nil {
		o.journal(state, types.StrategyNone, "RESOLUTION",
			fmt.Sprintf(`{"won":%t,"realized":%.4f}`, won, realized), time.Now())
	}
	if active {
		o.deactivate(m.ID)
	}
}

// runSnapshotTimer periodically marks the book and records a P&L row.
func (o *Orchestrator) runSnapshotTimer(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PnlSnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.snapshot(time.Now())
		}
	}
}

func (o *Orchestrator) snapshot(now time.Time) {
	marks := make(map[string]float64)
	o.mu.RLock()
	for id, s := range o.states {
		if s.LastPriceYes > 0 {
			marks[id] = s.LastPriceYes
		}
	}
	o.mu.RUnlock()

	snap := o.risk.Snapshot(marks, now)
	if err := o.store.SavePnlSnapshot(&snap); err != nil {
		log.Debug().Err(err).Msg("snapshot write failed")
	}
	o.bus.Publish(bus.PortfolioEvent{Snapshot: snap})
}

// runRefreshTimer periodically re-ranks the tradeable universe.
func (o *Orchestrator) runRefreshTimer(ctx context.Context) error {
	if o.loader == nil {
		return nil
	}
	ticker := time.NewTicker(o.cfg.MarketRefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			markets, err := o.loader.Refresh(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("market refresh failed")
				continue
			}
			o.Admit(markets)
		}
	}
}
