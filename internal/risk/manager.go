// Package risk is the gatekeeper for every proposed order. It owns the
// process-wide risk book: tradeable cash, protected realized profits, the
// in-memory position book and the per-market order rate limiter.
//
// Locking discipline: callers hold the per-market lock for the affected
// market; the manager takes its own short lock for book mutations. No
// order crosses markets, so the lock order (per-market → risk book) is
// deadlock free.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/config"
	"polyladder/internal/types"
)

const (
	rateLimitWindow    = 60 * time.Second
	rateLimitMaxOrders = 5
)

// Decision is the outcome of gating one proposed order.
type Decision struct {
	Approved bool
	Reason   string
	// Adjusted is set when the order size was capped rather than rejected.
	Adjusted bool
	Order    types.Order
}

// Manager gates orders and records executions.
type Manager struct {
	mu sync.Mutex

	bankroll             float64
	maxActivePositions   int
	maxSingleOrderPct    float64
	maxMarketExposurePct float64

	cash      float64
	protected float64

	positions    map[string]*types.Position
	recentOrders map[string][]time.Time
}

// NewManager creates the risk book with the full bankroll as cash.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		bankroll:             cfg.Bankroll,
		maxActivePositions:   cfg.MaxActivePositions,
		maxSingleOrderPct:    cfg.MaxSingleOrderPct,
		maxMarketExposurePct: cfg.MaxMarketExposurePct,
		cash:                 cfg.Bankroll,
		positions:            make(map[string]*types.Position),
		recentOrders:         make(map[string][]time.Time),
	}
	log.Info().
		Float64("bankroll", cfg.Bankroll).
		Int("max_positions", cfg.MaxActivePositions).
		Float64("max_market_exposure_pct", cfg.MaxMarketExposurePct).
		Msg("risk manager initialized")
	return m
}

// Restore reloads the book from persisted state on startup. Callers only
// invoke this when a risk-book row existed, so the persisted cash is
// authoritative even at zero (a fully deployed book).
func (m *Manager) Restore(cash, protected float64, positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = cash
	m.protected = protected
	for i := range positions {
		p := positions[i]
		if !p.IsFlat() {
			m.positions[p.MarketID] = &p
		}
	}
}

// Evaluate runs a proposed order through the gate. Checks run in order:
// capacity, cash, single-order cap, per-market exposure, rate limit.
func (m *Manager) Evaluate(o types.Order, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, hasPos := m.positions[o.MarketID]

	if !hasPos && !o.IsExit && len(m.positions) >= m.maxActivePositions {
		return reject(o, "capacity")
	}

	if !o.IsExit && o.SizeUSDC > m.cash {
		return reject(o, fmt.Sprintf("insufficient cash: need %.2f have %.2f", o.SizeUSDC, m.cash))
	}

	adjusted := false
	if !o.IsExit {
		if cap := m.bankroll * m.maxSingleOrderPct; o.SizeUSDC > cap {
			log.Warn().
				Str("market", o.MarketID).
				Float64("size", o.SizeUSDC).
				Float64("cap", cap).
				Msg("order size capped to single-order limit")
			o.SizeUSDC = cap
			adjusted = true
		}

		var exposure float64
		if hasPos {
			exposure = pos.TotalCostBasis()
		}
		room := m.bankroll*m.maxMarketExposurePct - exposure
		if o.SizeUSDC > room {
			if room <= 0 {
				return reject(o, "market exposure limit reached")
			}
			o.SizeUSDC = room
			adjusted = true
		}
	}

	if m.countRecentLocked(o.MarketID, now) >= rateLimitMaxOrders {
		return reject(o, "rate limited")
	}

	return Decision{Approved: true, Adjusted: adjusted, Order: o}
}

func reject(o types.Order, reason string) Decision {
	log.Debug().
		Str("market", o.MarketID).
		Str("strategy", o.Strategy).
		Str("reason", reason).
		Msg("order rejected")
	return Decision{Reason: reason, Order: o}
}

func (m *Manager) countRecentLocked(marketID string, now time.Time) int {
	cutoff := now.Add(-rateLimitWindow)
	stamps := m.recentOrders[marketID]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.recentOrders[marketID] = kept
	return len(kept)
}

// RecordOrder stamps an accepted execution for rate limiting.
func (m *Manager) RecordOrder(marketID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentOrders[marketID] = append(m.recentOrders[marketID], now)
}

// RecordBuy applies a fill to cash and the position book. The returned
// undo function reverts the mutation if the trade record fails to persist.
func (m *Manager) RecordBuy(res types.ExecutionResult) (undo func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := res.Order
	pos, ok := m.positions[o.MarketID]
	if !ok {
		pos = &types.Position{MarketID: o.MarketID}
		m.positions[o.MarketID] = pos
	}
	before := *pos
	cashBefore := m.cash

	m.cash -= res.FilledUSDC
	if o.Side == types.SideNo {
		pos.SharesNo += res.FilledShares
		pos.CostBasisNo += res.FilledUSDC
		pos.AvgEntryNo = pos.CostBasisNo / pos.SharesNo
	} else {
		pos.SharesYes += res.FilledShares
		pos.CostBasisYes += res.FilledUSDC
		pos.AvgEntryYes = pos.CostBasisYes / pos.SharesYes
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cash = cashBefore
		restored := before
		if restored.IsFlat() && restored.TotalCostBasis() == 0 {
			delete(m.positions, o.MarketID)
		} else {
			m.positions[o.MarketID] = &restored
		}
	}
}

// RecordExit applies a sell. Capital preservation: the removed cost basis
// returns to cash and any surplus is locked into protected profits; on a
// loss only the proceeds come back. Flat positions leave the book.
func (m *Manager) RecordExit(res types.ExecutionResult) (realized float64, closed bool, undo func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := res.Order
	pos, ok := m.positions[o.MarketID]
	if !ok {
		return 0, false, func() {}
	}
	before := *pos
	cashBefore, protectedBefore := m.cash, m.protected

	sharesBefore := pos.Shares(o.Side)
	if sharesBefore < types.SharesEpsilon {
		return 0, false, func() {}
	}
	pctSold := res.FilledShares / sharesBefore
	if pctSold > 1 {
		pctSold = 1
	}
	costRemoved := pos.CostBasis(o.Side) * pctSold
	realized = res.FilledUSDC - costRemoved

	if o.Side == types.SideNo {
		pos.SharesNo -= res.FilledShares
		pos.CostBasisNo -= costRemoved
		if pos.SharesNo < types.SharesEpsilon {
			pos.SharesNo, pos.CostBasisNo, pos.AvgEntryNo = 0, 0, 0
		}
	} else {
		pos.SharesYes -= res.FilledShares
		pos.CostBasisYes -= costRemoved
		if pos.SharesYes < types.SharesEpsilon {
			pos.SharesYes, pos.CostBasisYes, pos.AvgEntryYes = 0, 0, 0
		}
	}
	pos.RealizedPnl += realized

	if realized > 0 {
		m.cash += costRemoved
		m.protected += realized
	} else {
		m.cash += res.FilledUSDC
	}

	closed = pos.IsFlat()
	if closed {
		delete(m.positions, o.MarketID)
	}

	return realized, closed, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cash, m.protected = cashBefore, protectedBefore
		restored := before
		m.positions[o.MarketID] = &restored
	}
}

// SettleResolution settles the held side of a resolved market at 0 or 1,
// computed from the remaining cost basis. Returns the realized increment.
func (m *Manager) SettleResolution(marketID string, side types.Side, won bool) (realized float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.positions[marketID]
	if !exists {
		return 0, false
	}
	shares := pos.Shares(side)
	cost := pos.CostBasis(side)

	var value float64
	if won {
		value = shares
	}
	realized = value - cost
	pos.RealizedPnl += realized

	if realized > 0 {
		m.cash += cost
		m.protected += realized
	} else {
		m.cash += value
	}

	// Any residual opposite-side tail expires worthless.
	oppCost := pos.CostBasis(side.Opposite())
	if oppCost > 0 {
		pos.RealizedPnl -= oppCost
		realized -= oppCost
	}

	delete(m.positions, marketID)
	return realized, true
}

// Position returns a copy of the market's book entry.
func (m *Manager) Position(marketID string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[marketID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of the whole book.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// CashBalance returns the tradeable cash.
func (m *Manager) CashBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// ProtectedProfits returns realized surplus locked out of trading.
func (m *Manager) ProtectedProfits() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protected
}

// Snapshot computes a portfolio snapshot using the provided marks
// (marketID → held-side price).
func (m *Manager) Snapshot(marks map[string]float64, now time.Time) types.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var positionsValue, unrealized, realized float64
	for id, pos := range m.positions {
		realized += pos.RealizedPnl
		mark, ok := marks[id]
		if !ok {
			positionsValue += pos.TotalCostBasis()
			continue
		}
		value := pos.SharesYes*mark + pos.SharesNo*(1-mark)
		positionsValue += value
		unrealized += value - pos.TotalCostBasis()
		pos.UnrealizedPnl = value - pos.TotalCostBasis()
	}
	return types.PortfolioSnapshot{
		Timestamp:      now,
		TotalValue:     m.cash + m.protected + positionsValue,
		CashBalance:    m.cash,
		PositionsValue: positionsValue,
		UnrealizedPnl:  unrealized,
		RealizedPnl:    realized,
	}
}
