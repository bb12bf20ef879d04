// Package engine is the decision loop. The orchestrator owns the active
// market set, a per-market pipeline lock and the periodic timers; every
// price tick funnels through one serialized pipeline per market.
package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"polyladder/internal/bus"
	"polyladder/internal/config"
	"polyladder/internal/polymarket"
	"polyladder/internal/regime"
	"polyladder/internal/risk"
	"polyladder/internal/storage"
	"polyladder/internal/strategy"
	"polyladder/internal/types"
)

// Executor fills approved orders. Paper mode simulates; LIVE submits.
type Executor interface {
	Execute(o types.Order) types.ExecutionResult
}

// Feed is a price source that can be pointed at a market's tokens.
type Feed interface {
	Watch(marketID string, tokens types.TokenMap)
	Unwatch(marketID string)
}

// Resolver fetches a market's catalog entry including resolution prices.
type Resolver interface {
	FetchMarket(ctx context.Context, id string) (*polymarket.MarketResolution, error)
}

// Refresher re-runs the market loader.
type Refresher interface {
	Refresh(ctx context.Context) ([]types.Market, error)
}

// Orchestrator wires feeds, strategies, the risk gate and the executor.
type Orchestrator struct {
	cfg          *config.Config
	params       strategy.Params
	regimeParams regime.Params

	bus      *bus.Bus
	store    *storage.Database
	risk     *risk.Manager
	executor Executor
	resolver Resolver
	loader   Refresher
	feeds    []Feed

	mu      sync.RWMutex
	markets map[string]*types.Market
	tokens  map[string]types.TokenMap
	states  map[string]*types.MarketState
	locks   map[string]*sync.Mutex

	running atomic.Bool
	dropped atomic.Uint64
}

// New builds the orchestrator. feeds may be empty in tests.
func New(cfg *config.Config, b *bus.Bus, store *storage.Database, rm *risk.Manager, ex Executor, resolver Resolver, loader Refresher, feeds ...Feed) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		params: strategy.FromConfig(cfg),
		regimeParams: regime.Params{
			LateResolutionWindow:    cfg.LateResolutionWindow(),
			LateCompressedThreshold: cfg.LateCompressedPriceThreshold,
			VolatilityWindow:        cfg.VolatilityWindow(),
			VolatilityThreshold:     cfg.VolatilityThreshold,
			EarlyUncertainMin:       cfg.EarlyUncertainPriceMin,
			EarlyUncertainMax:       cfg.EarlyUncertainPriceMax,
		},
		bus:      b,
		store:    store,
		risk:     rm,
		executor: ex,
		resolver: resolver,
		loader:   loader,
		feeds:    feeds,
		markets:  make(map[string]*types.Market),
		tokens:   make(map[string]types.TokenMap),
		states:   make(map[string]*types.MarketState),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Run starts the consumers and timers and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.running.Store(false)

	o.recover()

	if o.loader != nil {
		if markets, err := o.loader.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("initial market load failed")
		} else {
			o.Admit(markets)
		}
	}

	priceCh := o.bus.Subscribe(bus.TopicPriceUpdate, 256)
	copyCh := o.bus.Subscribe(bus.TopicCopySignal, 64)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-priceCh:
				if pe, ok := ev.(bus.PriceEvent); ok {
					go o.handleTick(pe.Update)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-copyCh:
				if ce, ok := ev.(bus.CopyEvent); ok {
					o.handleCopySignal(ctx, ce.Signal)
				}
			}
		}
	})

	g.Go(func() error { return o.runResolutionTimer(ctx) })
	g.Go(func() error { return o.runSnapshotTimer(ctx) })
	g.Go(func() error { return o.runRefreshTimer(ctx) })

	err := g.Wait()
	o.persistBook()
	return err
}

// recover reloads persisted market state after a restart. Positions and
// the risk book are restored separately by the caller before Run.
func (o *Orchestrator) recover() {
	states, err := o.store.GetMarketStates()
	if err != nil {
		log.Warn().Err(err).Msg("state recovery failed")
		return
	}

	held := make(map[string]bool)
	for _, p := range o.risk.Positions() {
		held[p.MarketID] = true
	}

	o.mu.Lock()
	restored := 0
	for i := range states {
		s := states[i]
		if !held[s.MarketID] {
			continue
		}
		o.states[s.MarketID] = &s
		restored++
	}
	o.mu.Unlock()

	// Markets backing restored positions must stay active even if the
	// next refresh no longer ranks them.
	if stored, err := o.store.GetMarkets(); err == nil {
		keep := make([]types.Market, 0, len(stored))
		for _, m := range stored {
			if held[m.ID] {
				keep = append(keep, m)
			}
		}
		o.Admit(keep)
	}

	if restored > 0 {
		log.Info().Int("states", restored).Msg("recovered market state")
	}
}

// Admit adds markets to the active set and points the feeds at them.
// Already-active markets get their catalog record refreshed in place.
func (o *Orchestrator) Admit(markets []types.Market) {
	for i := range markets {
		m := markets[i]
		tokens, ok := m.ResolveTokens()
		if !ok {
			log.Debug().Str("market", m.ID).Msg("skipping market without token pair")
			continue
		}
		if tokens.Assumed {
			log.Debug().Str("market", m.ID).Str("outcome", m.Outcomes[0]).Msg("assuming first outcome is the YES side")
		}

		o.mu.Lock()
		_, active := o.markets[m.ID]
		o.markets[m.ID] = &m
		o.tokens[m.ID] = tokens
		if _, ok := o.states[m.ID]; !ok {
			o.states[m.ID] = types.NewMarketState(m.ID)
		}
		if _, ok := o.locks[m.ID]; !ok {
			o.locks[m.ID] = &sync.Mutex{}
		}
		o.mu.Unlock()

		if !active {
			for _, f := range o.feeds {
				f.Watch(m.ID, tokens)
			}
			log.Debug().Str("market", m.ID).Str("question", m.Question).Msg("market admitted")
		}
	}
}

// deactivate removes a market from the active maps. The persisted state
// row stays for history.
func (o *Orchestrator) deactivate(marketID string) {
	for _, f := range o.feeds {
		f.Unwatch(marketID)
	}
	o.mu.Lock()
	delete(o.markets, marketID)
	delete(o.tokens, marketID)
	delete(o.states, marketID)
	o.mu.Unlock()
	log.Info().Str("market", marketID).Msg("market deactivated")
}

// ActiveMarkets returns the ids of the active set.
func (o *Orchestrator) ActiveMarkets() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.markets))
	for id := range o.markets {
		out = append(out, id)
	}
	return out
}

// DroppedTicks counts price updates discarded because the market's
// pipeline was busy.
func (o *Orchestrator) DroppedTicks() uint64 {
	return o.dropped.Load()
}

func (o *Orchestrator) lookup(marketID string) (*types.Market, *types.MarketState, types.TokenMap, *sync.Mutex, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.markets[marketID]
	if !ok {
		return nil, nil, types.TokenMap{}, nil, false
	}
	return m, o.states[marketID], o.tokens[marketID], o.locks[marketID], true
}

// persistBook flushes the risk book and every active state on shutdown.
func (o *Orchestrator) persistBook() {
	o.mu.RLock()
	states := make([]*types.MarketState, 0, len(o.states))
	for _, s := range o.states {
		states = append(states, s)
	}
	o.mu.RUnlock()

	for _, s := range states {
		if err := o.store.SaveMarketState(s); err != nil {
			log.Warn().Err(err).Str("market", s.MarketID).Msg("state flush failed")
		}
	}
	if err := o.store.SaveRiskBook(o.cfg.Bankroll, o.risk.CashBalance(), o.risk.ProtectedProfits()); err != nil {
		log.Warn().Err(err).Msg("risk book flush failed")
	}
}

// yesOutcomeIndex mirrors token resolution: the outcome literally named
// "yes" wins, else the first outcome is assumed to be the YES side.
func yesOutcomeIndex(m *types.Market) int {
	for i, out := range m.Outcomes {
		if strings.EqualFold(out, "Yes") {
			return i
		}
	}
	return 0
}
