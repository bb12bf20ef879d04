// Package copytrade watches a set of wallets via the data-api activity
// feed and turns their fresh BUY trades into copy signals when the
// current price sits inside an entry band.
package copytrade

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/config"
	"polyladder/internal/polymarket"
	"polyladder/internal/storage"
	"polyladder/internal/types"
)

const (
	activityLookback = 24 * time.Hour
	activityLimit    = 50
)

// Detector polls tracked wallets and re-prices watched markets.
type Detector struct {
	client *polymarket.Client
	store  *storage.Database
	bus    *bus.Bus
	cfg    *config.Config

	mu       sync.Mutex
	lastSeen map[string]int64 // wallet -> unix seconds of newest processed trade
}

// NewDetector builds the detector for the configured wallet list.
func NewDetector(client *polymarket.Client, store *storage.Database, b *bus.Bus, cfg *config.Config) *Detector {
	return &Detector{
		client:   client,
		store:    store,
		bus:      b,
		cfg:      cfg,
		lastSeen: make(map[string]int64),
	}
}

// Run polls until ctx is cancelled. A nil wallet list makes this a no-op
// loop that exits immediately.
func (d *Detector) Run(ctx context.Context) error {
	if len(d.cfg.CopyTradeWallets) == 0 {
		log.Info().Msg("copy-trade detector disabled: no wallets configured")
		return nil
	}

	log.Info().Int("wallets", len(d.cfg.CopyTradeWallets)).Msg("copy-trade detector started")
	ticker := time.NewTicker(d.cfg.CopyTradePollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
			d.repriceWatching(ctx)
		}
	}
}

func (d *Detector) pollOnce(ctx context.Context) {
	for _, wallet := range d.cfg.CopyTradeWallets {
		if ctx.Err() != nil {
			return
		}
		start := time.Now().Add(-activityLookback).Unix()
		records, err := d.client.FetchActivity(ctx, wallet, start, activityLimit)
		if err != nil {
			log.Debug().Err(err).Str("wallet", wallet).Msg("activity fetch failed")
			continue
		}

		d.mu.Lock()
		cursor := d.lastSeen[wallet]
		d.mu.Unlock()

		newest := cursor
		for i := range records {
			r := &records[i]
			if r.Type != "TRADE" || r.Side != "BUY" {
				continue
			}
			if r.Timestamp <= cursor {
				continue
			}
			if r.Timestamp > newest {
				newest = r.Timestamp
			}
			d.handleTrade(ctx, wallet, r)
		}

		d.mu.Lock()
		d.lastSeen[wallet] = newest
		d.mu.Unlock()
	}
}

func (d *Detector) handleTrade(ctx context.Context, wallet string, r *polymarket.ActivityRecord) {
	price, ok := d.currentPrice(ctx, r.Asset)
	if !ok {
		return
	}

	strategy, inRange := d.classify(price)
	now := time.Now()

	row := &storage.TrackedMarket{
		ConditionID:  r.ConditionID,
		Slug:         r.Slug,
		TokenID:      r.Asset,
		OutcomeIndex: r.OutcomeIndex,
		Outcome:      r.Outcome,
		Title:        r.Title,
		TraderName:   r.Name,
		TraderWallet: wallet,
		TrackedPrice: r.Price,
		CurrentPrice: price,
		Status:       string(types.TrackedWatching),
		SignalTime:   time.Unix(r.Timestamp, 0),
	}

	if inRange {
		row.Status = string(types.TrackedInRange)
		row.EnteredRangeAt = &now
		d.emit(wallet, r, price, strategy)
	}

	if err := d.store.UpsertTrackedMarket(row); err != nil {
		log.Warn().Err(err).Str("condition", r.ConditionID).Msg("persisting tracked market failed")
	}
}

// repriceWatching re-quotes every WATCHING row and promotes the ones
// that entered a band since the last cycle.
func (d *Detector) repriceWatching(ctx context.Context) {
	rows, err := d.store.GetTrackedByStatus(types.TrackedWatching)
	if err != nil {
		log.Debug().Err(err).Msg("loading watched markets failed")
		return
	}
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		row := &rows[i]
		price, ok := d.currentPrice(ctx, row.TokenID)
		if !ok {
			continue
		}
		row.CurrentPrice = price

		strategy, inRange := d.classify(price)
		if inRange {
			now := time.Now()
			row.Status = string(types.TrackedInRange)
			row.EnteredRangeAt = &now
			d.bus.Publish(bus.CopyEvent{Signal: types.CopySignal{
				Trader:       row.TraderName,
				TraderWallet: row.TraderWallet,
				MarketID:     row.ConditionID,
				MarketSlug:   row.Slug,
				Title:        row.Title,
				TokenID:      row.TokenID,
				OutcomeIndex: row.OutcomeIndex,
				OutcomeLabel: row.Outcome,
				Price:        price,
				Timestamp:    now,
				StrategyType: strategy,
			}})
			log.Info().
				Str("market", row.Slug).
				Float64("price", price).
				Str("strategy", string(strategy)).
				Msg("watched market entered range")
		}

		if err := d.store.UpsertTrackedMarket(row); err != nil {
			log.Debug().Err(err).Str("condition", row.ConditionID).Msg("updating tracked market failed")
		}
	}
}

func (d *Detector) currentPrice(ctx context.Context, tokenID string) (float64, bool) {
	book, err := d.client.FetchBook(ctx, tokenID)
	if err != nil {
		if !errors.Is(err, polymarket.ErrNoBook) {
			log.Debug().Err(err).Str("token", tokenID).Msg("book fetch failed")
		}
		return 0, false
	}
	mid, ok := book.MidPrice()
	if !ok || mid <= 0 || mid >= 1 {
		return 0, false
	}
	return mid, true
}

// classify places a price into an entry band. The lottery band wins when
// both could apply (they never overlap with sane configs).
func (d *Detector) classify(price float64) (types.CopyStrategyType, bool) {
	if d.cfg.CopyTradeLotteryEnabled && price > 0 && price <= d.cfg.CopyTradeLotteryMaxPrice {
		return types.CopyLottery, true
	}
	if price >= d.cfg.FirstLadderLevel() && price <= d.cfg.CopyTradeStandardMaxPrice {
		return types.CopyStandard, true
	}
	return "", false
}

func (d *Detector) emit(wallet string, r *polymarket.ActivityRecord, price float64, strategy types.CopyStrategyType) {
	d.bus.Publish(bus.CopyEvent{Signal: types.CopySignal{
		Trader:       r.Name,
		TraderWallet: wallet,
		MarketID:     r.ConditionID,
		MarketSlug:   r.Slug,
		Title:        r.Title,
		TokenID:      r.Asset,
		OutcomeIndex: r.OutcomeIndex,
		OutcomeLabel: r.Outcome,
		Price:        price,
		Timestamp:    time.Now(),
		StrategyType: strategy,
	}})
	log.Info().
		Str("trader", r.Name).
		Str("market", r.Slug).
		Float64("price", price).
		Str("strategy", string(strategy)).
		Msg("copy signal")
}
