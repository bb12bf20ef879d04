package feeds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/polymarket"
	"polyladder/internal/types"
)

// Poller is the HTTP fallback price source. Every interval it snapshots
// the YES-token order book of each watched market and synthesizes the
// same PriceUpdate the socket would emit.
type Poller struct {
	client   *polymarket.Client
	bus      *bus.Bus
	interval time.Duration

	mu      sync.Mutex
	watched map[string]types.TokenMap // marketID -> tokens
}

// NewPoller builds the fallback poller.
func NewPoller(client *polymarket.Client, b *bus.Bus, interval time.Duration) *Poller {
	return &Poller{
		client:   client,
		bus:      b,
		interval: interval,
		watched:  make(map[string]types.TokenMap),
	}
}

// Watch adds a market to the polling set.
func (p *Poller) Watch(marketID string, tokens types.TokenMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[marketID] = tokens
}

// Unwatch removes a market from the polling set.
func (p *Poller) Unwatch(marketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, marketID)
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[string]types.TokenMap, len(p.watched))
	for id, tokens := range p.watched {
		snapshot[id] = tokens
	}
	p.mu.Unlock()

	for marketID, tokens := range snapshot {
		if ctx.Err() != nil {
			return
		}
		book, err := p.client.FetchBook(ctx, tokens.YesToken)
		if err != nil {
			if !errors.Is(err, polymarket.ErrNoBook) {
				log.Debug().Err(err).Str("market", marketID).Msg("price poll failed")
			}
			continue
		}
		mid, ok := book.MidPrice()
		if !ok || mid <= 0 || mid >= 1 {
			continue
		}

		u := types.PriceUpdate{
			MarketID:  marketID,
			TokenID:   tokens.YesToken,
			PriceYes:  mid,
			PriceNo:   1 - mid,
			Timestamp: time.Now(),
		}
		bid, ask, hasBid, hasAsk := book.Best()
		if hasBid {
			u.BestBidYes = bid
		}
		if hasAsk {
			u.BestAskYes = ask
		}
		p.bus.Publish(bus.PriceEvent{Update: u})
	}
}
