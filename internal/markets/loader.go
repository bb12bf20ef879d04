// Package markets hydrates the tradeable universe: paginated catalog
// fetch, hard filters, one-representative-per-group selection for
// mutually-exclusive event groups, scoring and top-N truncation.
package markets

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/config"
	"polyladder/internal/polymarket"
	"polyladder/internal/storage"
	"polyladder/internal/types"
)

const (
	pageSize     = 500
	maxUniverse  = 5000
	groupEVPrice = 0.775
)

// Loader fetches, filters and scores the candidate markets.
type Loader struct {
	client *polymarket.Client
	store  *storage.Database
	bus    *bus.Bus
	cfg    *config.Config
}

// NewLoader builds the loader.
func NewLoader(client *polymarket.Client, store *storage.Database, b *bus.Bus, cfg *config.Config) *Loader {
	return &Loader{client: client, store: store, bus: b, cfg: cfg}
}

// Refresh runs one full load cycle: fetch, filter, dedupe groups, score,
// persist the survivors and publish them on the bus.
func (l *Loader) Refresh(ctx context.Context) ([]types.Market, error) {
	raw, err := l.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	filtered := make([]types.Market, 0, len(raw))
	for _, m := range raw {
		if l.keep(&m, now) {
			filtered = append(filtered, m)
		}
	}

	deduped := dedupeGroups(filtered)
	scored := l.score(deduped, now)

	if l.cfg.TopNMarkets > 0 && len(scored) > l.cfg.TopNMarkets {
		scored = scored[:l.cfg.TopNMarkets]
	}

	log.Info().
		Int("fetched", len(raw)).
		Int("filtered", len(filtered)).
		Int("deduped", len(deduped)).
		Int("selected", len(scored)).
		Msg("market universe refreshed")

	if err := l.store.SaveMarkets(scored); err != nil {
		log.Warn().Err(err).Msg("persisting markets failed")
	}
	l.bus.Publish(bus.MarketBatchEvent{Markets: scored})
	return scored, nil
}

func (l *Loader) fetchAll(ctx context.Context) ([]types.Market, error) {
	var all []types.Market
	for offset := 0; offset < maxUniverse; offset += pageSize {
		page, err := l.client.FetchMarketsPage(ctx, pageSize, offset)
		if err != nil {
			if len(all) > 0 {
				log.Warn().Err(err).Int("offset", offset).Msg("partial catalog fetch")
				break
			}
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	return all, nil
}

// keep applies the hard filters.
func (l *Loader) keep(m *types.Market, now time.Time) bool {
	if !m.EnableOrderBook || !m.Active || m.Closed {
		return false
	}
	if len(m.Outcomes) != 2 || len(m.ClobTokenIDs) != 2 {
		return false
	}
	if !m.EndDate.After(now) {
		return false
	}
	if ttr := m.EndDate.Sub(now); ttr > l.cfg.MaxTimeToResolution() {
		return false
	}
	if m.Volume24h < l.cfg.MinVolume24h || m.Liquidity < l.cfg.MinLiquidity {
		return false
	}
	if !l.categoryAllowed(m) {
		return false
	}
	return true
}

func (l *Loader) categoryAllowed(m *types.Market) bool {
	cat := strings.ToLower(m.Category)
	sub := strings.ToLower(m.Subcategory)
	question := strings.ToLower(m.Question)

	for _, ex := range l.cfg.ExcludedCategories {
		ex = strings.ToLower(ex)
		if ex != "" && (strings.Contains(cat, ex) || strings.Contains(sub, ex)) {
			return false
		}
	}

	allowed := len(l.cfg.AllowedCategories) == 0
	for _, al := range l.cfg.AllowedCategories {
		al = strings.ToLower(al)
		if al != "" && (strings.Contains(cat, al) || strings.Contains(sub, al)) {
			allowed = true
			break
		}
	}
	if allowed {
		return true
	}

	// A keyword hit in the question admits sports markets filed under a
	// generic category.
	for _, kw := range l.cfg.SportsKeywords {
		kw = strings.ToLower(kw)
		if kw != "" && strings.Contains(question, kw) {
			return true
		}
	}
	return false
}

// dedupeGroups keeps one representative per mutually-exclusive event
// group, chosen by a weighted score of volume, spread tightness,
// closeness of price to the expected-value center and liquidity.
func dedupeGroups(markets []types.Market) []types.Market {
	out := make([]types.Market, 0, len(markets))
	best := make(map[string]int) // eventID -> index into out

	for _, m := range markets {
		if !m.NegRisk || m.EventID == "" {
			out = append(out, m)
			continue
		}
		idx, seen := best[m.EventID]
		if !seen {
			best[m.EventID] = len(out)
			out = append(out, m)
			continue
		}
		if groupScore(&m) > groupScore(&out[idx]) {
			out[idx] = m
		}
	}
	return out
}

func groupScore(m *types.Market) float64 {
	volume := math.Log1p(m.Volume24h)
	liquidity := math.Log1p(m.Liquidity)

	spread := m.BestAsk - m.BestBid
	tightness := 0.0
	if spread >= 0 && m.BestAsk > 0 {
		tightness = 1 - math.Min(spread/0.10, 1)
	}

	price := m.LastTradePrice
	if price == 0 && m.BestBid > 0 && m.BestAsk > 0 {
		price = (m.BestBid + m.BestAsk) / 2
	}
	proximity := 1 - math.Min(math.Abs(price-groupEVPrice)/groupEVPrice, 1)

	return 0.40*volume + 0.25*tightness + 0.20*proximity + 0.15*liquidity
}

// score orders survivors by desirability: sooner resolution buckets
// first, then volume, liquidity and turnover.
func (l *Loader) score(markets []types.Market, now time.Time) []types.Market {
	type scored struct {
		m types.Market
		s float64
	}
	rows := make([]scored, 0, len(markets))
	for _, m := range markets {
		rows = append(rows, scored{m: m, s: finalScore(&m, now)})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].s > rows[j].s })

	out := make([]types.Market, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.m)
	}
	return out
}

func finalScore(m *types.Market, now time.Time) float64 {
	hours := m.TimeToResolution(now).Hours()
	var bucket float64
	switch {
	case hours <= 6:
		bucket = 1.0
	case hours <= 24:
		bucket = 0.8
	case hours <= 72:
		bucket = 0.5
	default:
		bucket = 0.2
	}

	turnover := 0.0
	if m.Liquidity > 0 {
		turnover = math.Min(m.Volume24h/m.Liquidity, 10) / 10
	}

	return 0.35*bucket +
		0.30*math.Log1p(m.Volume24h)/20 +
		0.20*math.Log1p(m.Liquidity)/20 +
		0.15*turnover
}
