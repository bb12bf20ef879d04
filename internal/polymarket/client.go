// Package polymarket wraps the venue's public HTTP surface: the Gamma
// market catalog, the CLOB order-book snapshot endpoint and the data-api
// user activity feed. Every call carries an explicit deadline via context.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"polyladder/internal/types"
)

// Client talks to the catalog, CLOB and data APIs.
type Client struct {
	catalog *resty.Client
	clob    *resty.Client
	data    *resty.Client
}

// NewClient builds a client for the three upstream bases.
func NewClient(catalogURL, clobURL, dataURL string, timeout time.Duration) *Client {
	mk := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
	}
	return &Client{
		catalog: mk(catalogURL),
		clob:    mk(clobURL),
		data:    mk(dataURL),
	}
}

// rawMarket is the catalog wire shape. The outcome and token arrays
// arrive as JSON-encoded strings inside the JSON document.
type rawMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	Slug            string  `json:"slug"`
	Category        string  `json:"category"`
	Subcategory     string  `json:"subcategory"`
	Outcomes        string  `json:"outcomes"`
	OutcomePrices   string  `json:"outcomePrices"`
	ClobTokenIDs    string  `json:"clobTokenIds"`
	EndDate         string  `json:"endDate"`
	GameStartTime   string  `json:"gameStartTime"`
	Volume24h       float64 `json:"volume24hr"`
	Liquidity       float64 `json:"liquidityNum"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
	LastTradePrice  float64 `json:"lastTradePrice"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	NegRisk         bool    `json:"negRisk"`
	EventID         string  `json:"negRiskMarketID"`
}

func (r *rawMarket) toMarket() (types.Market, error) {
	m := types.Market{
		ID:              r.ID,
		Question:        r.Question,
		Slug:            r.Slug,
		Category:        r.Category,
		Subcategory:     r.Subcategory,
		Volume24h:       r.Volume24h,
		Liquidity:       r.Liquidity,
		BestBid:         r.BestBid,
		BestAsk:         r.BestAsk,
		LastTradePrice:  r.LastTradePrice,
		Active:          r.Active,
		Closed:          r.Closed,
		EnableOrderBook: r.EnableOrderBook,
		NegRisk:         r.NegRisk,
		EventID:         r.EventID,
	}

	if r.Outcomes != "" {
		if err := json.Unmarshal([]byte(r.Outcomes), &m.Outcomes); err != nil {
			return m, fmt.Errorf("parse outcomes: %w", err)
		}
	}
	if r.ClobTokenIDs != "" {
		if err := json.Unmarshal([]byte(r.ClobTokenIDs), &m.ClobTokenIDs); err != nil {
			return m, fmt.Errorf("parse clobTokenIds: %w", err)
		}
	}
	if r.EndDate != "" {
		t, err := time.Parse(time.RFC3339, r.EndDate)
		if err != nil {
			return m, fmt.Errorf("parse endDate: %w", err)
		}
		m.EndDate = t
	}
	if r.GameStartTime != "" {
		if t, err := time.Parse(time.RFC3339, r.GameStartTime); err == nil {
			m.GameStartTime = &t
		}
	}
	return m, nil
}

// FetchMarketsPage fetches one catalog page sorted by 24h volume.
// Malformed records are dropped and counted, not fatal.
func (c *Client) FetchMarketsPage(ctx context.Context, limit, offset int) ([]types.Market, error) {
	var raws []rawMarket
	resp, err := c.catalog.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"closed":          "false",
			"active":          "true",
			"enableOrderBook": "true",
			"limit":           strconv.Itoa(limit),
			"offset":          strconv.Itoa(offset),
			"order":           "volume24hr",
			"ascending":       "false",
		}).
		SetResult(&raws).
		Get("/markets")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("catalog: HTTP %d", resp.StatusCode())
	}

	markets := make([]types.Market, 0, len(raws))
	dropped := 0
	for i := range raws {
		m, err := raws[i].toMarket()
		if err != nil {
			dropped++
			continue
		}
		markets = append(markets, m)
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("malformed catalog records dropped")
	}
	return markets, nil
}

// MarketResolution is the terminal price pair of a closed market.
type MarketResolution struct {
	Market        types.Market
	OutcomePrices []float64 // parallel to Outcomes
}

// FetchMarket fetches a single catalog entry including resolution prices.
func (c *Client) FetchMarket(ctx context.Context, id string) (*MarketResolution, error) {
	var raw rawMarket
	resp, err := c.catalog.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/markets/" + id)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("catalog: HTTP %d", resp.StatusCode())
	}

	m, err := raw.toMarket()
	if err != nil {
		return nil, err
	}

	res := &MarketResolution{Market: m}
	if raw.OutcomePrices != "" {
		var prices []string
		if err := json.Unmarshal([]byte(raw.OutcomePrices), &prices); err != nil {
			return nil, fmt.Errorf("parse outcomePrices: %w", err)
		}
		for _, p := range prices {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("parse outcome price %q: %w", p, err)
			}
			res.OutcomePrices = append(res.OutcomePrices, f)
		}
	}
	return res, nil
}

// BookLevel is one price level of an order-book side.
type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Book is the CLOB snapshot for one token.
type Book struct {
	Bids  []BookLevel `json:"bids"`
	Asks  []BookLevel `json:"asks"`
	Error string      `json:"error"`
}

// ErrNoBook is the sentinel for a missing or errored order book; the
// caller skips this cycle (a closed market is handled by the resolution
// timer).
var ErrNoBook = fmt.Errorf("no order book")

// FetchBook fetches the order-book snapshot for a token id.
func (c *Client) FetchBook(ctx context.Context, tokenID string) (*Book, error) {
	var book Book
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, ErrNoBook
	}
	if book.Error != "" {
		return nil, ErrNoBook
	}
	return &book, nil
}

// MidPrice derives a price from the book: the mid of best bid and ask
// when both exist, else whichever side is present.
func (b *Book) MidPrice() (float64, bool) {
	bid, hasBid := bestLevel(b.Bids, true)
	ask, hasAsk := bestLevel(b.Asks, false)
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2, true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	}
	return 0, false
}

// Best returns the best bid and ask, when present.
func (b *Book) Best() (bid, ask float64, hasBid, hasAsk bool) {
	bid, hasBid = bestLevel(b.Bids, true)
	ask, hasAsk = bestLevel(b.Asks, false)
	return
}

func bestLevel(levels []BookLevel, highest bool) (float64, bool) {
	best := 0.0
	found := false
	for _, l := range levels {
		p, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		if !found || (highest && p > best) || (!highest && p < best) {
			best = p
			found = true
		}
	}
	return best, found
}

// ActivityRecord is one row of a wallet's trading activity.
type ActivityRecord struct {
	Type         string  `json:"type"`
	Side         string  `json:"side"`
	ConditionID  string  `json:"conditionId"`
	Slug         string  `json:"slug"`
	Title        string  `json:"title"`
	Asset        string  `json:"asset"` // token id
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	Timestamp    int64   `json:"timestamp"` // unix seconds
	Name         string  `json:"name"`
	ProxyWallet  string  `json:"proxyWallet"`
}

// FetchActivity fetches a wallet's recent activity since startTs.
func (c *Client) FetchActivity(ctx context.Context, wallet string, startTs int64, limit int) ([]ActivityRecord, error) {
	var records []ActivityRecord
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":    wallet,
			"limit":   strconv.Itoa(limit),
			"startTs": strconv.FormatInt(startTs, 10),
		}).
		SetResult(&records).
		Get("/activity")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("data-api: HTTP %d", resp.StatusCode())
	}
	return records, nil
}
