package markets

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"polyladder/internal/bus"
	"polyladder/internal/config"
	"polyladder/internal/polymarket"
	"polyladder/internal/storage"
	"polyladder/internal/types"
)

func testLoaderConfig() *config.Config {
	return &config.Config{
		TopNMarkets:              10,
		AllowedCategories:        []string{"sports"},
		ExcludedCategories:       []string{"crypto"},
		SportsKeywords:           []string{"nba", "nfl"},
		MinVolume24h:             1000,
		MinLiquidity:             500,
		MaxTimeToResolutionHours: 72,
	}
}

func tradeable(id string, endIn time.Duration, now time.Time) types.Market {
	return types.Market{
		ID:              id,
		Question:        "Will team A beat team B?",
		Category:        "Sports",
		Outcomes:        []string{"Yes", "No"},
		ClobTokenIDs:    []string{id + "-y", id + "-n"},
		EndDate:         now.Add(endIn),
		Volume24h:       50000,
		Liquidity:       10000,
		Active:          true,
		EnableOrderBook: true,
	}
}

func TestKeepFilters(t *testing.T) {
	t.Parallel()
	l := &Loader{cfg: testLoaderConfig()}
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*types.Market)
		want   bool
	}{
		{"tradeable market passes", func(m *types.Market) {}, true},
		{"order book disabled", func(m *types.Market) { m.EnableOrderBook = false }, false},
		{"inactive", func(m *types.Market) { m.Active = false }, false},
		{"already closed", func(m *types.Market) { m.Closed = true }, false},
		{"three outcomes", func(m *types.Market) {
			m.Outcomes = []string{"A", "B", "C"}
			m.ClobTokenIDs = []string{"1", "2", "3"}
		}, false},
		{"already expired", func(m *types.Market) { m.EndDate = now.Add(-time.Hour) }, false},
		{"resolves too far out", func(m *types.Market) { m.EndDate = now.Add(100 * time.Hour) }, false},
		{"thin volume", func(m *types.Market) { m.Volume24h = 999 }, false},
		{"thin liquidity", func(m *types.Market) { m.Liquidity = 499 }, false},
		{"excluded category", func(m *types.Market) { m.Category = "Crypto" }, false},
		{"disallowed category no keyword", func(m *types.Market) {
			m.Category = "Politics"
			m.Question = "Will the bill pass?"
		}, false},
		{"generic category with sports keyword", func(m *types.Market) {
			m.Category = "Other"
			m.Question = "NBA Finals: will the series go to game 7?"
		}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := tradeable("m1", 24*time.Hour, now)
			tc.mutate(&m)
			if got := l.keep(&m, now); got != tc.want {
				t.Errorf("keep = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCategoryAllowedWithoutAllowList(t *testing.T) {
	t.Parallel()
	cfg := testLoaderConfig()
	cfg.AllowedCategories = nil
	l := &Loader{cfg: cfg}

	m := types.Market{Category: "Politics", Question: "Will the bill pass?"}
	if !l.categoryAllowed(&m) {
		t.Error("empty allow-list should admit non-excluded categories")
	}
	m.Category = "Crypto Prices"
	if l.categoryAllowed(&m) {
		t.Error("exclusion must still apply without an allow-list")
	}
}

func TestDedupeGroupsKeepsBestRepresentative(t *testing.T) {
	t.Parallel()
	now := time.Now()

	thin := tradeable("g-thin", 24*time.Hour, now)
	thin.NegRisk = true
	thin.EventID = "ev1"
	thin.Volume24h = 2000
	thin.BestBid, thin.BestAsk = 0.40, 0.55 // wide spread, far from center

	fat := tradeable("g-fat", 24*time.Hour, now)
	fat.NegRisk = true
	fat.EventID = "ev1"
	fat.Volume24h = 80000
	fat.BestBid, fat.BestAsk = 0.76, 0.79 // tight, near the EV center

	solo := tradeable("solo", 24*time.Hour, now)

	out := dedupeGroups([]types.Market{thin, fat, solo})
	if len(out) != 2 {
		t.Fatalf("got %d markets, want 2", len(out))
	}
	ids := map[string]bool{}
	for _, m := range out {
		ids[m.ID] = true
	}
	if !ids["g-fat"] || !ids["solo"] || ids["g-thin"] {
		t.Errorf("wrong survivors: %v", ids)
	}
}

func TestDedupeGroupsIgnoresUngroupedMarkets(t *testing.T) {
	t.Parallel()
	now := time.Now()

	a := tradeable("a", 24*time.Hour, now)
	b := tradeable("b", 24*time.Hour, now)
	// NegRisk without an event id is not a group.
	b.NegRisk = true

	out := dedupeGroups([]types.Market{a, b})
	if len(out) != 2 {
		t.Errorf("got %d markets, want both kept", len(out))
	}
}

func TestFinalScorePrefersSoonerResolution(t *testing.T) {
	t.Parallel()
	now := time.Now()

	soon := tradeable("soon", 3*time.Hour, now)
	later := tradeable("later", 60*time.Hour, now)

	if finalScore(&soon, now) <= finalScore(&later, now) {
		t.Error("sooner resolution should outscore later at equal volume")
	}
}

func TestFinalScoreRewardsVolume(t *testing.T) {
	t.Parallel()
	now := time.Now()

	big := tradeable("big", 24*time.Hour, now)
	big.Volume24h = 500000
	small := tradeable("small", 24*time.Hour, now)
	small.Volume24h = 2000

	if finalScore(&big, now) <= finalScore(&small, now) {
		t.Error("higher volume should outscore at equal horizon")
	}
}

func TestRefreshEndToEnd(t *testing.T) {
	t.Parallel()
	now := time.Now()
	end := now.Add(24 * time.Hour).UTC().Format(time.RFC3339)

	page := fmt.Sprintf(`[
		{"id":"keep-1","question":"Will team A win?","category":"Sports",
		 "outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"k1-y\",\"k1-n\"]",
		 "endDate":%q,"volume24hr":50000,"liquidityNum":10000,
		 "active":true,"closed":false,"enableOrderBook":true},
		{"id":"keep-2","question":"Will team C win?","category":"Sports",
		 "outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"k2-y\",\"k2-n\"]",
		 "endDate":%q,"volume24hr":9000,"liquidityNum":4000,
		 "active":true,"closed":false,"enableOrderBook":true},
		{"id":"drop-closed","question":"Will team D win?","category":"Sports",
		 "outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"d-y\",\"d-n\"]",
		 "endDate":%q,"volume24hr":50000,"liquidityNum":10000,
		 "active":true,"closed":true,"enableOrderBook":true}
	]`, end, end, end)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") != "0" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	batches := b.Subscribe(bus.TopicMarketFiltered, 2)
	client := polymarket.NewClient(srv.URL, srv.URL, srv.URL, 2*time.Second)
	loader := NewLoader(client, store, b, testLoaderConfig())

	selected, err := loader.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d markets, want 2", len(selected))
	}
	// Higher volume ranks first at an equal horizon.
	if selected[0].ID != "keep-1" || selected[1].ID != "keep-2" {
		t.Errorf("order = %s, %s", selected[0].ID, selected[1].ID)
	}

	select {
	case ev := <-batches:
		mb, ok := ev.(bus.MarketBatchEvent)
		if !ok || len(mb.Markets) != 2 {
			t.Errorf("unexpected batch event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no batch event published")
	}

	stored, err := store.GetMarkets()
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d markets, want 2", len(stored))
	}
}

func TestRefreshTruncatesToTopN(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cfg := testLoaderConfig()
	cfg.TopNMarkets = 3

	universe := make([]types.Market, 0, 8)
	for i := 0; i < 8; i++ {
		m := tradeable(fmt.Sprintf("m%d", i), 24*time.Hour, now)
		m.Volume24h = float64(2000 * (i + 1))
		universe = append(universe, m)
	}

	l := &Loader{cfg: cfg}
	scored := l.score(dedupeGroups(universe), now)
	if len(scored) > cfg.TopNMarkets {
		scored = scored[:cfg.TopNMarkets]
	}
	if len(scored) != 3 {
		t.Fatalf("got %d, want 3", len(scored))
	}
	if scored[0].ID != "m7" {
		t.Errorf("top market = %s, want the highest-volume m7", scored[0].ID)
	}
}
