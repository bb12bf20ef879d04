package storage

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"polyladder/internal/config"
	"polyladder/internal/risk"
	"polyladder/internal/types"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func within(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestMarketRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	start := time.Now().Add(12 * time.Hour).Truncate(time.Second)
	m := types.Market{
		ID:            "m1",
		Question:      "Will team A win?",
		Slug:          "team-a-win",
		Category:      "Sports",
		Outcomes:      []string{"Yes", "No"},
		ClobTokenIDs:  []string{"tok-y", "tok-n"},
		EndDate:       time.Now().Add(24 * time.Hour).Truncate(time.Second),
		GameStartTime: &start,
		Volume24h:     50000.25,
		Liquidity:     12000.5,
		Active:        true,
	}
	if err := db.SaveMarket(&m); err != nil {
		t.Fatalf("SaveMarket: %v", err)
	}

	got, err := db.GetMarket("m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Question != m.Question || len(got.Outcomes) != 2 || got.Outcomes[1] != "No" {
		t.Errorf("market = %+v", got)
	}
	if got.ClobTokenIDs[0] != "tok-y" || got.ClobTokenIDs[1] != "tok-n" {
		t.Errorf("tokens = %v", got.ClobTokenIDs)
	}
	if !within(got.Volume24h, 50000.25, 1e-6) {
		t.Errorf("volume = %v", got.Volume24h)
	}
	if got.GameStartTime == nil {
		t.Error("game start time lost")
	}
}

func TestMarketStateRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	now := time.Now().Truncate(time.Second)
	broke := now.Add(-10 * time.Minute)
	entered := now.Add(-time.Hour)

	s := types.NewMarketState("m1")
	s.Regime = types.RegimeLateCompressed
	s.LastPriceYes = 0.82
	s.LastPriceNo = 0.18
	s.LadderFilled[0.60] = true
	s.LadderFilled[0.70] = true
	s.ExposureYes = 5.5
	s.TailActive = true
	s.ConsensusBreakStartTime = &broke
	s.MoonBagActive = true
	s.MoonBagPriceAtActivation = 0.82
	s.ActiveTradeSide = types.SideYes
	s.FirstEntryAt = &entered
	s.DCACount = 1
	s.LastProcessed = now

	if err := db.SaveMarketState(s); err != nil {
		t.Fatalf("SaveMarketState: %v", err)
	}

	states, err := db.GetMarketStates()
	if err != nil {
		t.Fatalf("GetMarketStates: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("got %d states, want 1", len(states))
	}

	got := states[0]
	if !got.LadderFilled[0.60] || !got.LadderFilled[0.70] || len(got.LadderFilled) != 2 {
		t.Errorf("ladder fills = %v", got.LadderFilled)
	}
	if !within(got.ExposureYes, 5.5, 1e-6) || !got.TailActive || !got.MoonBagActive {
		t.Errorf("trackers lost: %+v", got)
	}
	if got.ActiveTradeSide != types.SideYes || got.DCACount != 1 {
		t.Errorf("side/dca = %s/%d", got.ActiveTradeSide, got.DCACount)
	}
	if got.ConsensusBreakStartTime == nil || got.FirstEntryAt == nil {
		t.Error("timestamps lost")
	}
}

func TestMarketStateUpsertOverwrites(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	s := types.NewMarketState("m1")
	s.LastPriceYes = 0.60
	if err := db.SaveMarketState(s); err != nil {
		t.Fatal(err)
	}
	s.LastPriceYes = 0.75
	s.LadderFilled[0.60] = true
	if err := db.SaveMarketState(s); err != nil {
		t.Fatal(err)
	}

	states, err := db.GetMarketStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || !within(states[0].LastPriceYes, 0.75, 1e-9) {
		t.Errorf("states = %+v", states)
	}
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	p := types.Position{
		MarketID:     "m1",
		SharesYes:    75.123456,
		AvgEntryYes:  0.70,
		CostBasisYes: 52.586419,
		RealizedPnl:  3.25,
	}
	if err := db.SavePosition(&p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	rows, err := db.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d positions, want 1", len(rows))
	}
	got := rows[0]
	if !within(got.SharesYes, p.SharesYes, 1e-6) || !within(got.CostBasisYes, p.CostBasisYes, 1e-6) {
		t.Errorf("position = %+v", got)
	}

	if err := db.DeletePosition("m1"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	rows, err = db.GetPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("position survived delete: %+v", rows)
	}
}

func TestTradeLogOrderingAndLimit(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		res := types.ExecutionResult{
			Order: types.Order{
				ID:       fmt.Sprintf("t%d", i),
				MarketID: "m1",
				Side:     types.SideYes,
				Price:    0.60 + float64(i)*0.05,
				Strategy: "LADDER",
			},
			FilledUSDC:   2.00,
			FilledShares: 3.33,
			Status:       "FILLED",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.SaveTrade(&res); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	trades, err := db.GetTradesForMarket("m1")
	if err != nil {
		t.Fatalf("GetTradesForMarket: %v", err)
	}
	if len(trades) != 5 {
		t.Fatalf("got %d trades, want 5", len(trades))
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].Timestamp.Before(trades[i-1].Timestamp) {
			t.Errorf("trades out of order at %d", i)
		}
	}

	recent, err := db.RecentTrades(2)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "t4" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestSaveTradeRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	res := types.ExecutionResult{
		Order:     types.Order{ID: "t1", MarketID: "m1", Side: types.SideYes, Price: 0.60},
		Status:    "FILLED",
		Timestamp: time.Now(),
	}
	if err := db.SaveTrade(&res); err != nil {
		t.Fatalf("first SaveTrade: %v", err)
	}
	if err := db.SaveTrade(&res); err == nil {
		t.Error("duplicate trade id accepted")
	}
}

func TestTrackedMarketUpsert(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	row := &TrackedMarket{
		ConditionID:  "c1",
		TokenID:      "tok-1",
		TraderWallet: "0xwhale",
		Status:       string(types.TrackedWatching),
		CurrentPrice: 0.30,
		SignalTime:   time.Now().Truncate(time.Second),
	}
	if err := db.UpsertTrackedMarket(row); err != nil {
		t.Fatalf("UpsertTrackedMarket: %v", err)
	}

	now := time.Now().Truncate(time.Second)
	row.Status = string(types.TrackedInRange)
	row.CurrentPrice = 0.72
	row.EnteredRangeAt = &now
	if err := db.UpsertTrackedMarket(row); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	watching, err := db.GetTrackedByStatus(types.TrackedWatching)
	if err != nil {
		t.Fatal(err)
	}
	if len(watching) != 0 {
		t.Errorf("stale WATCHING rows: %+v", watching)
	}

	got, err := db.GetTrackedMarket("c1")
	if err != nil {
		t.Fatalf("GetTrackedMarket: %v", err)
	}
	if got.Status != string(types.TrackedInRange) || !within(got.CurrentPrice, 0.72, 1e-9) {
		t.Errorf("row = %+v", got)
	}
}

func TestRiskBookRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if _, _, _, ok := db.GetRiskBook(); ok {
		t.Fatal("risk book present before first save")
	}

	if err := db.SaveRiskBook(1000, 982.50, 9.00); err != nil {
		t.Fatalf("SaveRiskBook: %v", err)
	}
	// Second save overwrites the single row.
	if err := db.SaveRiskBook(1000, 975.25, 12.75); err != nil {
		t.Fatalf("SaveRiskBook update: %v", err)
	}

	bankroll, cash, locked, ok := db.GetRiskBook()
	if !ok {
		t.Fatal("risk book missing after save")
	}
	if !within(bankroll, 1000, 1e-6) || !within(cash, 975.25, 1e-6) || !within(locked, 12.75, 1e-6) {
		t.Errorf("book = %v/%v/%v", bankroll, cash, locked)
	}
}

func TestStrategyEventAndSnapshotWrites(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	err := db.SaveStrategyEvent("m1", types.RegimeMidConsensus, types.StrategyLadder,
		"ENTRY", 0.65, 0.35, `{"level":0.60}`)
	if err != nil {
		t.Errorf("SaveStrategyEvent: %v", err)
	}

	snap := types.PortfolioSnapshot{
		Timestamp:   time.Now(),
		TotalValue:  1003.50,
		CashBalance: 950.00,
	}
	if err := db.SavePnlSnapshot(&snap); err != nil {
		t.Errorf("SavePnlSnapshot: %v", err)
	}

	tick := types.PriceUpdate{MarketID: "m1", PriceYes: 0.65, PriceNo: 0.35, BestBidYes: 0.64, BestAskYes: 0.66, Timestamp: time.Now()}
	if err := db.SavePricePoint(&tick); err != nil {
		t.Errorf("SavePricePoint: %v", err)
	}
}

// Replaying the trade log for a market must reconstruct the persisted
// position: the journal and the book are two views of the same fills.
func TestTradeLogReplayMatchesPosition(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	mgr := risk.NewManager(&config.Config{Bankroll: 1000, MaxActivePositions: 5,
		MaxSingleOrderPct: 1, MaxMarketExposurePct: 1})

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	fills := []types.ExecutionResult{
		{
			Order:        types.Order{ID: "r1", MarketID: "m1", Side: types.SideYes, Price: 0.50, Strategy: "LADDER"},
			FilledUSDC:   2.00,
			FilledShares: 4.0,
			Status:       "FILLED",
			Timestamp:    base,
		},
		{
			Order:        types.Order{ID: "r2", MarketID: "m1", Side: types.SideYes, Price: 0.625, Strategy: "LADDER"},
			FilledUSDC:   2.50,
			FilledShares: 4.0,
			Status:       "FILLED",
			Timestamp:    base.Add(time.Minute),
		},
		{
			Order:        types.Order{ID: "r3", MarketID: "m1", Side: types.SideYes, Price: 0.75, Strategy: "TAKE_PROFIT", IsExit: true},
			FilledUSDC:   4.50,
			FilledShares: 6.0,
			Status:       "FILLED",
			Timestamp:    base.Add(2 * time.Minute),
		},
	}
	for _, res := range fills {
		if res.Order.IsExit {
			mgr.RecordExit(res)
		} else {
			mgr.RecordBuy(res)
		}
		res := res
		if err := db.SaveTrade(&res); err != nil {
			t.Fatalf("SaveTrade %s: %v", res.Order.ID, err)
		}
	}
	pos, ok := mgr.Position("m1")
	if !ok {
		t.Fatal("position missing from risk book")
	}
	if err := db.SavePosition(&pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	trades, err := db.GetTradesForMarket("m1")
	if err != nil {
		t.Fatalf("GetTradesForMarket: %v", err)
	}
	var shares, cost float64
	for _, tr := range trades {
		filledShares := tr.Shares.InexactFloat64()
		filledUSDC := tr.Size.InexactFloat64()
		if tr.IsExit {
			costRemoved := cost * (filledShares / shares)
			shares -= filledShares
			cost -= costRemoved
		} else {
			shares += filledShares
			cost += filledUSDC
		}
	}

	rows, err := db.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d positions, want 1", len(rows))
	}
	stored := rows[0]
	if !within(stored.SharesYes, shares, 1e-2) {
		t.Errorf("replayed shares = %v, stored %v", shares, stored.SharesYes)
	}
	if !within(stored.CostBasisYes, cost, 1e-2) {
		t.Errorf("replayed cost = %v, stored %v", cost, stored.CostBasisYes)
	}
	if !within(shares, 2.0, 1e-9) || !within(cost, 1.125, 1e-9) {
		t.Errorf("replay fold = %v shares / %v cost, want 2 / 1.125", shares, cost)
	}
}
