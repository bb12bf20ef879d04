package copytrade

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

func testCopyConfig() *config.Config {
	return &config.Config{
		CopyTradeWallets:          []string{"0xwhale"},
		CopyTradeStandardMaxPrice: 0.85,
		CopyTradeLotteryEnabled:   true,
		CopyTradeLotteryMaxPrice:  0.05,
		LadderLevels:              []float64{0.60, 0.70, 0.80, 0.90, 0.95},
	}
}

func testStore(t *testing.T) *storage.Database {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// copyBackend fakes the data-api activity feed and the CLOB book endpoint
// on one server; prices is tokenID -> mid quote.
func copyBackend(t *testing.T, activity string, prices map[string]float64) *polymarket.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/activity":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(activity))
		case "/book":
			w.Header().Set("Content-Type", "application/json")
			mid, ok := prices[r.URL.Query().Get("token_id")]
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			fmt.Fprintf(w, `{"bids":[{"price":"%.2f","size":"10"}],"asks":[{"price":"%.2f","size":"10"}]}`,
				mid-0.01, mid+0.01)
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return polymarket.NewClient(srv.URL, srv.URL, srv.URL, 2*time.Second)
}

func activityRow(ts int64, side string, price float64) string {
	return fmt.Sprintf(`{"type":"TRADE","side":%q,"conditionId":"c1","slug":"lakers-win",
		"title":"Lakers win","asset":"tok-1","outcome":"Yes","outcomeIndex":0,
		"price":%.2f,"size":100,"timestamp":%d,"name":"whale","proxyWallet":"0xwhale"}`, side, price, ts)
}

func TestClassifyBands(t *testing.T) {
	t.Parallel()
	d := NewDetector(nil, nil, nil, testCopyConfig())

	tests := []struct {
		price   float64
		want    types.CopyStrategyType
		inRange bool
	}{
		{0.03, types.CopyLottery, true},
		{0.05, types.CopyLottery, true},
		{0.60, types.CopyStandard, true},
		{0.72, types.CopyStandard, true},
		{0.85, types.CopyStandard, true},
		{0.30, "", false}, // between the bands
		{0.90, "", false}, // above standard max
	}
	for _, tc := range tests {
		got, ok := d.classify(tc.price)
		if got != tc.want || ok != tc.inRange {
			t.Errorf("classify(%.2f) = %q, %v; want %q, %v", tc.price, got, ok, tc.want, tc.inRange)
		}
	}
}

func TestClassifyLotteryDisabled(t *testing.T) {
	t.Parallel()
	cfg := testCopyConfig()
	cfg.CopyTradeLotteryEnabled = false
	d := NewDetector(nil, nil, nil, cfg)

	if _, ok := d.classify(0.03); ok {
		t.Error("lottery band should be off when disabled")
	}
}

func TestPollEmitsInRangeSignal(t *testing.T) {
	t.Parallel()
	ts := time.Now().Unix() - 60
	activity := "[" + activityRow(ts, "BUY", 0.70) + "]"
	client := copyBackend(t, activity, map[string]float64{"tok-1": 0.72})

	b := bus.New()
	signals := b.Subscribe(bus.TopicCopySignal, 4)
	store := testStore(t)
	d := NewDetector(client, store, b, testCopyConfig())

	d.pollOnce(context.Background())

	select {
	case ev := <-signals:
		ce, ok := ev.(bus.CopyEvent)
		if !ok {
			t.Fatalf("unexpected event %+v", ev)
		}
		sig := ce.Signal
		if sig.MarketID != "c1" || sig.TokenID != "tok-1" || sig.StrategyType != types.CopyStandard {
			t.Errorf("signal = %+v", sig)
		}
		if sig.Price < 0.71 || sig.Price > 0.73 {
			t.Errorf("signal price = %v, want current mid near 0.72", sig.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("no copy signal")
	}

	row, err := store.GetTrackedMarket("c1")
	if err != nil {
		t.Fatalf("GetTrackedMarket: %v", err)
	}
	if row.Status != string(types.TrackedInRange) || row.EnteredRangeAt == nil {
		t.Errorf("tracked row = %+v", row)
	}
}

func TestPollTracksOutOfRangeAsWatching(t *testing.T) {
	t.Parallel()
	ts := time.Now().Unix() - 60
	activity := "[" + activityRow(ts, "BUY", 0.30) + "]"
	client := copyBackend(t, activity, map[string]float64{"tok-1": 0.30})

	b := bus.New()
	signals := b.Subscribe(bus.TopicCopySignal, 4)
	store := testStore(t)
	d := NewDetector(client, store, b, testCopyConfig())

	d.pollOnce(context.Background())

	select {
	case ev := <-signals:
		t.Fatalf("out-of-range trade emitted a signal: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	row, err := store.GetTrackedMarket("c1")
	if err != nil {
		t.Fatalf("GetTrackedMarket: %v", err)
	}
	if row.Status != string(types.TrackedWatching) {
		t.Errorf("status = %s, want WATCHING", row.Status)
	}
}

func TestPollSkipsSellsAndStaleTrades(t *testing.T) {
	t.Parallel()
	ts := time.Now().Unix() - 60
	activity := "[" +
		activityRow(ts, "SELL", 0.70) + "," +
		activityRow(ts-10, "BUY", 0.70) +
		"]"
	client := copyBackend(t, activity, map[string]float64{"tok-1": 0.72})

	b := bus.New()
	signals := b.Subscribe(bus.TopicCopySignal, 4)
	store := testStore(t)
	d := NewDetector(client, store, b, testCopyConfig())
	// A cursor at ts-5 makes the BUY at ts-10 old news.
	d.lastSeen["0xwhale"] = ts - 5

	d.pollOnce(context.Background())

	select {
	case ev := <-signals:
		t.Fatalf("stale or SELL activity emitted a signal: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	t.Parallel()
	ts := time.Now().Unix() - 60
	activity := "[" + activityRow(ts, "BUY", 0.70) + "]"
	client := copyBackend(t, activity, map[string]float64{"tok-1": 0.72})

	b := bus.New()
	signals := b.Subscribe(bus.TopicCopySignal, 4)
	store := testStore(t)
	d := NewDetector(client, store, b, testCopyConfig())

	d.pollOnce(context.Background())
	<-signals
	if got := d.lastSeen["0xwhale"]; got != ts {
		t.Fatalf("cursor = %d, want %d", got, ts)
	}

	// The same feed again: everything is at or before the cursor.
	d.pollOnce(context.Background())
	select {
	case ev := <-signals:
		t.Fatalf("replayed trade emitted a second signal: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRepriceWatchingPromotes(t *testing.T) {
	t.Parallel()
	client := copyBackend(t, "[]", map[string]float64{"tok-1": 0.72})

	b := bus.New()
	signals := b.Subscribe(bus.TopicCopySignal, 4)
	store := testStore(t)
	d := NewDetector(client, store, b, testCopyConfig())

	row := &storage.TrackedMarket{
		ConditionID:  "c1",
		Slug:         "lakers-win",
		TokenID:      "tok-1",
		Outcome:      "Yes",
		TraderName:   "whale",
		TraderWallet: "0xwhale",
		TrackedPrice: 0.30,
		CurrentPrice: 0.30,
		Status:       string(types.TrackedWatching),
		SignalTime:   time.Now().Add(-time.Hour),
	}
	if err := store.UpsertTrackedMarket(row); err != nil {
		t.Fatalf("seed tracked market: %v", err)
	}

	d.repriceWatching(context.Background())

	select {
	case ev := <-signals:
		ce := ev.(bus.CopyEvent)
		if ce.Signal.MarketID != "c1" || ce.Signal.StrategyType != types.CopyStandard {
			t.Errorf("signal = %+v", ce.Signal)
		}
	case <-time.After(time.Second):
		t.Fatal("watched market was not promoted")
	}

	got, err := store.GetTrackedMarket("c1")
	if err != nil {
		t.Fatalf("GetTrackedMarket: %v", err)
	}
	if got.Status != string(types.TrackedInRange) {
		t.Errorf("status = %s, want IN_RANGE", got.Status)
	}
}
