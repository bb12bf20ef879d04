// Package feeds produces price ticks: a WebSocket subscriber on the
// venue's market channel plus a periodic HTTP snapshot poller. Both emit
// the same PriceUpdate on the bus; downstream treats them identically.
package feeds

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/types"
)

const (
	pingInterval         = 30 * time.Second
	writeTimeout         = 10 * time.Second
	maxReconnectDelay    = 60 * time.Second
	maxReconnectAttempts = 10
)

type tokenRef struct {
	marketID string
	side     types.Side
}

// WSFeed maintains the market-channel connection. Tokens registered via
// Watch survive reconnects: the full remembered set is resubscribed once
// per (re)open, so duplicates never accumulate.
type WSFeed struct {
	url       string
	baseDelay time.Duration
	bus       *bus.Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	tokens    map[string]tokenRef
}

// NewWSFeed builds the feed. reconnectDelay is the backoff base.
func NewWSFeed(url string, reconnectDelay time.Duration, b *bus.Bus) *WSFeed {
	return &WSFeed{
		url:       url,
		baseDelay: reconnectDelay,
		bus:       b,
		tokens:    make(map[string]tokenRef),
	}
}

// Watch registers a market's token pair. When connected, the pair is
// subscribed immediately; otherwise the next (re)connect picks it up.
func (f *WSFeed) Watch(marketID string, tokens types.TokenMap) {
	f.mu.Lock()
	ids := make([]string, 0, 2)
	if tokens.YesToken != "" {
		if _, seen := f.tokens[tokens.YesToken]; !seen {
			ids = append(ids, tokens.YesToken)
		}
		f.tokens[tokens.YesToken] = tokenRef{marketID: marketID, side: types.SideYes}
	}
	if tokens.NoToken != "" {
		if _, seen := f.tokens[tokens.NoToken]; !seen {
			ids = append(ids, tokens.NoToken)
		}
		f.tokens[tokens.NoToken] = tokenRef{marketID: marketID, side: types.SideNo}
	}
	conn, connected := f.conn, f.connected
	f.mu.Unlock()

	if connected && len(ids) > 0 {
		if err := f.subscribe(conn, ids); err != nil {
			log.Debug().Err(err).Str("market", marketID).Msg("subscribe failed, will retry on reconnect")
		}
	}
}

// Unwatch drops a market's tokens; the venue offers no unsubscribe
// message, so lingering server pushes are simply ignored.
func (f *WSFeed) Unwatch(marketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ref := range f.tokens {
		if ref.marketID == marketID {
			delete(f.tokens, id)
		}
	}
}

// Connected reports whether the socket is currently open.
func (f *WSFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// the attempt budget is exhausted. Permanent failure is reported on the
// bus; the process keeps running on HTTP polling alone.
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			attempt++
			if attempt >= maxReconnectAttempts {
				log.Error().Err(err).Int("attempts", attempt).Msg("websocket permanently failed")
				f.bus.Publish(bus.WSStatusEvent{Status: bus.WSFailed, Attempt: attempt, Err: err.Error(), Timestamp: time.Now()})
				return nil
			}
			delay := f.backoff(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("websocket dial failed")
			f.bus.Publish(bus.WSStatusEvent{Status: bus.WSReconnecting, Attempt: attempt, Err: err.Error(), Timestamp: time.Now()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		f.mu.Lock()
		f.conn = conn
		f.connected = true
		ids := make([]string, 0, len(f.tokens))
		for id := range f.tokens {
			ids = append(ids, id)
		}
		f.mu.Unlock()

		log.Info().Str("url", f.url).Int("tokens", len(ids)).Msg("websocket connected")
		f.bus.Publish(bus.WSStatusEvent{Status: bus.WSConnected, Timestamp: time.Now()})

		if len(ids) > 0 {
			if err := f.subscribe(conn, ids); err != nil {
				log.Warn().Err(err).Msg("resubscribe failed")
			}
		}

		readErr := f.readLoop(ctx, conn)
		f.mu.Lock()
		f.connected = false
		f.conn = nil
		f.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(readErr).Msg("websocket closed")
		f.bus.Publish(bus.WSStatusEvent{Status: bus.WSDisconnected, Err: readErr.Error(), Timestamp: time.Now()})
	}
}

func (f *WSFeed) backoff(attempt int) time.Duration {
	delay := f.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (f *WSFeed) subscribe(conn *websocket.Conn, ids []string) error {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"assets_ids": ids,
	}
	payload, _ := json.Marshal(msg)

	f.mu.Lock()
	defer f.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop pumps inbound messages until the connection dies. A ping
// keep-alive and a ctx watchdog run alongside; closing the conn is how
// both unblock ReadMessage.
func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				f.mu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				f.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ping failed")
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// wsMessage covers every event shape on the market channel; event_type
// selects which fields are populated.
type wsMessage struct {
	EventType    string     `json:"event_type"`
	AssetID      string     `json:"asset_id"`
	Market       string     `json:"market"`
	Price        string     `json:"price"`
	Bids         []wsLevel  `json:"bids"`
	Asks         []wsLevel  `json:"asks"`
	PriceChanges []wsChange `json:"price_changes"`
	Timestamp    string     `json:"timestamp"`
}

// handleMessage accepts either a single JSON object or an array of them.
func (f *WSFeed) handleMessage(data []byte) {
	var batch []wsMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		var single wsMessage
		if err := json.Unmarshal(data, &single); err != nil {
			log.Debug().Str("payload", truncate(string(data), 120)).Msg("unparseable ws message")
			return
		}
		batch = []wsMessage{single}
	}
	for i := range batch {
		f.dispatch(&batch[i])
	}
}

func (f *WSFeed) dispatch(msg *wsMessage) {
	switch msg.EventType {
	case "book":
		bid, hasBid := bestOf(msg.Bids, true)
		ask, hasAsk := bestOf(msg.Asks, false)
		raw, ok := midOf(bid, ask, hasBid, hasAsk)
		if !ok {
			return
		}
		f.emit(msg.AssetID, raw, bid, ask, hasBid, hasAsk)
	case "price_change":
		for _, ch := range msg.PriceChanges {
			bid, errB := strconv.ParseFloat(ch.BestBid, 64)
			ask, errA := strconv.ParseFloat(ch.BestAsk, 64)
			hasBid, hasAsk := errB == nil && bid > 0, errA == nil && ask > 0
			raw, ok := midOf(bid, ask, hasBid, hasAsk)
			if !ok {
				if p, err := strconv.ParseFloat(ch.Price, 64); err == nil {
					raw, ok = p, true
				}
			}
			if ok {
				f.emit(ch.AssetID, raw, bid, ask, hasBid, hasAsk)
			}
		}
	case "last_trade_price":
		p, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			return
		}
		f.emit(msg.AssetID, p, 0, 0, false, false)
	}
}

// emit normalizes a raw token price to YES polarity and publishes it.
// A NO-side tick mirrors: priceYes = 1 − raw, and the YES bid/ask come
// from the opposite sides of the NO book.
func (f *WSFeed) emit(tokenID string, raw, bid, ask float64, hasBid, hasAsk bool) {
	if raw <= 0 || raw >= 1 {
		return
	}

	f.mu.Lock()
	ref, ok := f.tokens[tokenID]
	f.mu.Unlock()
	if !ok {
		return
	}

	u := types.PriceUpdate{
		MarketID:  ref.marketID,
		TokenID:   tokenID,
		Timestamp: time.Now(),
	}
	if ref.side == types.SideNo {
		u.PriceYes = 1 - raw
		if hasAsk {
			u.BestBidYes = 1 - ask
		}
		if hasBid {
			u.BestAskYes = 1 - bid
		}
	} else {
		u.PriceYes = raw
		if hasBid {
			u.BestBidYes = bid
		}
		if hasAsk {
			u.BestAskYes = ask
		}
	}
	u.PriceNo = 1 - u.PriceYes

	f.bus.Publish(bus.PriceEvent{Update: u})
}

func midOf(bid, ask float64, hasBid, hasAsk bool) (float64, bool) {
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

func bestOf(levels []wsLevel, highest bool) (float64, bool) {
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
