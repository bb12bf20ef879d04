// Package bus is the in-process publish/subscribe fabric. Producers (feeds,
// pollers, the engine) publish typed events; consumers receive them on
// buffered channels. Delivery is best-effort: a full subscriber channel
// drops the event rather than blocking the producer.
package bus

import (
	"sync"
	"time"

	"polyladder/internal/types"
)

// Topic routes events to subscribers.
type Topic string

const (
	TopicPriceUpdate     Topic = "price:update"
	TopicCopySignal      Topic = "copy:signal"
	TopicMarketFiltered  Topic = "market:filtered"
	TopicWSStatus        Topic = "ws:status"
	TopicPortfolioUpdate Topic = "portfolio:update"
	TopicExecution       Topic = "execution:result"
	TopicStrategyEvent   Topic = "strategy:event"
)

// Event is the closed sum of message variants carried on the bus.
type Event interface {
	Topic() Topic
}

// PriceEvent carries a normalized tick.
type PriceEvent struct {
	Update types.PriceUpdate
}

func (PriceEvent) Topic() Topic { return TopicPriceUpdate }

// CopyEvent carries a copy-trade signal.
type CopyEvent struct {
	Signal types.CopySignal
}

func (CopyEvent) Topic() Topic { return TopicCopySignal }

// MarketBatchEvent carries the survivors of a loader run.
type MarketBatchEvent struct {
	Markets []types.Market
}

func (MarketBatchEvent) Topic() Topic { return TopicMarketFiltered }

// WS connection states reported via WSStatusEvent.
const (
	WSConnected    = "connected"
	WSDisconnected = "disconnected"
	WSReconnecting = "reconnecting"
	WSFailed       = "failed" // reconnect attempts exhausted
)

// WSStatusEvent reports feed connectivity transitions.
type WSStatusEvent struct {
	Status    string
	Attempt   int
	Err       string
	Timestamp time.Time
}

func (WSStatusEvent) Topic() Topic { return TopicWSStatus }

// PortfolioEvent carries a P&L snapshot.
type PortfolioEvent struct {
	Snapshot types.PortfolioSnapshot
}

func (PortfolioEvent) Topic() Topic { return TopicPortfolioUpdate }

// ExecutionEvent carries a fill result.
type ExecutionEvent struct {
	Result types.ExecutionResult
}

func (ExecutionEvent) Topic() Topic { return TopicExecution }

// StrategyActionEvent records a significant strategy decision
// (regime transition, entry, exit, resolution).
type StrategyActionEvent struct {
	MarketID  string
	Regime    types.Regime
	Strategy  types.StrategyKind
	Action    string
	PriceYes  float64
	PriceNo   float64
	Details   string
	Timestamp time.Time
}

func (StrategyActionEvent) Topic() Topic { return TopicStrategyEvent }

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event

	dropped map[Topic]uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[Topic][]chan Event),
		dropped: make(map[Topic]uint64),
	}
}

// Subscribe returns a buffered channel receiving events for topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber of its topic. Full channels drop.
func (b *Bus) Publish(ev Event) {
	topic := ev.Topic()
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.mu.Lock()
			b.dropped[topic]++
			b.mu.Unlock()
		}
	}
}

// Dropped returns how many events were dropped for a topic.
func (b *Bus) Dropped(topic Topic) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[topic]
}
