package bus

import (
	"testing"
	"time"

	"polyladder/internal/types"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1 := b.Subscribe(TopicPriceUpdate, 4)
	ch2 := b.Subscribe(TopicPriceUpdate, 4)
	other := b.Subscribe(TopicCopySignal, 4)

	b.Publish(PriceEvent{Update: types.PriceUpdate{MarketID: "m1", PriceYes: 0.7}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			pe, ok := ev.(PriceEvent)
			if !ok || pe.Update.MarketID != "m1" {
				t.Errorf("subscriber %d: unexpected event %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("copy subscriber received a price event: %+v", ev)
	default:
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	b := New()
	b.Subscribe(TopicPriceUpdate, 1)

	b.Publish(PriceEvent{Update: types.PriceUpdate{MarketID: "m1"}})
	b.Publish(PriceEvent{Update: types.PriceUpdate{MarketID: "m2"}}) // buffer full

	if got := b.Dropped(TopicPriceUpdate); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestPublishWithoutSubscribersIsANoOp(t *testing.T) {
	t.Parallel()
	b := New()
	b.Publish(PriceEvent{Update: types.PriceUpdate{MarketID: "m1"}})
	if got := b.Dropped(TopicPriceUpdate); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
}

func TestEventTopics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ev   Event
		want Topic
	}{
		{PriceEvent{}, TopicPriceUpdate},
		{CopyEvent{}, TopicCopySignal},
		{MarketBatchEvent{}, TopicMarketFiltered},
		{WSStatusEvent{}, TopicWSStatus},
		{PortfolioEvent{}, TopicPortfolioUpdate},
		{ExecutionEvent{}, TopicExecution},
		{StrategyActionEvent{}, TopicStrategyEvent},
	}
	for _, tc := range tests {
		if got := tc.ev.Topic(); got != tc.want {
			t.Errorf("%T.Topic() = %s, want %s", tc.ev, got, tc.want)
		}
	}
}
