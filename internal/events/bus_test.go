package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicSignal, 4)
	defer unsub()

	want := SignalEvent{Strategy: "macd-btc", Symbol: "BTCUSDT", Type: "BUY", Price: 40000}
	bus.Publish(TopicSignal, want)

	select {
	case got := <-ch:
		sig, ok := got.(SignalEvent)
		if !ok {
			t.Fatalf("payload type %T, expected SignalEvent", got)
		}
		if sig != want {
			t.Fatalf("payload = %+v, expected %+v", sig, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

// Ensures a full subscriber drops instead of stalling the publisher, and
// other subscribers still receive.
func TestBusSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	slow, unsubSlow := bus.Subscribe(TopicTick, 1)
	defer unsubSlow()
	fast, unsubFast := bus.Subscribe(TopicTick, 8)
	defer unsubFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(TopicTick, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}

	if n := len(slow); n != 1 {
		t.Fatalf("slow subscriber buffered %d, expected 1 (rest dropped)", n)
	}
	if n := len(fast); n != 5 {
		t.Fatalf("fast subscriber buffered %d, expected all 5", n)
	}
}

// Ensures unsubscribe closes the channel and stops delivery.
func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicRiskAlert, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(TopicRiskAlert, RiskEvent{Kind: "daily_loss"})
}
