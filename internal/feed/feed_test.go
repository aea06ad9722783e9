package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/feed"
)

func TestSimFeedDeliversToSubscribers(t *testing.T) {
	f := feed.NewSimFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := f.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.Push("HYNX", decimal.NewFromInt(50000))

	select {
	case tick := <-ticks:
		if tick.Symbol != "HYNX" || !tick.Price.Equal(decimal.NewFromInt(50000)) {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("tick not delivered")
	}
}

func TestSimFeedClosesOnCancel(t *testing.T) {
	f := feed.NewSimFeed()
	ctx, cancel := context.WithCancel(context.Background())

	ticks, err := f.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ticks:
		if ok {
			t.Error("expected closed channel, got a tick")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Pushing after unsubscribe must not panic.
	f.Push("HYNX", decimal.NewFromInt(1))
}
