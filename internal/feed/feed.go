// Package feed adapts external market-data sources into a stream of price
// ticks for the matching engine. The tick producer itself (exchange
// import, vendor API) lives outside this process.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/model"
)

// Feed is a source of price ticks.
type Feed interface {
	// Subscribe returns a channel of ticks. The channel closes when ctx is
	// cancelled or the source disconnects.
	Subscribe(ctx context.Context) (<-chan model.Tick, error)
}

// SimFeed is an in-process feed fed by Push. Used in development and tests.
type SimFeed struct {
	mu   sync.Mutex
	subs []chan model.Tick
}

// NewSimFeed creates an empty simulated feed.
func NewSimFeed() *SimFeed {
	return &SimFeed{}
}

// Subscribe implements Feed.
func (f *SimFeed) Subscribe(ctx context.Context) (<-chan model.Tick, error) {
	ch := make(chan model.Tick, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// Push delivers a tick to all subscribers, dropping it for any subscriber
// whose buffer is full.
func (f *SimFeed) Push(symbol string, price decimal.Decimal) {
	t := model.Tick{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
