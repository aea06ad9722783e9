package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/papersim/brokerage/internal/model"
)

// RedisFeed consumes ticks published to a Redis channel as JSON
// {"symbol","price","timestamp"} messages.
type RedisFeed struct {
	rdb     *redis.Client
	channel string
}

// NewRedisFeed creates a feed reading from the given pub/sub channel.
func NewRedisFeed(rdb *redis.Client, channel string) *RedisFeed {
	return &RedisFeed{rdb: rdb, channel: channel}
}

// Subscribe implements Feed. Malformed messages are logged and dropped.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan model.Tick, error) {
	sub := f.rdb.Subscribe(ctx, f.channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan model.Tick, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var t model.Tick
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					slog.Warn("malformed tick dropped", "channel", f.channel, "err", err)
					continue
				}
				out <- t
			}
		}
	}()
	return out, nil
}
