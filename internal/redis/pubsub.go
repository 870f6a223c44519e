package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/realtime"
)

// PoolFeed carries pool change events over Redis Pub/Sub, one channel per
// pool. It is both the realtime Source and Publisher.
type PoolFeed struct {
	client *redis.Client
	buffer int
	log    zerolog.Logger
}

func NewPoolFeed(client *redis.Client, buffer int, log zerolog.Logger) *PoolFeed {
	return &PoolFeed{
		client: client,
		buffer: buffer,
		log:    log.With().Str("component", "pool_feed").Logger(),
	}
}

func feedChannel(poolKey string) string {
	return "queue:pool:" + poolKey
}

func (f *PoolFeed) Publish(ctx context.Context, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal pool event: %w", err)
	}
	if err := f.client.Publish(ctx, feedChannel(ev.PoolKey), data).Err(); err != nil {
		return fmt.Errorf("publish pool event: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated Pub/Sub connection for the pool. The
// subscription ends when the connection's channel closes.
func (f *PoolFeed) Subscribe(ctx context.Context, poolKey string) (*realtime.Subscription, error) {
	ps := f.client.Subscribe(ctx, feedChannel(poolKey))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", poolKey, err)
	}

	sub := realtime.NewSubscription(poolKey, f.buffer, func() { _ = ps.Close() })
	go f.receive(ps, sub)
	return sub, nil
}

func (f *PoolFeed) receive(ps *redis.PubSub, sub *realtime.Subscription) {
	defer sub.Close()

	ch := ps.Channel()
	for {
		select {
		case <-sub.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				f.log.Warn().Str("pool", sub.PoolKey()).Msg("redis subscription channel closed")
				return
			}

			var ev realtime.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.log.Error().Err(err).Str("channel", msg.Channel).Msg("failed to decode pool event")
				continue
			}
			if !sub.Deliver(ev) {
				return
			}
		}
	}
}
