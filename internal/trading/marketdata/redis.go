package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TickerClient is the subset of *redis.Client the ticker cache uses.
type TickerClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisTicker keeps the latest ticker per pair in a Redis hash and
// publishes every tick on the pair's channel.
type RedisTicker struct {
	client     TickerClient
	expiration time.Duration
}

var _ Broadcaster = (*RedisTicker)(nil)

func NewRedisTicker(client TickerClient, expiration time.Duration) *RedisTicker {
	return &RedisTicker{client: client, expiration: expiration}
}

func (r *RedisTicker) Name() string { return "redis" }

// TickerKey returns the hash holding the pair's ticker
func TickerKey(pair string) string {
	return fmt.Sprintf("ticker:%s", pair)
}

// ChannelName returns the pub/sub channel for the pair's ticks
func ChannelName(pair string) string {
	return fmt.Sprintf("market:%s", pair)
}

func (r *RedisTicker) BroadcastTick(ctx context.Context, tick Tick) error {
	key := TickerKey(tick.Pair)
	err := r.client.HSet(ctx, key,
		"last_price", tick.LastPrice.String(),
		"high_24h", tick.High24h.String(),
		"low_24h", tick.Low24h.String(),
		"volume_24h", tick.Volume24h.String(),
		"updated_at", tick.Time.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if r.expiration > 0 {
		if err := r.client.Expire(ctx, key, r.expiration).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, ChannelName(tick.Pair), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelName(tick.Pair), err)
	}
	return nil
}
