package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/redis/go-redis/v9"
)

// RedisBus maps each chat group onto a Redis pub/sub channel.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an existing client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// RedisKey is the pub/sub channel name used for ch.
func RedisKey(ch chanalloc.Channel) string {
	return fmt.Sprintf("taskboard:chat:%s:%d", ch.Address, ch.Port)
}

// Publish sends text to every listener of ch.
func (b *RedisBus) Publish(ctx context.Context, ch chanalloc.Channel, text string) error {
	return b.rdb.Publish(ctx, RedisKey(ch), truncate(text)).Err()
}

type redisSubscription struct {
	ps   *redis.PubSub
	msgs chan string
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan string { return s.msgs }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *RedisBus) Subscribe(ctx context.Context, ch chanalloc.Channel) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, RedisKey(ch))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", RedisKey(ch), err)
	}

	sub := &redisSubscription{ps: ps, msgs: make(chan string, 64)}
	go func() {
		defer close(sub.msgs)
		for m := range ps.Channel() {
			select {
			case sub.msgs <- m.Payload:
			default:
			}
		}
	}()
	return sub, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
