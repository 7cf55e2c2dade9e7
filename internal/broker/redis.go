package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-swapchat/internal/stats"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// RedisBroker fans events out through redis pub/sub. Events published by
// this process come back through redis like those of any other process.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger
	stats  stats.StatsProvider

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRedisBroker connects to the redis at url and fails if it cannot be
// reached.
func NewRedisBroker(ctx context.Context, url string, log *zap.Logger, sp stats.StatsProvider) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	return NewRedisBrokerWithClient(ctx, redis.NewClient(opts), log, sp)
}

func NewRedisBrokerWithClient(ctx context.Context, client *redis.Client, log *zap.Logger, sp stats.StatsProvider) (*RedisBroker, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping broker: %w", err)
	}

	sp.RegisterCounter(stats.BrokerReconnects, "Number of times the broker receive loop had to recover from an error.")

	b := &RedisBroker{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		log:      log,
		stats:    sp,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.receive()

	return b, nil
}

func (b *RedisBroker) receive() {
	defer b.wg.Done()

	backoff := minBackoff
	for {
		msg, err := b.pubsub.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}

			b.log.Error("broker receive failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			b.stats.Incr(stats.BrokerReconnects)

			select {
			case <-time.After(backoff):
			case <-b.done:
				return
			}

			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Error("dropping malformed envelope",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}

		b.mu.RLock()
		h := b.handlers[msg.Channel]
		b.mu.RUnlock()

		if h != nil {
			h(msg.Channel, &env)
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.handlers[channel] = h
	b.mu.Unlock()

	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		b.mu.Lock()
		delete(b.handlers, channel)
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.log.Debug("subscribed", zap.String("channel", channel))
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()

	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}

	b.log.Debug("unsubscribed", zap.String("channel", channel))
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()

	if cerr := b.client.Close(); err == nil {
		err = cerr
	}

	return err
}
