package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const localQueueSize = 1024

type publication struct {
	channel string
	env     *Envelope
}

// LocalBroker delivers events inside a single process. All publications
// pass through one dispatch goroutine so subscribers observe them in
// publish order.
type LocalBroker struct {
	log      *zap.Logger
	queue    chan publication
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

func NewLocalBroker(log *zap.Logger) *LocalBroker {
	b := &LocalBroker{
		log:      log,
		queue:    make(chan publication, localQueueSize),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}

	b.wg.Add(1)
	go b.dispatch()

	return b
}

func (b *LocalBroker) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case p := <-b.queue:
			b.mu.RLock()
			h := b.handlers[p.channel]
			b.mu.RUnlock()

			if h != nil {
				h(p.channel, p.env)
			}
		case <-b.done:
			return
		}
	}
}

func (b *LocalBroker) Publish(ctx context.Context, channel string, env *Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case b.queue <- publication{channel: channel, env: env}:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.handlers[channel] = h
	b.log.Debug("subscribed", zap.String("channel", channel))
	return nil
}

func (b *LocalBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	b.log.Debug("unsubscribed", zap.String("channel", channel))
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
