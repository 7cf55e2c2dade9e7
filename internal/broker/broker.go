package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("broker closed")

// Envelope is the unit carried on a channel. Data is already encoded so
// every subscriber receives the same bytes.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func NewEnvelope(event string, data any) (*Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}

	return &Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      b,
	}, nil
}

// Handler is invoked for every envelope published on a subscribed
// channel. Handlers run on the broker's dispatch goroutine and must not
// block.
type Handler func(channel string, env *Envelope)

// Broker fans events out to every process subscribed to a channel. A
// process holds at most one subscription per channel.
type Broker interface {
	Publish(ctx context.Context, channel string, env *Envelope) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// Channels builds channel names under a common prefix so several
// deployments can share one redis.
type Channels struct {
	Prefix string
}

func (c Channels) Conversation(id string) string {
	return c.Prefix + ":conversation:" + id
}

func (c Channels) User(id string) string {
	return c.Prefix + ":user:" + id
}
