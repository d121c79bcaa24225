package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Publish sends a message on a pub/sub channel. Used for control signals and
// as the low-latency complement to the durable event stream.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.withDeadline(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, message).Err()
	})
}

// Subscription wraps a go-redis PubSub with a typed receive loop.
type Subscription struct {
	ps *redis.PubSub
}

// Subscribe opens a subscription to one or more channels. Callers must call
// Close when done to release the connection back to the pool.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *Subscription {
	return &Subscription{ps: c.rdb.Subscribe(ctx, channels...)}
}

// Receive blocks until a message arrives, ctx is cancelled, or the
// subscription is closed.
func (s *Subscription) Receive(ctx context.Context) (channel, payload string, err error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", "", err
	}
	return msg.Channel, msg.Payload, nil
}

// Close terminates the subscription.
func (s *Subscription) Close() error { return s.ps.Close() }
