package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PubSubMessage is one message received from a distributed channel.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live feed from one or more channels. Close terminates
// the feed and releases the underlying consumer; the Messages channel is
// closed afterwards.
type Subscription interface {
	Messages() <-chan PubSubMessage
	Close() error
}

// Transport is the distributed publish/subscribe backbone shared by all
// gateway instances. The connection behind it is shared read-only; nothing
// reconfigures it after startup.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
}

// redisTransport implements Transport on a go-redis client.
type redisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) Transport {
	return &redisTransport{client: client}
}

func (t *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

func (t *redisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", channels, err)
	}
	return newRedisSubscription(pubsub), nil
}

func (t *redisTransport) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	pubsub := t.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis psubscribe %v: %w", patterns, err)
	}
	return newRedisSubscription(pubsub), nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan PubSubMessage
}

func newRedisSubscription(pubsub *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan PubSubMessage),
	}
	go s.pump()
	return s
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- PubSubMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan PubSubMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
