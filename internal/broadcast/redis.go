package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster implements Broadcaster on Redis pub/sub. One channel per
// job id; Redis preserves publish order per channel and drops messages with
// no subscriber, which is exactly the contract Publish promises.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func channelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("events:job:%s", jobID)
}

func (b *RedisBroadcaster) Publish(ctx context.Context, jobID uuid.UUID, message string) error {
	if err := b.client.Publish(ctx, channelKey(jobID), message).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, jobID uuid.UUID) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channelKey(jobID))

	// confirm the subscription before handing it out, so a Publish that
	// happens after Subscribe returns is never missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe job events: %w", err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan string, 16)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan string
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- msg.Payload
	}
}

func (s *redisSubscription) Messages() <-chan string { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }

var _ Broadcaster = (*RedisBroadcaster)(nil)
