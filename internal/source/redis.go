package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Redis reads a document stored as a string value and watches a pub/sub
// channel that publishers notify after writing it.
type Redis struct {
	client  redisClient
	key     string
	channel string
}

func NewRedis(client redisClient, key, channel string) *Redis {
	return &Redis{client: client, key: key, channel: channel}
}

func (r *Redis) Fetch(ctx context.Context) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis key %q: %w", r.key, ErrNotFound)
		}
		return nil, fmt.Errorf("redis get %q: %w", r.key, err)
	}
	return raw, nil
}

// Watch subscribes to the update channel. Message payloads are ignored; any
// message means the key should be read again.
func (r *Redis) Watch(ctx context.Context) (<-chan struct{}, error) {
	if r.channel == "" {
		return nil, errors.New("redis update channel is not configured")
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", r.channel, err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				notify(changes)
			}
		}
	}()

	return changes, nil
}
