package feed

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stockbook/backend/internal/domain"
)

const DefaultChannel = "stockbook:changes"

// RedisRelay carries change notices between instances that share one
// database. Messages are "<instance>|<collection>"; an instance ignores its
// own messages because it already notified local subscribers.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
}

func NewRedisRelay(client *redis.Client, channel string, instanceID string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{client: client, channel: channel, instanceID: instanceID}
}

func (r *RedisRelay) Publish(ctx context.Context, collection string) error {
	return r.client.Publish(ctx, r.channel, r.instanceID+"|"+collection).Err()
}

// Run forwards remote notices to hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			origin, collection, found := strings.Cut(msg.Payload, "|")
			if !found || origin == r.instanceID || !domain.IsCollection(collection) {
				continue
			}
			log.Debug().Str("origin", origin).Str("collection", collection).Msg("[feed] remote change")
			hub.NotifyLocal(collection)
		}
	}
}
