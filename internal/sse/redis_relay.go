package sse

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"

	"github.com/go-redis/redis/v8"
)

// RedisRelay carries status events between processes over Redis pub/sub,
// so transitions made by the expiry worker reach API subscribers.
type RedisRelay struct {
	Client  *redis.Client
	Channel string
	Emitter *StatusEmitter
	Logger  *logger.Logger
}

func NewRedisRelay(client *redis.Client, channel string, emitter *StatusEmitter, log *logger.Logger) *RedisRelay {
	return &RedisRelay{
		Client:  client,
		Channel: channel,
		Emitter: emitter,
		Logger:  log,
	}
}

func (r *RedisRelay) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.Channel, body).Err(); err != nil {
		return fmt.Errorf("publish status for %s: %w", ev.UUID, err)
	}
	return nil
}

// Run forwards every event on the channel to the local emitter until ctx
// is done. ready is closed once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.Client.Subscribe(ctx, r.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.Logger.Info("SSE", fmt.Sprintf("Relaying order status events from channel %s", r.Channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.Logger.Error("SSE", fmt.Sprintf("Dropping malformed status event: %v", err))
				continue
			}
			r.Emitter.Emit(ev)
		}
	}
}
