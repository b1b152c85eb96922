package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only while it still holds the owner's
// token, so an expired lock taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a best effort mutual exclusion lock on a single key with a TTL.
type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// Acquire takes key for owner. It reports false when another owner holds it.
func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, owner, ttl).Result()
}

// Release frees key if owner still holds it.
func (r *Redis) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, r.Client, []string{key}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Holder returns the current owner of key, or "" when it is free.
func (r *Redis) Holder(ctx context.Context, key string) (string, error) {
	owner, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
