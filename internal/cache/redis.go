package cache

import (
	"context"
	"errors"
	"time"

	"go-groupchat/internal/chat"

	"github.com/redis/go-redis/v9"
)

const (
	revokedPrefix  = "jwt:blacklist:"
	presencePrefix = "presence:"
)

// Redis holds state shared by every server instance: revoked tokens and
// per-identity connection counts.
type Redis struct {
	client      redis.Cmdable
	presenceTTL time.Duration
}

// New wraps client. presenceTTL bounds how long a counter survives an
// instance that died without decrementing it; zero means one day.
func New(client redis.Cmdable, presenceTTL time.Duration) *Redis {
	if presenceTTL <= 0 {
		presenceTTL = 24 * time.Hour
	}
	return &Redis{client: client, presenceTTL: presenceTTL}
}

func revokedKey(token string) string      { return revokedPrefix + token }
func presenceKey(id chat.Identity) string { return presencePrefix + string(id) }

func (r *Redis) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return r.client.Set(ctx, revokedKey(token), 1, ttl).Err()
}

func (r *Redis) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Online counts one more live connection for id.
func (r *Redis) Online(ctx context.Context, id chat.Identity) error {
	key := presenceKey(id)
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Offline counts one connection fewer and forgets id at zero.
func (r *Redis) Offline(ctx context.Context, id chat.Identity) error {
	key := presenceKey(id)
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, id chat.Identity) (bool, error) {
	n, err := r.client.Get(ctx, presenceKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
