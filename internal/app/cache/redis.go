package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/errors"
)

// Redis is the shared cache backend. One hash per deployment-key
// namespace keeps invalidation a single DEL regardless of how many
// request shapes were cached under it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis wraps an already-connected client. A non-positive ttl lets
// entries live until invalidated.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, prefix: "updatecheck:"}
}

func (r *Redis) Get(ctx context.Context, key Key) (resolver.PackageInfo, error) {
	raw, err := r.client.HGet(ctx, r.prefix+key.DeploymentKeyHash, key.Fingerprint).Result()
	if err == redis.Nil {
		return resolver.PackageInfo{}, ErrMiss
	}
	if err != nil {
		return resolver.PackageInfo{}, errors.Wrap(errors.KindConnectionFailed, "cache read failed", err)
	}

	var value resolver.PackageInfo
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// A corrupt entry behaves like an absent one.
		return resolver.PackageInfo{}, ErrMiss
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value resolver.PackageInfo) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Otherf("encode cache entry: %v", err)
	}

	name := r.prefix + key.DeploymentKeyHash
	if err := r.client.HSet(ctx, name, key.Fingerprint, raw).Err(); err != nil {
		return errors.Wrap(errors.KindConnectionFailed, "cache write failed", err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, name, r.ttl).Err(); err != nil {
			return errors.Wrap(errors.KindConnectionFailed, "cache expire failed", err)
		}
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, deploymentKey string) error {
	if err := r.client.Del(ctx, r.prefix+HashDeploymentKey(deploymentKey)).Err(); err != nil {
		return errors.Wrap(errors.KindConnectionFailed, "cache invalidate failed", err)
	}
	return nil
}
