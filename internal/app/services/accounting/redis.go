package accounting

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/errors"
)

// RedisStore keeps counters and active-label records in redis hashes, one
// pair of hashes per deployment key. Deployment keys are hashed before
// they become key names.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) countersKey(deploymentKey string) string {
	return "metrics:" + cache.HashDeploymentKey(deploymentKey)
}

func (r *RedisStore) activeKey(deploymentKey string) string {
	return "active:" + cache.HashDeploymentKey(deploymentKey)
}

func (r *RedisStore) Increment(ctx context.Context, deploymentKey, label, status string) error {
	err := r.client.HIncrBy(ctx, r.countersKey(deploymentKey), counterField(label, status), 1).Err()
	return wrap(err)
}

func (r *RedisStore) Decrement(ctx context.Context, deploymentKey, label, status string) error {
	err := r.client.HIncrBy(ctx, r.countersKey(deploymentKey), counterField(label, status), -1).Err()
	return wrap(err)
}

func (r *RedisStore) ActiveLabel(ctx context.Context, deploymentKey, clientID string) (string, error) {
	label, err := r.client.HGet(ctx, r.activeKey(deploymentKey), clientID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", wrap(err)
	}
	return label, nil
}

func (r *RedisStore) SetActiveLabel(ctx context.Context, deploymentKey, clientID, label string) error {
	return wrap(r.client.HSet(ctx, r.activeKey(deploymentKey), clientID, label).Err())
}

func (r *RedisStore) ClearActiveLabel(ctx context.Context, deploymentKey, clientID string) error {
	return wrap(r.client.HDel(ctx, r.activeKey(deploymentKey), clientID).Err())
}

func (r *RedisStore) Summary(ctx context.Context, deploymentKey string) (map[string]int64, error) {
	fields, err := r.client.HGetAll(ctx, r.countersKey(deploymentKey)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make(map[string]int64, len(fields))
	for field, raw := range fields {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[field] = count
	}
	return out, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.KindConnectionFailed, "metrics backend failure", err)
}
