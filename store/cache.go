package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	keyAgents   = "leaddesk:ref:agents"
	keyStatuses = "leaddesk:ref:statuses"
)

// SnapshotCache shares reference snapshots between sessions so that a burst
// of logins does not re-read the roster once per user.
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{})
	Invalidate(ctx context.Context, key string)
}

type noCache struct{}

func (noCache) Get(context.Context, string, interface{}) bool { return false }
func (noCache) Set(context.Context, string, interface{}) {}
func (noCache) Invalidate(context.Context, string) {}

// RedisSnapshots stores snapshots as JSON with a TTL. Errors degrade to a
// cache miss.
type RedisSnapshots struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

func NewRedisSnapshots(client *redis.Client, ttl time.Duration, log *logrus.Entry) *RedisSnapshots {
	return &RedisSnapshots{client: client, ttl: ttl, log: log}
}

func (c *RedisSnapshots) Get(ctx context.Context, key string, dest interface{}) bool {
	str, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Warn("snapshot read failed")
		}
		return false
	}
	if err := json.Unmarshal([]byte(str), dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("snapshot decode failed")
		return false
	}
	return true
}

func (c *RedisSnapshots) Set(ctx context.Context, key string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("snapshot write failed")
	}
}

func (c *RedisSnapshots) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("snapshot invalidate failed")
	}
}
