package cache

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds the go-redis client used by NewRedis, split out
// so main can construct it once and reuse it for anything else that
// might want a direct handle (metrics, health checks).
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// NewRedisWithURL is a convenience wrapper combining NewRedisClient and
// NewRedis for the common case where main doesn't need the raw client.
func NewRedisWithURL(url, keyPrefix string, ttlSeconds int, logger hclog.Logger) (*Redis, error) {
	client, err := NewRedisClient(url)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return NewRedis(client, keyPrefix, ttl, logger), nil
}
