package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the relay writes.
const DefaultKeyPrefix = "smshook"

func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func key(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	k := prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
