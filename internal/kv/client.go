// Package kv wraps the Redis substrate shared by all services: streams with
// consumer groups for the ingest path, hashes and sorted sets for live
// transcript state, and pub/sub channels for the fan-out path.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection.
type Client struct {
	*redis.Client
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{Client: rdb}, nil
}

// PublishJSON marshals nothing: the caller passes pre-encoded JSON. Kept as a
// named helper so publish sites read uniformly.
func (c *Client) PublishJSON(ctx context.Context, channel string, payload []byte) error {
	return c.Publish(ctx, channel, payload).Err()
}

// AddToStream appends a single-field entry {"payload": data} to a stream.
// Every stream in this system uses the single payload field convention.
func (c *Client) AddToStream(ctx context.Context, stream string, data []byte) (string, error) {
	id, err := c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}
