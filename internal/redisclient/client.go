package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_idempotency.lua
var claimIdempotencyScript string

//go:embed scripts/release_idempotency.lua
var releaseIdempotencyScript string

// InFlightMarker is stored under an idempotency key while the owning request runs
const InFlightMarker = "__in_flight__"

// ErrInFlight is returned by ClaimIdempotencyKey when another request holds the key
var ErrInFlight = errors.New("idempotency key in flight")

type Client struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimIdempotencyScript),
		releaseScript: redis.NewScript(releaseIdempotencyScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// ClaimIdempotencyKey atomically reads a stored result or claims the key for
// the caller. It returns (value, true, nil) on a stored result, ("", false, nil)
// when the caller now owns the key, and ErrInFlight when another request does.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, inFlightTTL time.Duration) (string, bool, error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{idempotencyKey(key)},
		InFlightMarker, inFlightTTL.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency script failed: %w", err)
	}

	value, ok := result.(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected script result type")
	}
	if value == InFlightMarker {
		return "", false, ErrInFlight
	}
	return value, true, nil
}

// SetIdempotencyKey stores the final result for an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, ttl).Err()
}

// ReleaseIdempotencyKey drops an in-flight claim, leaving committed results alone
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, InFlightMarker).Err(); err != nil {
		return fmt.Errorf("release idempotency script failed: %w", err)
	}
	return nil
}

// Publish broadcasts a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}
