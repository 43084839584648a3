package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to TEST_REDIS_ADDR; the tests are skipped without it
func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires TEST_REDIS_ADDR")
	}

	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIdempotencyClaimLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.New().String()

	value, found, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)

	_, _, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, c.SetIdempotencyKey(ctx, key, `{"redemption_id":1}`, time.Minute))

	// a stored result is not removed by a late release
	require.NoError(t, c.ReleaseIdempotencyKey(ctx, key))

	value, found, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"redemption_id":1}`, value)
}

func TestReleaseDropsInFlightClaim(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.New().String()

	_, _, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseIdempotencyKey(ctx, key))

	_, found, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishReachesSubscriber(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "test:" + uuid.New().String()
	sub := c.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, channel, "hello"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Payload)
}
