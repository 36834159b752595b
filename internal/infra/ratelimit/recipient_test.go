package ratelimit_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/infra/ratelimit"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "medinotify:ratelimit:+15551234567", ratelimit.Key("+15551234567"))
}

func TestAllow_DisabledLimitSkipsRedis(t *testing.T) {
	// Nothing listens on this address; a disabled limit must not dial.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	limiter := ratelimit.NewRedisRecipientLimiterWithClient(client, 0)
	defer limiter.Close()

	ok, err := limiter.Allow(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_RedisDownReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	limiter := ratelimit.NewRedisRecipientLimiterWithClient(client, 3)
	defer limiter.Close()

	ok, err := limiter.Allow(context.Background(), "jane@example.com")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "checking recipient rate limit")
}
