package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisStore(client)
	identity := "test-" + uuid.NewString()
	now := time.Now()

	ok, err := store.TryEvaluate(ctx, identity, now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryEvaluate(ctx, identity, now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "inside cooldown")

	ok, err = store.TryEvaluate(ctx, identity, now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "cooldown elapsed")

	day := Day(now)
	n, err := store.CasesOn(ctx, identity, day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.AddCase(ctx, identity, day)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CasesOn(ctx, identity, Day(now.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "new day starts at zero")
}
