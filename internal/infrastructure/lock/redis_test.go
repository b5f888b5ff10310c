package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l := NewRedisLocker(newTestRedisClient(t), "test:")
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, unlock(ctx))

	unlock, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlock(ctx))
}

func TestRedisLocker_ExpiredHolderCannotRelease(t *testing.T) {
	client := newTestRedisClient(t)
	l := NewRedisLocker(client, "test:")
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "sweep", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))
	exists, err := client.Exists(ctx, "test:sweep").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "the new holder keeps its lock")
}

func TestRedisLocker_RejectsZeroTTL(t *testing.T) {
	l := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	_, ok, err := l.TryLock(context.Background(), "sweep", 0)
	assert.Error(t, err)
	assert.False(t, ok)
}
