package lock

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client, "")
}

func TestRedisBackend_AcquireAndContention(t *testing.T) {
	b := redisBackend(t)

	ok, err := b.TryAcquire(Info{ResourceID: "res", OwnerID: "a", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(Info{ResourceID: "res", OwnerID: "b", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_SameOwnerReacquire(t *testing.T) {
	b := redisBackend(t)

	ok, err := b.TryAcquire(Info{ResourceID: "res", OwnerID: "a", TaskID: "t1", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(Info{ResourceID: "res", OwnerID: "a", TaskID: "t2", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := b.ReadInfo("res")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "t2", info.TaskID)
}

func TestRedisBackend_CompareAndDeleteRelease(t *testing.T) {
	b := redisBackend(t)

	ok, err := b.TryAcquire(Info{ResourceID: "res", OwnerID: "owner", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A different owner's release must not remove the record.
	require.NoError(t, b.Release("res", "intruder"))
	info, err := b.ReadInfo("res")
	require.NoError(t, err)
	assert.NotNil(t, info)

	require.NoError(t, b.Release("res", "owner"))
	info, err = b.ReadInfo("res")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRedisBackend_ManagerIntegration(t *testing.T) {
	b := redisBackend(t)
	m := NewManager(b, ManagerConfig{
		OwnerID: "agent", StaleAfter: time.Minute, RetryCount: 2, BackoffBase: time.Millisecond,
	}, nil)

	require.NoError(t, m.Acquire("spreadsheet-1", "task-9"))
	assert.True(t, m.IsHeld("spreadsheet-1"))
	require.NoError(t, m.Release("spreadsheet-1"))
}
