package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client, 2, nil)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueue_PushPopFIFO(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, q.Push(ctx, "tasks", payload))
	}

	for i := 0; i < 3; i++ {
		envelope, err := q.Pop(ctx, "tasks", time.Second)
		require.NoError(t, err)
		require.NotNil(t, envelope)

		var decoded map[string]int
		require.NoError(t, json.Unmarshal(envelope, &decoded))
		assert.Equal(t, i, decoded["n"])
	}
}

func TestRedisQueue_Depth(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "tasks", json.RawMessage(`{"a":1}`)))
	depth, err := q.Depth(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRedisQueue_RetryBudgetExhausted(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	q := NewRedisQueueFromClient(client, 2, nil)
	defer q.Close()

	err := q.Push(context.Background(), "tasks", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, IsQueueError(err))
}
