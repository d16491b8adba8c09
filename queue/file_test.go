package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileQueue_PushPopFIFO(t *testing.T) {
	q := NewFileQueue(t.TempDir(), 10*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, q.Push(ctx, "tasks", payload))
	}

	for i := 0; i < 5; i++ {
		envelope, err := q.Pop(ctx, "tasks", time.Second)
		require.NoError(t, err)
		require.NotNil(t, envelope)

		var decoded map[string]int
		require.NoError(t, json.Unmarshal(envelope, &decoded))
		assert.Equal(t, i, decoded["n"], "single-producer FIFO order")
	}
}

func TestFileQueue_PopTimeoutReturnsNil(t *testing.T) {
	q := NewFileQueue(t.TempDir(), 10*time.Millisecond, nil)

	start := time.Now()
	envelope, err := q.Pop(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, envelope)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFileQueue_PopSeesLatePush(t *testing.T) {
	q := NewFileQueue(t.TempDir(), 10*time.Millisecond, nil)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		payload, _ := json.Marshal(map[string]string{"task_id": "late"})
		_ = q.Push(ctx, "tasks", payload)
	}()

	envelope, err := q.Pop(ctx, "tasks", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, envelope)
}

func TestFileQueue_ConcurrentConsumersNoDoubleDelivery(t *testing.T) {
	q := NewFileQueue(t.TempDir(), 5*time.Millisecond, nil)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, q.Push(ctx, "tasks", payload))
	}

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				envelope, err := q.Pop(ctx, "tasks", 100*time.Millisecond)
				if err != nil || envelope == nil {
					return
				}
				var decoded map[string]int
				if err := json.Unmarshal(envelope, &decoded); err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[decoded["n"]]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for n, count := range seen {
		assert.Equal(t, 1, count, fmt.Sprintf("envelope %d delivered once", n))
	}
}

func TestFileQueue_Depth(t *testing.T) {
	q := NewFileQueue(t.TempDir(), 10*time.Millisecond, nil)
	ctx := context.Background()

	depth, err := q.Depth("tasks")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	require.NoError(t, q.Push(ctx, "tasks", json.RawMessage(`{}`)))
	require.NoError(t, q.Push(ctx, "tasks", json.RawMessage(`{}`)))

	depth, err = q.Depth("tasks")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestNew_SelectsFileBackend(t *testing.T) {
	q, err := New(Config{Backend: "file", Root: t.TempDir()}, nil)
	require.NoError(t, err)
	defer q.Close()
	_, ok := q.(*FileQueue)
	assert.True(t, ok)
}

func TestNew_FallsBackWhenBrokerUnreachable(t *testing.T) {
	q, err := New(Config{
		Backend:           "redis",
		Root:              t.TempDir(),
		URL:               "redis://127.0.0.1:1/0",
		ReconnectAttempts: 1,
	}, nil)
	require.NoError(t, err)
	defer q.Close()
	_, ok := q.(*FileQueue)
	assert.True(t, ok, "unreachable broker falls back to file backend")
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "kafka"}, nil)
	assert.Error(t, err)
}
