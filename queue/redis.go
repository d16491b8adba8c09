package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over redis lists: push is LPUSH under a
// namespaced key, pop is a blocking BRPOP with the caller's timeout.
// Operations reconnect with exponential backoff up to a bounded attempt
// count; the final failure propagates as a typed *Error.
type RedisQueue struct {
	client            *redis.Client
	reconnectAttempts int
	logger            *slog.Logger
}

// NewRedisQueue connects to redis at url and verifies the connection.
func NewRedisQueue(url string, reconnectAttempts int, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectAttempts <= 0 {
		reconnectAttempts = 5
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisQueue{client: client, reconnectAttempts: reconnectAttempts, logger: logger}, nil
}

// NewRedisQueueFromClient wraps an existing client (used by tests).
func NewRedisQueueFromClient(client *redis.Client, reconnectAttempts int, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectAttempts <= 0 {
		reconnectAttempts = 5
	}
	return &RedisQueue{client: client, reconnectAttempts: reconnectAttempts, logger: logger}
}

func queueKey(queueName string) string {
	return "overseer:queue:" + queueName
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, queueName string, envelope json.RawMessage) error {
	err := q.withRetry(ctx, "push", func() error {
		return q.client.LPush(ctx, queueKey(queueName), []byte(envelope)).Err()
	})
	return err
}

// Pop implements Queue. A timeout with no message returns (nil, nil).
func (q *RedisQueue) Pop(ctx context.Context, queueName string, timeout time.Duration) (json.RawMessage, error) {
	var payload json.RawMessage
	err := q.withRetry(ctx, "pop", func() error {
		res, err := q.client.BRPop(ctx, timeout, queueKey(queueName)).Result()
		if err == redis.Nil {
			payload = nil
			return nil
		}
		if err != nil {
			return err
		}
		// BRPOP returns [key, value].
		if len(res) == 2 {
			payload = json.RawMessage(res[1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Publish sends a fire-and-forget notification on a pub/sub channel.
func (q *RedisQueue) Publish(ctx context.Context, channel string, payload json.RawMessage) error {
	return q.withRetry(ctx, "publish", func() error {
		return q.client.Publish(ctx, "overseer:events:"+channel, []byte(payload)).Err()
	})
}

// Subscribe delivers messages from a pub/sub channel to handler until ctx is
// done.
func (q *RedisQueue) Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error {
	sub := q.client.Subscribe(ctx, "overseer:events:"+channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return &Error{Backend: "redis", Op: "subscribe", Err: fmt.Errorf("subscription closed")}
			}
			handler(json.RawMessage(msg.Payload))
		}
	}
}

// Depth returns the pending length of the named queue.
func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int, error) {
	n, err := q.client.LLen(ctx, queueKey(queueName)).Result()
	if err != nil {
		return 0, &Error{Backend: "redis", Op: "depth", Err: err}
	}
	return int(n), nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// withRetry runs op, retrying transient failures with exponential backoff up
// to the reconnect budget.
func (q *RedisQueue) withRetry(ctx context.Context, opName string, op func() error) error {
	wait := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < q.reconnectAttempts; attempt++ {
		if attempt > 0 {
			q.logger.Warn("Retrying redis operation",
				slog.String("op", opName), slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return &Error{Backend: "redis", Op: opName, Err: ctx.Err()}
			case <-time.After(wait):
			}
			wait *= 2
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
	}
	return &Error{Backend: "redis", Op: opName, Err: lastErr}
}
