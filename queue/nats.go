package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces every overseer queue subject.
const subjectPrefix = "overseer.queue."

// NATSQueue implements Queue over core NATS. Push publishes to
// overseer.queue.<name>; pop reads from a queue-group subscription, so
// multiple agent processes on the same queue split the work. NATS handles
// reconnection internally with bounded retries.
type NATSQueue struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSQueue connects to a NATS server at url.
func NewNATSQueue(url string, logger *slog.Logger) (*NATSQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSQueue{conn: conn, logger: logger}, nil
}

// Push implements Queue.
func (q *NATSQueue) Push(ctx context.Context, queueName string, envelope json.RawMessage) error {
	if err := q.conn.Publish(subjectPrefix+queueName, envelope); err != nil {
		return &Error{Backend: "nats", Op: "push", Err: err}
	}
	return nil
}

// Pop implements Queue. Each call opens a short-lived queue-group
// subscription and waits up to timeout for one message.
func (q *NATSQueue) Pop(ctx context.Context, queueName string, timeout time.Duration) (json.RawMessage, error) {
	sub, err := q.conn.QueueSubscribeSync(subjectPrefix+queueName, queueName+"-workers")
	if err != nil {
		return nil, &Error{Backend: "nats", Op: "pop", Err: err}
	}
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Backend: "nats", Op: "pop", Err: err}
	}
	return msg.Data, nil
}

// Publish sends a fire-and-forget event notification.
func (q *NATSQueue) Publish(ctx context.Context, subject string, payload json.RawMessage) error {
	if err := q.conn.Publish("overseer.events."+subject, payload); err != nil {
		return &Error{Backend: "nats", Op: "publish", Err: err}
	}
	return nil
}

// Subscribe delivers messages on an event subject to handler until ctx is
// done.
func (q *NATSQueue) Subscribe(ctx context.Context, subject string, handler func(json.RawMessage)) error {
	sub, err := q.conn.Subscribe("overseer.events."+subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return &Error{Backend: "nats", Op: "subscribe", Err: err}
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// Close implements Queue.
func (q *NATSQueue) Close() error {
	q.conn.Close()
	return nil
}
