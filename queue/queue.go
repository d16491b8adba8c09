// Package queue provides the transport abstraction that decouples agents
// from producers: named FIFO queues with push/pop over a file backend or a
// broker backend (redis list semantics, NATS pub/sub).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Queue is the two-operation transport contract.
type Queue interface {
	// Push enqueues one envelope on the named queue.
	Push(ctx context.Context, queueName string, envelope json.RawMessage) error

	// Pop dequeues the oldest envelope, blocking up to timeout. Returns
	// (nil, nil) when nothing arrives in time.
	Pop(ctx context.Context, queueName string, timeout time.Duration) (json.RawMessage, error)

	// Close releases backend resources.
	Close() error
}

// Error is a typed transport failure (broker unreachable past the reconnect
// budget, unreadable queue directory).
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("queue %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsQueueError reports whether err is a transport failure.
func IsQueueError(err error) bool {
	var qe *Error
	return errors.As(err, &qe)
}

// Config selects and tunes a backend.
type Config struct {
	// Backend is "file", "redis", or "nats".
	Backend string

	// Root is the file backend's queue root directory.
	Root string

	// URL is the broker connection URL.
	URL string

	// PollInterval is the file backend's poll interval.
	PollInterval time.Duration

	// ReconnectAttempts bounds broker reconnects before an operation fails.
	ReconnectAttempts int
}

// New selects a backend from config. When a broker backend is requested but
// unreachable, it falls back to the file backend with a warning rather than
// failing.
func New(cfg Config, logger *slog.Logger) (Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", "file":
		return NewFileQueue(cfg.Root, cfg.PollInterval, logger), nil
	case "redis":
		q, err := NewRedisQueue(cfg.URL, cfg.ReconnectAttempts, logger)
		if err != nil {
			logger.Warn("Redis queue unavailable, falling back to file backend",
				slog.String("url", cfg.URL), slog.String("error", err.Error()))
			return NewFileQueue(cfg.Root, cfg.PollInterval, logger), nil
		}
		return q, nil
	case "nats":
		q, err := NewNATSQueue(cfg.URL, logger)
		if err != nil {
			logger.Warn("NATS queue unavailable, falling back to file backend",
				slog.String("url", cfg.URL), slog.String("error", err.Error()))
			return NewFileQueue(cfg.Root, cfg.PollInterval, logger), nil
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
