package model

import "time"

// RetryStatus tracks whether a task is still retryable.
type RetryStatus string

const (
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusExhausted RetryStatus = "exhausted"
)

// RetryRecord is the persistent per-task retry state, keyed by task id in a
// single JSON map.
type RetryRecord struct {
	TaskID     string      `json:"task_id"`
	Agent      string      `json:"agent"`
	Team       string      `json:"team"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	LastRetry  time.Time   `json:"last_retry"`
	Status     RetryStatus `json:"status"`
}
