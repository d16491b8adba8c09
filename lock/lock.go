// Package lock provides per-resource advisory locks with staleness recovery
// over pluggable backends (lock files or redis).
package lock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Info describes a held lock record.
type Info struct {
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TaskID     string    `json:"task_id,omitempty"`
}

// Stale reports whether the record is older than timeout and may be
// overridden by the next caller.
func (i *Info) Stale(timeout time.Duration) bool {
	return time.Since(i.AcquiredAt) > timeout
}

// Backend is the narrow capability a lock store must provide. A backend
// guarantees at most one live record per resource id within its namespace.
type Backend interface {
	// TryAcquire attempts to claim the resource. A record older than
	// staleAfter may be overwritten. Same-owner re-acquisition succeeds and
	// refreshes the timestamp. Returns false (without error) on contention.
	TryAcquire(info Info, staleAfter time.Duration) (bool, error)

	// Release removes the record if ownerID matches the stored owner;
	// otherwise it is a no-op.
	Release(resourceID, ownerID string) error

	// ReadInfo returns the current record, or nil if the resource is free.
	ReadInfo(resourceID string) (*Info, error)
}

// Error is the typed failure returned when a lock cannot be acquired within
// the retry budget.
type Error struct {
	ResourceID string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock %s: %v", e.ResourceID, e.Err)
	}
	return fmt.Sprintf("lock %s: not acquired", e.ResourceID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsLockError reports whether err is a lock acquisition failure.
func IsLockError(err error) bool {
	var le *Error
	return errors.As(err, &le)
}

// SafeKey maps a resource id to a filesystem- and key-safe token by
// replacing path separators with underscores. Two distinct resource ids can
// map to the same key (e.g. "a/b" and "a_b"); callers accept this.
func SafeKey(resourceID string) string {
	replaced := strings.ReplaceAll(resourceID, "/", "_")
	return strings.ReplaceAll(replaced, "\\", "_")
}
