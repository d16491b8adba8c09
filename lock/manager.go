package lock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ManagerConfig tunes acquisition retries and staleness.
type ManagerConfig struct {
	// OwnerID identifies this process in lock records.
	OwnerID string

	// StaleAfter is the age past which a held record may be overridden.
	StaleAfter time.Duration

	// RetryCount is how many attempts Acquire makes on contention.
	RetryCount int

	// BackoffBase is the initial wait between attempts; waits double each
	// attempt.
	BackoffBase time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

// DefaultManagerConfig returns sensible lock manager defaults.
func DefaultManagerConfig(ownerID string) ManagerConfig {
	return ManagerConfig{
		OwnerID:     ownerID,
		StaleAfter:  5 * time.Minute,
		RetryCount:  5,
		BackoffBase: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Manager coordinates per-resource advisory locks through a Backend. A cycle
// acquires at most one lock at a time; nested locks are forbidden by
// convention, not enforced here.
type Manager struct {
	backend Backend
	config  ManagerConfig
	logger  *slog.Logger

	mu   sync.Mutex
	held map[string]bool
}

// NewManager creates a lock manager over the given backend.
func NewManager(backend Backend, config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryCount <= 0 {
		config.RetryCount = 1
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 2 * time.Second
	}
	return &Manager{
		backend: backend,
		config:  config,
		logger:  logger,
		held:    make(map[string]bool),
	}
}

// Acquire claims resourceID for this owner, retrying with base-2 exponential
// backoff on contention. Fails with *Error after the retry budget.
func (m *Manager) Acquire(resourceID, taskID string) error {
	info := Info{
		ResourceID: resourceID,
		OwnerID:    m.config.OwnerID,
		TaskID:     taskID,
	}

	wait := m.config.BackoffBase
	for attempt := 0; attempt < m.config.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(wait)
			wait *= 2
			if wait > m.config.MaxBackoff {
				wait = m.config.MaxBackoff
			}
		}

		info.AcquiredAt = time.Now().UTC()
		ok, err := m.backend.TryAcquire(info, m.config.StaleAfter)
		if err != nil {
			m.logger.Warn("Lock backend error on acquire",
				slog.String("resource_id", resourceID), slog.String("error", err.Error()))
			continue
		}
		if ok {
			m.mu.Lock()
			m.held[resourceID] = true
			m.mu.Unlock()
			return nil
		}
	}

	return &Error{ResourceID: resourceID, Err: fmt.Errorf("contended after %d attempts", m.config.RetryCount)}
}

// TryAcquire makes a single non-blocking attempt.
func (m *Manager) TryAcquire(resourceID, taskID string) bool {
	info := Info{
		ResourceID: resourceID,
		OwnerID:    m.config.OwnerID,
		TaskID:     taskID,
		AcquiredAt: time.Now().UTC(),
	}
	ok, err := m.backend.TryAcquire(info, m.config.StaleAfter)
	if err != nil || !ok {
		return false
	}
	m.mu.Lock()
	m.held[resourceID] = true
	m.mu.Unlock()
	return true
}

// Release removes the record if this owner holds it; otherwise a no-op.
func (m *Manager) Release(resourceID string) error {
	m.mu.Lock()
	delete(m.held, resourceID)
	m.mu.Unlock()
	return m.backend.Release(resourceID, m.config.OwnerID)
}

// IsHeld reports whether this manager instance believes it holds resourceID.
func (m *Manager) IsHeld(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[resourceID]
}

// Check returns the current record for resourceID, or nil if free.
func (m *Manager) Check(resourceID string) (*Info, error) {
	return m.backend.ReadInfo(resourceID)
}

// ReleaseAll releases every lock this instance holds. Used in cleanup paths;
// release errors are logged and the sweep continues.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	resources := make([]string, 0, len(m.held))
	for r := range m.held {
		resources = append(resources, r)
	}
	m.held = make(map[string]bool)
	m.mu.Unlock()

	for _, r := range resources {
		if err := m.backend.Release(r, m.config.OwnerID); err != nil {
			m.logger.Warn("Failed to release lock during cleanup",
				slog.String("resource_id", r), slog.String("error", err.Error()))
		}
	}
}

// OwnerID returns the owner identity used in lock records.
func (m *Manager) OwnerID() string {
	return m.config.OwnerID
}
