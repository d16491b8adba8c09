// Package ratelimit provides a persistent token limiter with fixed
// 60-second and UTC-calendar-day windows. The minute window approximates a
// sliding window with fixed buckets; the counters survive restarts via a
// JSON state file.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oversightlabs/overseer/statestore"
)

// Error is the typed failure returned when Acquire exceeds its max wait.
type Error struct {
	Waited time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit: quota not available after %s", e.Waited)
}

// IsRateLimitError reports whether err is a rate limit timeout.
func IsRateLimitError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute caps grants in any fixed 60-second bucket.
	RequestsPerMinute int

	// RequestsPerDay caps grants in a UTC calendar day.
	RequestsPerDay int

	// MaxBurst caps consecutive grants without an intervening wait.
	MaxBurst int

	// MaxWait bounds how long Acquire blocks.
	MaxWait time.Duration

	// Jitter applies a uniform multiplier to wait intervals so concurrent
	// waiters do not wake together.
	Jitter bool
}

// DefaultConfig returns sensible limiter defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		RequestsPerDay:    5000,
		MaxBurst:          10,
		MaxWait:           30 * time.Second,
		Jitter:            true,
	}
}

// state is the persisted counter file. Corrupt or missing state means start
// fresh, never an error.
type state struct {
	MinuteWindowStart time.Time `json:"minute_window_start"`
	MinuteCount       int       `json:"minute_count"`
	DayWindowStart    time.Time `json:"day_window_start"`
	DayCount          int       `json:"day_count"`
	BurstCount        int       `json:"burst_count"`
}

// Limiter grants tokens under minute and day caps with persistent counters.
type Limiter struct {
	config Config
	store  *statestore.Store
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a limiter persisting counters to statePath.
func New(config Config, statePath string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		config: config,
		store:  statestore.New(logger),
		path:   statePath,
		logger: logger,
		now:    time.Now,
	}
}

// TryAcquire grants a token without blocking. It persists the updated
// counters whether or not the grant succeeds, so the window state is durable
// across restarts.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.loadState()
	now := l.now().UTC()
	l.rollWindows(&st, now)

	granted := st.MinuteCount < l.config.RequestsPerMinute &&
		st.DayCount < l.config.RequestsPerDay &&
		(l.config.MaxBurst <= 0 || st.BurstCount < l.config.MaxBurst)

	if granted {
		st.MinuteCount++
		st.DayCount++
		st.BurstCount++
	}

	if err := l.store.Save(l.path, st); err != nil {
		l.logger.Warn("Failed to persist rate limit state", slog.String("error", err.Error()))
	}
	return granted
}

// Acquire blocks until a token is granted or MaxWait elapses, failing with a
// typed *Error on timeout. Wait intervals grow exponentially, jittered by a
// uniform multiplier when configured.
func (l *Limiter) Acquire() error {
	start := l.now()
	wait := 100 * time.Millisecond

	for {
		if l.TryAcquire() {
			return nil
		}

		elapsed := l.now().Sub(start)
		if elapsed >= l.config.MaxWait {
			return &Error{Waited: elapsed}
		}

		sleep := wait
		if l.config.Jitter {
			sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64()))
		}
		if remaining := l.config.MaxWait - elapsed; sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)

		// A waiter that slept long enough for the burst window to matter
		// resets its burst run.
		l.mu.Lock()
		st := l.loadState()
		st.BurstCount = 0
		if err := l.store.Save(l.path, st); err != nil {
			l.logger.Warn("Failed to persist rate limit state", slog.String("error", err.Error()))
		}
		l.mu.Unlock()

		wait *= 2
	}
}

// rollWindows resets counters whose windows have expired: the minute bucket
// after 60 seconds, the day bucket after UTC midnight.
func (l *Limiter) rollWindows(st *state, now time.Time) {
	if st.MinuteWindowStart.IsZero() || now.Sub(st.MinuteWindowStart) >= time.Minute {
		st.MinuteWindowStart = now
		st.MinuteCount = 0
		st.BurstCount = 0
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if st.DayWindowStart.IsZero() || st.DayWindowStart.Before(midnight) {
		st.DayWindowStart = now
		st.DayCount = 0
	}
}

func (l *Limiter) loadState() state {
	var st state
	l.store.Load(l.path, &st)
	return st
}
