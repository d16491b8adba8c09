// Package config provides configuration loading and management for overseer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete overseer configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Paths     PathsConfig     `yaml:"paths"`
	Queue     QueueConfig     `yaml:"queue"`
	Lock      LockConfig      `yaml:"lock"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
}

// IdentityConfig names this process and its team.
type IdentityConfig struct {
	// ControllerID identifies the controller instance.
	ControllerID string `yaml:"controller_id"`
	// AgentID identifies the agent instance (agent processes only).
	AgentID string `yaml:"agent_id"`
	// TeamID is the team this process belongs to.
	TeamID string `yaml:"team_id"`
}

// PathsConfig locates the coordination tree on disk.
type PathsConfig struct {
	// ProjectRoot is the root all other paths are relative to.
	ProjectRoot string `yaml:"project_root"`
	// InboxDir holds incoming reports, one subtree per team.
	InboxDir string `yaml:"inbox_dir"`
	// OutboxDir holds outgoing directives.
	OutboxDir string `yaml:"outbox_dir"`
	// StateDir holds retry state, health state, and candidates.
	StateDir string `yaml:"state_dir"`
	// LocksDir holds lock files.
	LocksDir string `yaml:"locks_dir"`
	// StateDocument is the authoritative state document path.
	StateDocument string `yaml:"state_document"`
	// AuditLog is the hash-chained audit log path.
	AuditLog string `yaml:"audit_log"`
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	// Backend is "file", "nats", or "redis".
	Backend string `yaml:"backend"`
	// Root is the file backend's queue root directory.
	Root string `yaml:"root"`
	// URL is the broker URL for the nats and redis backends.
	URL string `yaml:"url"`
	// PollInterval is the file backend's directory poll interval.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ReconnectAttempts bounds broker reconnect retries.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// LockConfig tunes the lock manager.
type LockConfig struct {
	// Backend is "file" or "redis".
	Backend string `yaml:"backend"`
	// TimeoutSeconds is the staleness threshold for held locks.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// RetryCount is how many acquisition attempts to make on contention.
	RetryCount int `yaml:"retry_count"`
	// BackoffBase is the initial backoff between acquisition attempts.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// RedisURL is the redis backend's connection URL.
	RedisURL string `yaml:"redis_url"`
}

// RetryConfig tunes the retry and escalation engine.
type RetryConfig struct {
	// MaxRetries is the per-task retry budget before escalation.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the base of the backoff_base^retry_count gate, in seconds.
	BackoffBase float64 `yaml:"backoff_base"`
	// StaleAfter is how old a retry record may grow before cleanup sweeps it.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// RateLimitConfig tunes the sheets agent's rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute caps tokens in any fixed 60-second bucket.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// RequestsPerDay caps tokens in a UTC calendar day.
	RequestsPerDay int `yaml:"requests_per_day"`
	// MaxBurst caps consecutive no-wait grants.
	MaxBurst int `yaml:"max_burst"`
	// MaxWait bounds how long Acquire blocks before failing.
	MaxWait time.Duration `yaml:"max_wait"`
	// Jitter enables uniform jitter on wait intervals.
	Jitter bool `yaml:"jitter"`
}

// HealthConfig tunes agent health classification.
type HealthConfig struct {
	// DegradedFailures is the consecutive-failure threshold for degraded.
	DegradedFailures int `yaml:"degraded_failures"`
	// DownFailures is the consecutive-failure threshold for down.
	DownFailures int `yaml:"down_failures"`
	// DegradedSilence is the silence threshold for degraded.
	DegradedSilence time.Duration `yaml:"degraded_silence"`
	// DownSilence is the silence threshold for down.
	DownSilence time.Duration `yaml:"down_silence"`
	// AgentHealthFiles maps agent name to its health file path.
	AgentHealthFiles map[string]string `yaml:"agent_health_files"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			ControllerID: "controller",
		},
		Paths: PathsConfig{
			ProjectRoot:   "",
			InboxDir:      "Controller/inbox",
			OutboxDir:     "Controller/outbox",
			StateDir:      "Controller/state",
			LocksDir:      "locks",
			StateDocument: "Orchestrator/STATE.md",
			AuditLog:      "Orchestrator/ops/logs/audit.log",
		},
		Queue: QueueConfig{
			Backend:           "file",
			Root:              "queues",
			PollInterval:      200 * time.Millisecond,
			ReconnectAttempts: 5,
		},
		Lock: LockConfig{
			Backend:        "file",
			TimeoutSeconds: 300,
			RetryCount:     5,
			BackoffBase:    100 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BackoffBase: 2,
			StaleAfter:  24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			RequestsPerDay:    5000,
			MaxBurst:          10,
			MaxWait:           30 * time.Second,
			Jitter:            true,
		},
		Health: HealthConfig{
			DegradedFailures: 3,
			DownFailures:     6,
			DegradedSilence:  10 * time.Minute,
			DownSilence:      30 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Identity.ControllerID == "" {
		return fmt.Errorf("identity.controller_id is required")
	}
	switch c.Queue.Backend {
	case "file", "nats", "redis":
	default:
		return fmt.Errorf("queue.backend must be file, nats, or redis")
	}
	switch c.Lock.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("lock.backend must be file or redis")
	}
	if c.Lock.TimeoutSeconds <= 0 {
		return fmt.Errorf("lock.timeout_seconds must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry.backoff_base must be positive")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.RequestsPerDay <= 0 {
		return fmt.Errorf("rate_limit caps must be positive")
	}
	if c.Health.DegradedFailures >= c.Health.DownFailures {
		return fmt.Errorf("health.degraded_failures must be below health.down_failures")
	}
	return nil
}

// Resolve returns path joined under the project root unless it is already
// absolute.
func (c *Config) Resolve(path string) string {
	if filepath.IsAbs(path) || c.Paths.ProjectRoot == "" {
		return path
	}
	return filepath.Join(c.Paths.ProjectRoot, path)
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Identity.ControllerID != "" {
		c.Identity.ControllerID = other.Identity.ControllerID
	}
	if other.Identity.AgentID != "" {
		c.Identity.AgentID = other.Identity.AgentID
	}
	if other.Identity.TeamID != "" {
		c.Identity.TeamID = other.Identity.TeamID
	}

	if other.Paths.ProjectRoot != "" {
		c.Paths.ProjectRoot = other.Paths.ProjectRoot
	}
	if other.Paths.InboxDir != "" {
		c.Paths.InboxDir = other.Paths.InboxDir
	}
	if other.Paths.OutboxDir != "" {
		c.Paths.OutboxDir = other.Paths.OutboxDir
	}
	if other.Paths.StateDir != "" {
		c.Paths.StateDir = other.Paths.StateDir
	}
	if other.Paths.LocksDir != "" {
		c.Paths.LocksDir = other.Paths.LocksDir
	}
	if other.Paths.StateDocument != "" {
		c.Paths.StateDocument = other.Paths.StateDocument
	}
	if other.Paths.AuditLog != "" {
		c.Paths.AuditLog = other.Paths.AuditLog
	}

	if other.Queue.Backend != "" {
		c.Queue.Backend = other.Queue.Backend
	}
	if other.Queue.Root != "" {
		c.Queue.Root = other.Queue.Root
	}
	if other.Queue.URL != "" {
		c.Queue.URL = other.Queue.URL
	}
	if other.Queue.PollInterval != 0 {
		c.Queue.PollInterval = other.Queue.PollInterval
	}
	if other.Queue.ReconnectAttempts != 0 {
		c.Queue.ReconnectAttempts = other.Queue.ReconnectAttempts
	}

	if other.Lock.Backend != "" {
		c.Lock.Backend = other.Lock.Backend
	}
	if other.Lock.TimeoutSeconds != 0 {
		c.Lock.TimeoutSeconds = other.Lock.TimeoutSeconds
	}
	if other.Lock.RetryCount != 0 {
		c.Lock.RetryCount = other.Lock.RetryCount
	}
	if other.Lock.BackoffBase != 0 {
		c.Lock.BackoffBase = other.Lock.BackoffBase
	}
	if other.Lock.RedisURL != "" {
		c.Lock.RedisURL = other.Lock.RedisURL
	}

	if other.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = other.Retry.MaxRetries
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.StaleAfter != 0 {
		c.Retry.StaleAfter = other.Retry.StaleAfter
	}

	if other.RateLimit.RequestsPerMinute != 0 {
		c.RateLimit.RequestsPerMinute = other.RateLimit.RequestsPerMinute
	}
	if other.RateLimit.RequestsPerDay != 0 {
		c.RateLimit.RequestsPerDay = other.RateLimit.RequestsPerDay
	}
	if other.RateLimit.MaxBurst != 0 {
		c.RateLimit.MaxBurst = other.RateLimit.MaxBurst
	}
	if other.RateLimit.MaxWait != 0 {
		c.RateLimit.MaxWait = other.RateLimit.MaxWait
	}

	if other.Health.DegradedFailures != 0 {
		c.Health.DegradedFailures = other.Health.DegradedFailures
	}
	if other.Health.DownFailures != 0 {
		c.Health.DownFailures = other.Health.DownFailures
	}
	if other.Health.DegradedSilence != 0 {
		c.Health.DegradedSilence = other.Health.DegradedSilence
	}
	if other.Health.DownSilence != 0 {
		c.Health.DownSilence = other.Health.DownSilence
	}
	if len(other.Health.AgentHealthFiles) > 0 {
		c.Health.AgentHealthFiles = other.Health.AgentHealthFiles
	}
}
