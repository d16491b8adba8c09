package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "overseer.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "OVERSEER_"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Project config (overseer.yaml in current or parent directories)
// 3. OVERSEER_* environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if config.Paths.ProjectRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			config.Paths.ProjectRoot = cwd
			l.logger.Debug("Using current directory as project root", slog.String("path", cwd))
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides config fields from OVERSEER_* environment variables.
func (l *Loader) applyEnv(c *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				l.logger.Warn("Ignoring non-integer environment override",
					slog.String("var", EnvPrefix+key), slog.String("value", v))
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				l.logger.Warn("Ignoring non-numeric environment override",
					slog.String("var", EnvPrefix+key), slog.String("value", v))
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else {
				l.logger.Warn("Ignoring unparseable duration override",
					slog.String("var", EnvPrefix+key), slog.String("value", v))
			}
		}
	}

	setString("CONTROLLER_ID", &c.Identity.ControllerID)
	setString("AGENT_ID", &c.Identity.AgentID)
	setString("TEAM_ID", &c.Identity.TeamID)

	setString("PROJECT_ROOT", &c.Paths.ProjectRoot)
	setString("INBOX_DIR", &c.Paths.InboxDir)
	setString("OUTBOX_DIR", &c.Paths.OutboxDir)
	setString("STATE_DIR", &c.Paths.StateDir)
	setString("LOCKS_DIR", &c.Paths.LocksDir)
	setString("STATE_DOCUMENT", &c.Paths.StateDocument)
	setString("AUDIT_LOG", &c.Paths.AuditLog)

	setString("QUEUE_BACKEND", &c.Queue.Backend)
	setString("QUEUE_ROOT", &c.Queue.Root)
	setString("QUEUE_URL", &c.Queue.URL)
	setDuration("QUEUE_POLL_INTERVAL", &c.Queue.PollInterval)
	setInt("QUEUE_RECONNECT_ATTEMPTS", &c.Queue.ReconnectAttempts)

	setString("LOCK_BACKEND", &c.Lock.Backend)
	setInt("LOCK_TIMEOUT_SECONDS", &c.Lock.TimeoutSeconds)
	setInt("LOCK_RETRY_COUNT", &c.Lock.RetryCount)
	setDuration("LOCK_BACKOFF_BASE", &c.Lock.BackoffBase)
	setString("LOCK_REDIS_URL", &c.Lock.RedisURL)

	setInt("RETRY_MAX", &c.Retry.MaxRetries)
	setFloat("RETRY_BACKOFF_BASE", &c.Retry.BackoffBase)
	setDuration("RETRY_STALE_AFTER", &c.Retry.StaleAfter)

	setInt("RATE_LIMIT_PER_MINUTE", &c.RateLimit.RequestsPerMinute)
	setInt("RATE_LIMIT_PER_DAY", &c.RateLimit.RequestsPerDay)
	setInt("RATE_LIMIT_MAX_BURST", &c.RateLimit.MaxBurst)
	setDuration("RATE_LIMIT_MAX_WAIT", &c.RateLimit.MaxWait)

	setInt("HEALTH_DEGRADED_FAILURES", &c.Health.DegradedFailures)
	setInt("HEALTH_DOWN_FAILURES", &c.Health.DownFailures)
	setDuration("HEALTH_DEGRADED_SILENCE", &c.Health.DegradedSilence)
	setDuration("HEALTH_DOWN_SILENCE", &c.Health.DownSilence)

	// HEALTH_FILES is a comma-separated list of name=path pairs.
	if v := os.Getenv(EnvPrefix + "HEALTH_FILES"); v != "" {
		files := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			name, path, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || name == "" || path == "" {
				l.logger.Warn("Ignoring malformed health file entry", slog.String("entry", pair))
				continue
			}
			files[name] = path
		}
		if len(files) > 0 {
			c.Health.AgentHealthFiles = files
		}
	}
}

// findProjectConfig searches for overseer.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
