package health

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/oversightlabs/overseer/lock"
	"github.com/oversightlabs/overseer/statestore"
)

// Config carries the monitor's thresholds and the per-agent health file map.
type Config struct {
	AgentFiles       map[string]string
	DegradedFailures int
	DownFailures     int
	DegradedSilence  time.Duration
	DownSilence      time.Duration
	LocksDir         string
	InboxDir         string
}

// AgentHealth is the classification of one agent plus the signals behind it.
type AgentHealth struct {
	Agent               string     `json:"agent"`
	Class               Class      `json:"class"`
	LastRun             *time.Time `json:"last_run"`
	LastStatus          string     `json:"last_status,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HealthFile          string     `json:"health_file"`
}

// LockSummary is one active lock as seen by the health scan.
type LockSummary struct {
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Summary is the system-wide health rollup written for downstream consumers.
type Summary struct {
	Timestamp   time.Time              `json:"timestamp"`
	Status      Class                  `json:"status"`
	Agents      map[string]AgentHealth `json:"agents"`
	ActiveLocks []LockSummary          `json:"active_locks"`
	QueueDepth  int                    `json:"queue_depth"`
}

// Monitor classifies agents and writes the system summary.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Classify derives one agent's class from its latest health entry.
func (m *Monitor) Classify(entry *Entry) Class {
	if entry == nil || entry.Timestamp.IsZero() {
		return ClassUnknown
	}
	if m.cfg.DownFailures > 0 && entry.ConsecutiveFailures >= m.cfg.DownFailures {
		return ClassDown
	}
	silence := m.now().UTC().Sub(entry.Timestamp)
	if m.cfg.DownSilence > 0 && silence >= m.cfg.DownSilence {
		return ClassDown
	}
	if m.cfg.DegradedFailures > 0 && entry.ConsecutiveFailures >= m.cfg.DegradedFailures {
		return ClassDegraded
	}
	if m.cfg.DegradedSilence > 0 && silence >= m.cfg.DegradedSilence {
		return ClassDegraded
	}
	return ClassHealthy
}

// Check classifies every configured agent and rolls the classes up. The
// system status is the worst class across all agents.
func (m *Monitor) Check() *Summary {
	summary := &Summary{
		Timestamp: m.now().UTC(),
		Status:    ClassUnknown,
		Agents:    make(map[string]AgentHealth, len(m.cfg.AgentFiles)),
	}

	for agent, path := range m.cfg.AgentFiles {
		entry, err := LastEntry(path)
		if err != nil {
			m.logger.Warn("failed to read health file",
				slog.String("agent", agent),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		ah := AgentHealth{
			Agent:      agent,
			Class:      m.Classify(entry),
			HealthFile: path,
		}
		if entry != nil {
			ah.LastStatus = entry.Status
			ah.ConsecutiveFailures = entry.ConsecutiveFailures
			if !entry.Timestamp.IsZero() {
				ts := entry.Timestamp
				ah.LastRun = &ts
			}
		}
		summary.Agents[agent] = ah
		summary.Status = Worse(summary.Status, ah.Class)
	}

	summary.ActiveLocks = m.scanLocks()
	summary.QueueDepth = m.inboxDepth()
	return summary
}

// WriteSummary serializes the summary for downstream consumers.
func (m *Monitor) WriteSummary(path string, summary *Summary) error {
	return statestore.New(m.logger).Save(path, summary)
}

func (m *Monitor) scanLocks() []LockSummary {
	if m.cfg.LocksDir == "" {
		return nil
	}
	backend := lock.NewFileBackend(m.cfg.LocksDir, "")
	infos, err := backend.List()
	if err != nil {
		m.logger.Warn("failed to scan locks directory",
			slog.String("dir", m.cfg.LocksDir),
			slog.String("error", err.Error()))
		return nil
	}

	locks := make([]LockSummary, 0, len(infos))
	for _, info := range infos {
		locks = append(locks, LockSummary{
			ResourceID: info.ResourceID,
			OwnerID:    info.OwnerID,
			AcquiredAt: info.AcquiredAt,
		})
	}
	return locks
}

// inboxDepth counts unprocessed report files across the inbox tree.
func (m *Monitor) inboxDepth() int {
	if m.cfg.InboxDir == "" {
		return 0
	}
	matches, err := doublestar.Glob(os.DirFS(m.cfg.InboxDir), "**/*.json")
	if err != nil {
		if _, statErr := os.Stat(m.cfg.InboxDir); !os.IsNotExist(statErr) {
			m.logger.Warn("failed to scan inbox",
				slog.String("dir", m.cfg.InboxDir),
				slog.String("error", err.Error()))
		}
		return 0
	}

	depth := 0
	for _, match := range matches {
		if strings.HasSuffix(match, ".processed.json") {
			continue
		}
		depth++
	}
	return depth
}
