// Package controller implements the coordination core: scanning the inbox
// for agent reports, verifying their integrity, routing by status through
// the retry and review machinery, and projecting the outcomes onto the
// authoritative state document.
package controller

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/oversightlabs/overseer/auditlog"
	"github.com/oversightlabs/overseer/config"
	"github.com/oversightlabs/overseer/hashutil"
	"github.com/oversightlabs/overseer/health"
	"github.com/oversightlabs/overseer/lock"
	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/retry"
	"github.com/oversightlabs/overseer/schema"
	"github.com/oversightlabs/overseer/statedoc"
	"github.com/oversightlabs/overseer/statestore"
)

// selfTeam is the inbox segment reserved for controller self-reports. It is
// excluded from scanning so the controller never processes its own output.
const selfTeam = "controller"

// ReportOutcome records what one cycle did with one report file.
type ReportOutcome struct {
	Path   string
	Team   string
	Agent  string
	TaskID string
	Status model.ReportStatus
	Result string // processed, tampered, invalid, skipped
}

// CycleResult summarizes one process-inbox cycle.
type CycleResult struct {
	CycleID        string
	Outcomes       []ReportOutcome
	Directives     []string
	Escalations    []string
	Candidates     []string
	StateChanges   []model.StateChange
	SelfReportPath string
	Health         *health.Summary
}

// Processed counts the reports that made it through dispatch.
func (r *CycleResult) Processed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Result == "processed" {
			n++
		}
	}
	return n
}

// Controller runs the inbox-processing cycle and the operator-facing skills.
type Controller struct {
	cfg       *config.Config
	validator *schema.Validator
	locks     *lock.Manager
	retries   *retry.Manager
	monitor   *health.Monitor
	state     *statedoc.Manager
	audit     *hashutil.AuditLog
	recorder  *auditlog.Logger
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a controller from configuration. A nil registerer keeps metrics
// on a private registry.
func New(cfg *config.Config, reg prometheus.Registerer) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	backend, err := lockBackend(cfg)
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(backend, lock.ManagerConfig{
		OwnerID:     cfg.Identity.ControllerID,
		StaleAfter:  time.Duration(cfg.Lock.TimeoutSeconds) * time.Second,
		RetryCount:  cfg.Lock.RetryCount,
		BackoffBase: cfg.Lock.BackoffBase,
	}, nil)

	audit := hashutil.NewAuditLog(cfg.Resolve(cfg.Paths.AuditLog), nil)

	retries := retry.NewManager(retry.Config{
		StatePath:   filepath.Join(cfg.Resolve(cfg.Paths.StateDir), "retry_state.json"),
		OutboxDir:   cfg.Resolve(cfg.Paths.OutboxDir),
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.Retry.BackoffBase,
		IssuedBy:    cfg.Identity.ControllerID,
	})

	monitor := health.NewMonitor(health.Config{
		AgentFiles:       resolveHealthFiles(cfg),
		DegradedFailures: cfg.Health.DegradedFailures,
		DownFailures:     cfg.Health.DownFailures,
		DegradedSilence:  cfg.Health.DegradedSilence,
		DownSilence:      cfg.Health.DownSilence,
		LocksDir:         cfg.Resolve(cfg.Paths.LocksDir),
		InboxDir:         cfg.Resolve(cfg.Paths.InboxDir),
	})

	state := statedoc.NewManager(statedoc.ManagerConfig{
		DocumentPath: cfg.Resolve(cfg.Paths.StateDocument),
		Owner:        cfg.Identity.ControllerID,
		Project:      "overseer",
	}, locks, audit)

	return &Controller{
		cfg:       cfg,
		validator: schema.New(),
		locks:     locks,
		retries:   retries,
		monitor:   monitor,
		state:     state,
		audit:     audit,
		recorder:  auditlog.New(filepath.Join(cfg.Resolve(cfg.Paths.StateDir), "audit"), cfg.Identity.ControllerID, "1.0"),
		metrics:   NewMetrics(reg),
		logger:    slog.Default(),
		now:       time.Now,
	}, nil
}

// lockBackend builds the shared-namespace lock backend. Every component uses
// the same namespace so resource locks exclude across processes; ownership
// lives inside the record.
func lockBackend(cfg *config.Config) (lock.Backend, error) {
	switch cfg.Lock.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid lock redis url: %w", err)
		}
		return lock.NewRedisBackend(redis.NewClient(opts), "overseer:lock:"), nil
	default:
		return lock.NewFileBackend(cfg.Resolve(cfg.Paths.LocksDir), ""), nil
	}
}

// State exposes the state document manager for operator tooling.
func (c *Controller) State() *statedoc.Manager {
	return c.state
}

// InboxDir returns the resolved inbox root.
func (c *Controller) InboxDir() string {
	return c.cfg.Resolve(c.cfg.Paths.InboxDir)
}

func resolveHealthFiles(cfg *config.Config) map[string]string {
	files := make(map[string]string, len(cfg.Health.AgentHealthFiles))
	for agent, path := range cfg.Health.AgentHealthFiles {
		files[agent] = cfg.Resolve(path)
	}
	return files
}

// ProcessInbox runs one full cycle: scan, verify, dispatch, self-report,
// audit, health sweep. An empty teamFilter processes every team. Errors on
// one report taint that report only, never the cycle.
func (c *Controller) ProcessInbox(teamFilter string) (*CycleResult, error) {
	started := c.now()
	result := &CycleResult{CycleID: "cycle-" + uuid.New().String()}

	inv := c.recorder.Begin(&model.TaskEnvelope{
		TaskID: result.CycleID,
		UserID: c.cfg.Identity.ControllerID,
		TeamID: selfTeam,
	})
	defer func() {
		if err := inv.Close(); err != nil {
			c.logger.Warn("Failed to write cycle audit record", slog.String("error", err.Error()))
		}
	}()

	inboxDir := c.cfg.Resolve(c.cfg.Paths.InboxDir)
	paths, err := c.scanInbox(inboxDir, teamFilter)
	if err != nil {
		inv.Fail(err)
		return nil, err
	}
	inv.Step("scan", fmt.Sprintf("%d reports", len(paths)))

	lockedTeams := make(map[string]bool)
	defer c.locks.ReleaseAll()

	for _, rel := range paths {
		c.processReport(inboxDir, rel, lockedTeams, result)
	}
	inv.Step("dispatch", fmt.Sprintf("%d processed", result.Processed()))

	if removed, err := c.retries.CleanupStaleEntries(c.cfg.Retry.StaleAfter); err != nil {
		c.logger.Warn("Failed to sweep stale retry records", slog.String("error", err.Error()))
	} else if removed > 0 {
		c.logger.Info("Swept stale retry records", slog.Int("removed", removed))
	}

	if err := c.writeSelfReport(started, result); err != nil {
		c.logger.Warn("Failed to write self-report", slog.String("error", err.Error()))
	}

	c.appendCycleAudit(result)
	c.projectStateChanges(result)
	c.healthSweep(result)
	inv.Step("health", string(resultHealthStatus(result)))
	inv.SetMetric("reports_processed", result.Processed())
	inv.SetMetric("directives_emitted", len(result.Directives))

	c.metrics.CyclesTotal.Inc()
	c.metrics.CycleDuration.Observe(c.now().Sub(started).Seconds())

	c.logger.Info("Cycle complete",
		slog.String("cycle_id", result.CycleID),
		slog.Int("processed", result.Processed()),
		slog.Int("directives", len(result.Directives)),
		slog.Int("escalations", len(result.Escalations)))
	return result, nil
}

func resultHealthStatus(result *CycleResult) health.Class {
	if result.Health == nil {
		return health.ClassUnknown
	}
	return result.Health.Status
}

// scanInbox lists unprocessed report files in lexicographic order, which is
// causal order for a single producer given timestamp-prefixed names.
func (c *Controller) scanInbox(inboxDir, teamFilter string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(inboxDir), "**/*.json")
	if err != nil {
		if _, statErr := os.Stat(inboxDir); os.IsNotExist(statErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning inbox: %w", err)
	}

	var paths []string
	for _, rel := range matches {
		base := filepath.Base(rel)
		if strings.HasSuffix(base, ".processed.json") ||
			strings.HasSuffix(base, ".hash") ||
			strings.HasPrefix(base, "example_") {
			continue
		}
		team := firstSegment(rel)
		if team == selfTeam {
			continue
		}
		if teamFilter != "" && team != teamFilter {
			continue
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths, nil
}

func firstSegment(rel string) string {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0]
}

func secondSegment(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// processReport handles one report file. Failures are recorded on the result
// and never propagate.
func (c *Controller) processReport(inboxDir, rel string, lockedTeams map[string]bool, result *CycleResult) {
	team := firstSegment(rel)
	path := filepath.Join(inboxDir, rel)
	outcome := ReportOutcome{Path: path, Team: team, Agent: secondSegment(rel)}

	locked, attempted := lockedTeams[team]
	if !attempted {
		locked = c.locks.TryAcquire("inbox_"+team, "")
		lockedTeams[team] = locked
		if !locked {
			c.logger.Warn("Team inbox lock contended, skipping team this cycle",
				slog.String("team", team))
		}
	}
	if !locked {
		outcome.Result = "skipped"
		result.Outcomes = append(result.Outcomes, outcome)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("Failed to read report", slog.String("path", path), slog.String("error", err.Error()))
		outcome.Result = "skipped"
		result.Outcomes = append(result.Outcomes, outcome)
		return
	}

	hash := hashutil.ComputeBytes(data)
	if expected, err := os.ReadFile(path + ".hash"); err == nil {
		if strings.TrimSpace(string(expected)) != hash {
			c.logger.Error("Report integrity check failed, leaving file in place",
				slog.String("path", path))
			outcome.Result = "tampered"
			result.Outcomes = append(result.Outcomes, outcome)
			c.metrics.ReportsRejected.WithLabelValues("tampered").Inc()
			return
		}
	}

	report, res := c.validator.ValidateReport(data)
	if !res.OK {
		c.logger.Warn("Invalid report, skipping",
			slog.String("path", path),
			slog.String("errors", strings.Join(res.Errors, "; ")))
		outcome.Result = "invalid"
		result.Outcomes = append(result.Outcomes, outcome)
		c.metrics.ReportsRejected.WithLabelValues("invalid").Inc()
		return
	}
	outcome.TaskID = report.TaskID
	outcome.Status = report.Status
	if outcome.Agent == "" {
		outcome.Agent = report.Agent
	}

	c.dispatch(report, team, result)

	// Companion hash for reports that arrived without one.
	if _, err := os.Stat(path + ".hash"); os.IsNotExist(err) {
		if err := statestore.WriteFileAtomic(path+".hash", []byte(hash+"\n"), 0o644); err != nil {
			c.logger.Warn("Failed to write companion hash", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	result.StateChanges = append(result.StateChanges, model.StateChange{
		Type:      "report_processed",
		Team:      team,
		Agent:     report.Agent,
		TaskID:    report.TaskID,
		Status:    report.Status,
		Timestamp: c.now().UTC(),
	})

	processed := strings.TrimSuffix(path, ".json") + ".processed.json"
	if err := os.Rename(path, processed); err != nil {
		c.logger.Warn("Failed to mark report processed", slog.String("path", path), slog.String("error", err.Error()))
	}

	outcome.Result = "processed"
	result.Outcomes = append(result.Outcomes, outcome)
	c.metrics.ReportsProcessed.WithLabelValues(string(report.Status)).Inc()
}

// dispatch routes one validated report by status.
func (c *Controller) dispatch(report *model.Report, team string, result *CycleResult) {
	switch report.Status {
	case model.StatusSuccess, model.StatusPartial:
		if err := c.retries.RecordSuccess(report.TaskID); err != nil {
			c.logger.Warn("Failed to clear retry state",
				slog.String("task_id", report.TaskID), slog.String("error", err.Error()))
		}

	case model.StatusError, model.StatusFailure:
		c.dispatchFailure(report, team, result)

	case model.StatusNeedsReview:
		path, err := c.SubmitCandidate(report, team)
		if err != nil {
			c.logger.Error("Failed to write candidate",
				slog.String("task_id", report.TaskID), slog.String("error", err.Error()))
			return
		}
		result.Candidates = append(result.Candidates, path)
		result.StateChanges = append(result.StateChanges, model.StateChange{
			Type:      "candidate_submitted",
			Team:      team,
			Agent:     report.Agent,
			TaskID:    report.TaskID,
			Status:    report.Status,
			Timestamp: c.now().UTC(),
		})
		c.metrics.CandidatesCreated.Inc()
	}
}

func (c *Controller) dispatchFailure(report *model.Report, team string, result *CycleResult) {
	shouldRetry := c.retries.ShouldRetry(report.TaskID)
	rec, err := c.retries.RecordFailure(report.TaskID, report.Agent, team)
	if err != nil {
		c.logger.Error("Failed to record failure",
			slog.String("task_id", report.TaskID), slog.String("error", err.Error()))
		return
	}

	if shouldRetry {
		path, err := c.retries.EmitRetryDirective(rec)
		if err != nil {
			c.logger.Error("Failed to emit retry directive",
				slog.String("task_id", report.TaskID), slog.String("error", err.Error()))
			return
		}
		result.Directives = append(result.Directives, path)
		c.metrics.DirectivesEmitted.Inc()
		return
	}

	path, err := c.retries.EmitEscalation(rec, "max retries exhausted")
	if err != nil {
		c.logger.Error("Failed to emit escalation",
			slog.String("task_id", report.TaskID), slog.String("error", err.Error()))
		return
	}
	result.Escalations = append(result.Escalations, path)
	c.metrics.Escalations.Inc()
}

// writeSelfReport summarizes the cycle as a regular report under the
// controller's own inbox segment.
func (c *Controller) writeSelfReport(started time.Time, result *CycleResult) error {
	now := c.now()
	report := &model.Report{
		Agent:   c.cfg.Identity.ControllerID,
		TaskID:  result.CycleID,
		Status:  model.StatusSuccess,
		Summary: fmt.Sprintf("processed %d reports, emitted %d directives", result.Processed(), len(result.Directives)),
		Metrics: model.ReportMetrics{
			DurationMS: float64(now.Sub(started).Milliseconds()),
		},
		Artifacts:      append(append([]string(nil), result.Directives...), result.Escalations...),
		Timestamp:      now.UTC(),
		TimestampLocal: model.LocalStamp(now),
	}

	dir := filepath.Join(c.cfg.Resolve(c.cfg.Paths.InboxDir), selfTeam, c.cfg.Identity.ControllerID)
	path := filepath.Join(dir, fmt.Sprintf("%s_report.json", model.Stamp(now)))

	data, err := hashutil.Canonical(report)
	if err != nil {
		return err
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	hash := hashutil.ComputeBytes(data)
	if err := statestore.WriteFileAtomic(path+".hash", []byte(hash+"\n"), 0o644); err != nil {
		return err
	}
	result.SelfReportPath = path
	return nil
}

// appendCycleAudit writes one hash-chained line for the whole cycle.
func (c *Controller) appendCycleAudit(result *CycleResult) {
	hash, err := hashutil.Compute(result.StateChanges)
	if err != nil {
		hash = ""
	}
	if err := c.audit.Append(hash, "process_inbox", result.CycleID, "ok", ""); err != nil {
		c.logger.Warn("Failed to append cycle audit record", slog.String("error", err.Error()))
	}
}

// projectStateChanges pushes the cycle's outcomes onto the authoritative
// state document. Projection is best-effort: a failed update is logged and
// rolled back by the state manager, never failing the cycle.
func (c *Controller) projectStateChanges(result *CycleResult) {
	if len(result.StateChanges) == 0 {
		return
	}

	doc, err := c.state.Load()
	if err != nil {
		c.logger.Warn("Skipping state projection, document unreadable", slog.String("error", err.Error()))
		return
	}

	var changes []statedoc.Change
	for _, sc := range result.StateChanges {
		stamp := model.Stamp(sc.Timestamp)
		if sc.Type == "candidate_submitted" {
			candidateID := model.CandidateIDFor(sc.TaskID)
			changes = append(changes,
				statedoc.Change{
					Section: statedoc.SectionCandidateChanges, Field: candidateID, Column: "task_id",
					NewValue: sc.TaskID, TriggeredBy: sc.TaskID,
				},
				statedoc.Change{
					Section: statedoc.SectionCandidateChanges, Field: candidateID, Column: "agent",
					NewValue: sc.Agent, TriggeredBy: sc.TaskID,
				},
				statedoc.Change{
					Section: statedoc.SectionCandidateChanges, Field: candidateID, Column: "status",
					NewValue: string(model.CandidatePendingReview), TriggeredBy: sc.TaskID,
				},
				statedoc.Change{
					Section: statedoc.SectionCandidateChanges, Field: candidateID, Column: "submitted_at",
					NewValue: stamp, TriggeredBy: sc.TaskID,
				},
			)
			continue
		}
		if sc.Type != "report_processed" {
			continue
		}
		changes = append(changes,
			statedoc.Change{
				Section: statedoc.SectionAgents, Field: sc.Agent, Column: "team",
				NewValue: sc.Team, TriggeredBy: sc.TaskID,
			},
			statedoc.Change{
				Section: statedoc.SectionAgents, Field: sc.Agent, Column: "status",
				NewValue: string(sc.Status), TriggeredBy: sc.TaskID,
			},
			statedoc.Change{
				Section: statedoc.SectionAgents, Field: sc.Agent, Column: "last_task",
				NewValue: sc.TaskID, TriggeredBy: sc.TaskID,
			},
			statedoc.Change{
				Section: statedoc.SectionAgents, Field: sc.Agent, Column: "last_seen",
				NewValue: stamp, TriggeredBy: sc.TaskID,
			},
			statedoc.Change{
				Section: statedoc.SectionTeams, Field: sc.Team, Column: "status",
				NewValue: "active", TriggeredBy: sc.TaskID,
			},
		)
	}

	processed, _ := doc.MetricNumber("reports_processed")
	changes = append(changes, statedoc.Change{
		Section:  statedoc.SectionSystemMetrics,
		Field:    "reports_processed",
		NewValue: strconv.Itoa(int(processed) + result.Processed()),
	})
	if n := len(result.Directives); n > 0 {
		emitted, _ := doc.MetricNumber("directives_emitted")
		changes = append(changes, statedoc.Change{
			Section:  statedoc.SectionSystemMetrics,
			Field:    "directives_emitted",
			NewValue: strconv.Itoa(int(emitted) + n),
		})
	}
	if n := len(result.Escalations); n > 0 {
		escalated, _ := doc.MetricNumber("escalations")
		changes = append(changes, statedoc.Change{
			Section:  statedoc.SectionSystemMetrics,
			Field:    "escalations",
			NewValue: strconv.Itoa(int(escalated) + n),
		})
	}
	if n := len(result.Candidates); n > 0 {
		pending, _ := doc.MetricNumber("candidates_pending")
		changes = append(changes, statedoc.Change{
			Section:  statedoc.SectionSystemMetrics,
			Field:    "candidates_pending",
			NewValue: strconv.Itoa(int(pending) + n),
		})
	}

	req := &statedoc.UpdateRequest{
		Origin:    statedoc.OriginController,
		RequestID: result.CycleID,
		Reason:    "inbox cycle projection",
		Changes:   changes,
	}
	if _, err := c.state.Update(req); err != nil {
		c.logger.Warn("State projection failed", slog.String("error", err.Error()))
	}
}

// healthSweep classifies every agent, persists the system summary, and
// escalates agents that are down. A state document that exists but fails
// verification degrades the system status.
func (c *Controller) healthSweep(result *CycleResult) {
	summary := c.monitor.Check()
	result.Health = summary

	docPath := c.cfg.Resolve(c.cfg.Paths.StateDocument)
	if _, err := os.Stat(docPath); err == nil {
		if v := c.state.Verify(); !v.OK {
			c.logger.Error("State document failed verification",
				slog.String("errors", strings.Join(v.Errors, "; ")))
			summary.Status = health.Worse(summary.Status, health.ClassDegraded)
		}
	}

	path := filepath.Join(c.cfg.Resolve(c.cfg.Paths.StateDir), "system_health.json")
	if err := c.monitor.WriteSummary(path, summary); err != nil {
		c.logger.Warn("Failed to write health summary", slog.String("error", err.Error()))
	}

	for agent, ah := range summary.Agents {
		if ah.Class != health.ClassDown {
			continue
		}
		escalation, err := c.retries.EmitEscalation(model.RetryRecord{
			TaskID: "health_" + agent,
			Agent:  agent,
		}, fmt.Sprintf("agent %s is down", agent))
		if err != nil {
			c.logger.Error("Failed to escalate down agent",
				slog.String("agent", agent), slog.String("error", err.Error()))
			continue
		}
		result.Escalations = append(result.Escalations, escalation)
		c.metrics.Escalations.Inc()
	}
}
