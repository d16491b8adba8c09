// Package agent implements the shared per-agent lifecycle: locate a task,
// validate it, take the resource lock, generate a report, and hand the
// report to the controller through the inbox tree.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/oversightlabs/overseer/auditlog"
	"github.com/oversightlabs/overseer/config"
	"github.com/oversightlabs/overseer/hashutil"
	"github.com/oversightlabs/overseer/health"
	"github.com/oversightlabs/overseer/lock"
	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/queue"
	"github.com/oversightlabs/overseer/ratelimit"
	"github.com/oversightlabs/overseer/reportgen"
	"github.com/oversightlabs/overseer/schema"
	"github.com/oversightlabs/overseer/statestore"
)

// seenTTL is the idempotency retention window. Task ids are unique within
// this window, so a cache hit means the task was already handled.
const seenTTL = 24 * time.Hour

// Executor applies one proposed change against the real external system.
// When no executor is configured the runner stays in propose-only mode.
type Executor interface {
	Apply(task *model.TaskEnvelope, change model.ProposedChange) model.ExecutionResult
}

// CycleResult summarizes one runner cycle.
type CycleResult struct {
	TaskID     string
	Status     model.ReportStatus
	ReportPath string
	Source     string // "file" or "broker"
	Skipped    bool   // true when idempotency short-circuited the task
}

// Runner drives one agent's task lifecycle.
type Runner struct {
	cfg       *config.Config
	kind      model.AgentKind
	agentID   string
	team      string
	validator *schema.Validator
	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	broker    queue.Queue
	generator *reportgen.Generator
	recorder  *auditlog.Logger
	executor  Executor
	seen      *gocache.Cache
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a runner for one agent kind from configuration.
func New(cfg *config.Config, kind model.AgentKind) (*Runner, error) {
	if cfg.Identity.AgentID == "" {
		return nil, fmt.Errorf("identity.agent_id is required")
	}
	if cfg.Identity.TeamID == "" {
		return nil, fmt.Errorf("identity.team_id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}

	backend, err := lockBackend(cfg)
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(backend, lock.ManagerConfig{
		OwnerID:     cfg.Identity.AgentID,
		StaleAfter:  time.Duration(cfg.Lock.TimeoutSeconds) * time.Second,
		RetryCount:  cfg.Lock.RetryCount,
		BackoffBase: cfg.Lock.BackoffBase,
	}, nil)

	r := &Runner{
		cfg:       cfg,
		kind:      kind,
		agentID:   cfg.Identity.AgentID,
		team:      cfg.Identity.TeamID,
		validator: schema.New(),
		locks:     locks,
		generator: reportgen.New(cfg.Identity.AgentID),
		recorder:  auditlog.New(filepath.Join(cfg.Resolve(cfg.Paths.StateDir), "audit"), cfg.Identity.AgentID, "1.0"),
		seen:      gocache.New(seenTTL, time.Hour),
		logger:    slog.Default(),
		now:       time.Now,
	}

	// Only the sheets agent talks to a quota-bounded external API.
	if kind == model.AgentKindSheets {
		r.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
			MaxBurst:          cfg.RateLimit.MaxBurst,
			MaxWait:           cfg.RateLimit.MaxWait,
			Jitter:            cfg.RateLimit.Jitter,
		}, filepath.Join(cfg.Resolve(cfg.Paths.StateDir), fmt.Sprintf("ratelimit_%s.json", cfg.Identity.AgentID)), nil)
	}

	if cfg.Queue.Backend != "" && cfg.Queue.Backend != "file" {
		broker, err := queue.New(queue.Config{
			Backend:           cfg.Queue.Backend,
			Root:              cfg.Resolve(cfg.Queue.Root),
			URL:               cfg.Queue.URL,
			PollInterval:      cfg.Queue.PollInterval,
			ReconnectAttempts: cfg.Queue.ReconnectAttempts,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("connecting task queue: %w", err)
		}
		r.broker = broker
	}

	return r, nil
}

// lockBackend mirrors the controller's wiring: one shared namespace for all
// components, so an agent and the controller contend on the same records.
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

// SetExecutor enables real execution of approved operations.
func (r *Runner) SetExecutor(e Executor) {
	r.executor = e
}

// QueueName returns the queue this runner consumes from.
func (r *Runner) QueueName() string {
	return fmt.Sprintf("tasks_%s_%s", r.team, r.agentID)
}

func (r *Runner) tasksDir() string {
	return filepath.Join(r.cfg.Resolve(r.cfg.Queue.Root), r.QueueName())
}

func (r *Runner) reportDir() string {
	return filepath.Join(r.cfg.Resolve(r.cfg.Paths.InboxDir), r.team, r.agentID)
}

func (r *Runner) healthFile() string {
	if path, ok := r.cfg.Health.AgentHealthFiles[r.agentID]; ok {
		return r.cfg.Resolve(path)
	}
	return filepath.Join(r.cfg.Resolve(r.cfg.Paths.StateDir), fmt.Sprintf("health_%s.md", r.agentID))
}

// RunOnce processes at most one task. A nil result with a nil error means
// nothing was pending.
func (r *Runner) RunOnce(ctx context.Context) (*CycleResult, error) {
	task, taskPath, source, err := r.nextTask(ctx)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	started := r.now()
	inv := r.recorder.Begin(task)

	result := &CycleResult{TaskID: task.TaskID, Source: source}
	report := r.process(ctx, task, started, inv, result)

	if report != nil {
		path, werr := r.writeReport(report)
		if werr != nil {
			inv.Fail(werr)
			r.logger.Error("Failed to write report",
				slog.String("task_id", task.TaskID), slog.String("error", werr.Error()))
		} else {
			inv.AttachReport(path, report)
			result.ReportPath = path
			result.Status = report.Status
		}
	}

	r.archive(taskPath, source)
	r.seen.SetDefault(task.TaskID, true)

	if err := inv.Close(); err != nil {
		r.logger.Warn("Failed to write audit record",
			slog.String("task_id", task.TaskID), slog.String("error", err.Error()))
	}
	r.appendHealth(report)

	return result, nil
}

// Run loops RunOnce until the context is cancelled. Shutdown is cooperative:
// an in-flight task always finishes before the loop exits.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		result, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("Cycle failed", slog.String("error", err.Error()))
		}
		if result == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.Queue.PollInterval):
			}
		}
	}
}

// process runs validation, locking, rate limiting, and generation for one
// task, returning the report to persist. A nil report means the task was
// skipped as already handled.
func (r *Runner) process(ctx context.Context, task *model.TaskEnvelope, started time.Time, inv *auditlog.Invocation, result *CycleResult) *model.Report {
	res := r.validator.ValidateTask(task)
	if !res.OK {
		inv.Step("validate", "failed")
		r.logger.Warn("Task failed validation",
			slog.String("task_id", task.TaskID),
			slog.String("errors", strings.Join(res.Errors, "; ")))
		return r.generator.GenerateError(task, r.now().Sub(started), res.Errors)
	}
	inv.Step("validate", "ok")

	if r.alreadyHandled(task.TaskID) {
		inv.Step("idempotency", "skip")
		r.logger.Info("Task already handled, skipping",
			slog.String("task_id", task.TaskID))
		result.Skipped = true
		result.Status = model.StatusSuccess
		return nil
	}
	inv.Step("idempotency", "ok")

	resource := r.lockResource(task)
	if err := r.locks.Acquire(resource, task.TaskID); err != nil {
		inv.Step("lock", "failed")
		inv.Fail(err)
		return r.generator.GenerateError(task, r.now().Sub(started),
			[]string{fmt.Sprintf("lock %s: %v", resource, err)})
	}
	defer func() {
		if err := r.locks.Release(resource); err != nil {
			r.logger.Warn("Failed to release lock",
				slog.String("resource", resource), slog.String("error", err.Error()))
		}
	}()
	inv.Step("lock", "ok")

	if r.limiter != nil {
		if err := r.limiter.Acquire(); err != nil {
			inv.Step("rate_limit", "failed")
			inv.Fail(err)
			return r.generator.GenerateError(task, r.now().Sub(started),
				[]string{fmt.Sprintf("rate limit: %v", err)})
		}
		inv.Step("rate_limit", "ok")
	}

	report := r.generator.Generate(task, r.now().Sub(started))
	inv.Step("generate", string(report.Status))

	if r.executor != nil && report.Status == model.StatusSuccess {
		r.execute(ctx, task, report)
		inv.Step("execute", string(report.Status))
	}
	return report
}

// execute applies each proposed change for real and records the outcomes.
// Any failed call downgrades the report to partial.
func (r *Runner) execute(ctx context.Context, task *model.TaskEnvelope, report *model.Report) {
	failed := 0
	for _, change := range report.ProposedChanges {
		if ctx.Err() != nil {
			break
		}
		outcome := r.executor.Apply(task, change)
		report.ExecutionResults = append(report.ExecutionResults, outcome)
		if !outcome.OK {
			failed++
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s %s: %s", outcome.Operation, outcome.Target, outcome.Error))
		}
	}
	if failed > 0 {
		report.Status = model.StatusPartial
		report.Summary = fmt.Sprintf("%s (%d of %d calls failed)",
			report.Summary, failed, len(report.ProposedChanges))
	}
}

// alreadyHandled checks the seen cache and then the outbox for an existing
// report carrying this task id. Reports are never deleted, so a file on disk
// is authoritative even across restarts.
func (r *Runner) alreadyHandled(taskID string) bool {
	if _, hit := r.seen.Get(taskID); hit {
		return true
	}
	for _, pattern := range []string{
		fmt.Sprintf("*_%s_report.json", taskID),
		fmt.Sprintf("*_%s_report.processed.json", taskID),
	} {
		matches, err := filepath.Glob(filepath.Join(r.reportDir(), pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// lockResource picks the lock scope for a task. The sheets agent locks the
// spreadsheet so two tasks never write the same document concurrently; every
// other kind locks the task itself.
func (r *Runner) lockResource(task *model.TaskEnvelope) string {
	if r.kind == model.AgentKindSheets {
		var p schema.SheetsParams
		if err := json.Unmarshal(task.Request.Params, &p); err == nil && p.SpreadsheetID != "" {
			return "spreadsheet_" + p.SpreadsheetID
		}
	}
	return "task_" + task.TaskID
}

// nextTask locates the next pending task: the oldest envelope file in the
// task inbox, falling back to a broker pop when one is configured.
func (r *Runner) nextTask(ctx context.Context) (*model.TaskEnvelope, string, string, error) {
	entries, err := os.ReadDir(r.tasksDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, "", "", fmt.Errorf("scanning task inbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(r.tasksDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var task model.TaskEnvelope
		if err := json.Unmarshal(data, &task); err != nil || task.TaskID == "" {
			r.logger.Warn("Setting aside unparseable task envelope",
				slog.String("path", path))
			if err := os.Rename(path, path+".malformed"); err != nil {
				r.logger.Warn("Failed to set aside envelope",
					slog.String("path", path), slog.String("error", err.Error()))
			}
			continue
		}
		return &task, path, "file", nil
	}

	if r.broker == nil {
		return nil, "", "", nil
	}
	data, err := r.broker.Pop(ctx, r.QueueName(), r.cfg.Queue.PollInterval)
	if err != nil {
		return nil, "", "", fmt.Errorf("popping task: %w", err)
	}
	if data == nil {
		return nil, "", "", nil
	}
	var task model.TaskEnvelope
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, "", "", fmt.Errorf("parsing broker envelope: %w", err)
	}
	return &task, "", "broker", nil
}

// writeReport persists the report atomically with its companion checksum.
func (r *Runner) writeReport(report *model.Report) (string, error) {
	path := filepath.Join(r.reportDir(),
		fmt.Sprintf("%s_%s_report.json", model.Stamp(r.now()), report.TaskID))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	hash := hashutil.ComputeBytes(data)
	if err := statestore.WriteFileAtomic(path+".hash", []byte(hash+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing report checksum: %w", err)
	}
	return path, nil
}

// archive renames a file-sourced task with the .done suffix. Broker-sourced
// tasks were consumed on pop and need no archival.
func (r *Runner) archive(taskPath, source string) {
	if source != "file" || taskPath == "" {
		return
	}
	if err := os.Rename(taskPath, taskPath+".done"); err != nil {
		r.logger.Warn("Failed to archive task",
			slog.String("path", taskPath), slog.String("error", err.Error()))
	}
}

// appendHealth records the cycle outcome on this agent's health file.
func (r *Runner) appendHealth(report *model.Report) {
	status := "success"
	hash := "-"
	if report != nil {
		status = string(report.Status)
		if h, err := hashutil.Compute(report); err == nil {
			hash = h[:16]
		}
	}
	if err := health.AppendEntry(r.healthFile(), r.now(), status, hash); err != nil {
		r.logger.Warn("Failed to append health entry", slog.String("error", err.Error()))
	}
}

// Close releases broker resources and any locks still held.
func (r *Runner) Close() error {
	r.locks.ReleaseAll()
	if r.broker != nil {
		return r.broker.Close()
	}
	return nil
}
