package controller

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/oversightlabs/overseer/health"
	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/statedoc"
	"github.com/oversightlabs/overseer/statestore"
)

// Skill names the typed requests the controller accepts besides the plain
// inbox cycle.
type Skill string

const (
	SkillProcessInbox         Skill = "process_inbox"
	SkillEmitDirective        Skill = "emit_directive"
	SkillCheckHealth          Skill = "check_health"
	SkillReviewCandidate      Skill = "review_candidate"
	SkillRerouteTask          Skill = "reroute_task"
	SkillAggregateTeamReports Skill = "aggregate_team_reports"
	SkillUpdateState          Skill = "update_state"
)

// RerouteRequest moves a task from one agent to another.
type RerouteRequest struct {
	TaskID    string `json:"task_id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Team      string `json:"team"`
}

// SkillRequest is the typed request file the controller dispatches on.
type SkillRequest struct {
	Skill       Skill                   `json:"skill"`
	TeamFilter  string                  `json:"team_filter,omitempty"`
	Team        string                  `json:"team,omitempty"`
	Directive   *model.Directive        `json:"directive,omitempty"`
	Review      *ReviewRequest          `json:"review,omitempty"`
	Reroute     *RerouteRequest         `json:"reroute,omitempty"`
	StateUpdate *statedoc.UpdateRequest `json:"state_update,omitempty"`
}

// Execute dispatches one typed request. The returned value depends on the
// skill: cycle result, directive path, health summary, review result,
// aggregate, or state update result.
func (c *Controller) Execute(req *SkillRequest) (any, error) {
	switch req.Skill {
	case SkillProcessInbox:
		return c.ProcessInbox(req.TeamFilter)

	case SkillEmitDirective:
		if req.Directive == nil {
			return nil, fmt.Errorf("emit_directive requires a directive")
		}
		return c.EmitDirective(req.Team, req.Directive)

	case SkillCheckHealth:
		return c.CheckHealth()

	case SkillReviewCandidate:
		if req.Review == nil {
			return nil, fmt.Errorf("review_candidate requires a review decision")
		}
		return c.ReviewCandidate(req.Review)

	case SkillRerouteTask:
		if req.Reroute == nil {
			return nil, fmt.Errorf("reroute_task requires a reroute request")
		}
		return c.RerouteTask(req.Reroute)

	case SkillAggregateTeamReports:
		if req.Team == "" {
			return nil, fmt.Errorf("aggregate_team_reports requires a team")
		}
		return c.AggregateTeamReports(req.Team)

	case SkillUpdateState:
		if req.StateUpdate == nil {
			return nil, fmt.Errorf("update_state requires a state update request")
		}
		return c.state.Update(req.StateUpdate)
	}

	return nil, fmt.Errorf("unknown skill %q", req.Skill)
}

// ExecuteFile reads a typed request file and dispatches it.
func (c *Controller) ExecuteFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file: %w", err)
	}
	var req SkillRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request file: %w", err)
	}
	return c.Execute(&req)
}

// EmitDirective signs and writes one directive into a team's outbox,
// returning the written path.
func (c *Controller) EmitDirective(team string, directive *model.Directive) (string, error) {
	if directive.IssuedBy == "" {
		directive.IssuedBy = c.cfg.Identity.ControllerID
	}
	if err := directive.Validate(); err != nil {
		return "", err
	}
	if err := directive.Sign(); err != nil {
		return "", fmt.Errorf("signing directive: %w", err)
	}

	dir := filepath.Join(c.cfg.Resolve(c.cfg.Paths.OutboxDir), team, directive.TargetAgent)
	if directive.TargetAgent == model.OperatorTarget {
		dir = filepath.Join(c.cfg.Resolve(c.cfg.Paths.OutboxDir), "escalation")
	}
	path := filepath.Join(dir,
		fmt.Sprintf("%s_%s_directive.json", model.Stamp(c.now()), directive.Command))

	data, err := json.MarshalIndent(directive, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding directive: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing directive: %w", err)
	}

	c.metrics.DirectivesEmitted.Inc()
	c.logger.Info("Directive emitted",
		slog.String("directive_id", directive.DirectiveID),
		slog.String("target", directive.TargetAgent),
		slog.String("command", string(directive.Command)))
	return path, nil
}

// CheckHealth runs one health sweep outside a cycle: classify, persist the
// summary, escalate down agents.
func (c *Controller) CheckHealth() (*health.Summary, error) {
	result := &CycleResult{CycleID: "health-check"}
	c.healthSweep(result)
	if result.Health == nil {
		return nil, fmt.Errorf("health sweep produced no summary")
	}
	return result.Health, nil
}

// RerouteTask re-targets a task at a different agent via a signed retry
// directive carrying the original assignment.
func (c *Controller) RerouteTask(req *RerouteRequest) (string, error) {
	if req.TaskID == "" || req.ToAgent == "" || req.Team == "" {
		return "", fmt.Errorf("reroute_task requires task_id, to_agent, and team")
	}

	directive := model.NewDirective(req.ToAgent, model.CommandRetryTask, map[string]any{
		"original_task_id": req.TaskID,
		"rerouted_from":    req.FromAgent,
	}, c.cfg.Identity.ControllerID)
	return c.EmitDirective(req.Team, directive)
}

// TeamAggregate summarizes every report a team has produced.
type TeamAggregate struct {
	Team          string         `json:"team"`
	Reports       int            `json:"reports"`
	ByStatus      map[string]int `json:"by_status"`
	ByAgent       map[string]int `json:"by_agent"`
	TotalDuration float64        `json:"total_duration_ms"`
}

// AggregateTeamReports folds every report under one team's inbox subtree,
// processed or not, into a summary and persists it under the state
// directory.
func (c *Controller) AggregateTeamReports(team string) (*TeamAggregate, error) {
	teamDir := filepath.Join(c.cfg.Resolve(c.cfg.Paths.InboxDir), team)
	if _, err := os.Stat(teamDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("team %s has no inbox", team)
	}
	matches, err := doublestar.Glob(os.DirFS(teamDir), "**/*.json")
	if err != nil {
		return nil, fmt.Errorf("scanning team inbox: %w", err)
	}

	agg := &TeamAggregate{
		Team:     team,
		ByStatus: make(map[string]int),
		ByAgent:  make(map[string]int),
	}
	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(teamDir, rel))
		if err != nil {
			continue
		}
		var report model.Report
		if err := json.Unmarshal(data, &report); err != nil || report.Agent == "" || !report.Status.Valid() {
			continue
		}
		agg.Reports++
		agg.ByStatus[string(report.Status)]++
		agg.ByAgent[report.Agent]++
		agg.TotalDuration += report.Metrics.DurationMS
	}

	path := filepath.Join(c.cfg.Resolve(c.cfg.Paths.StateDir), "aggregates", team+".json")
	if err := statestore.New(c.logger).Save(path, agg); err != nil {
		return nil, fmt.Errorf("writing team aggregate: %w", err)
	}
	return agg, nil
}
