package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gigflow/internal/config"
	"gigflow/internal/domain"
	"gigflow/internal/events"
	"gigflow/internal/repo"
	"gigflow/internal/rules"
)

// Rule execution outcomes. SKIPPED means the condition did not hold and the
// counters were left alone; FAILURE means the action ran and failed, which
// bumps run_count but not success_count.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeSkipped = "SKIPPED"
	OutcomeFailure = "FAILURE"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Rules  *rules.Evaluator
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	eval, err := rules.NewEvaluator()
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Rules:  eval,
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RuleCreateOptions are parameters for authoring a rule.
type RuleCreateOptions struct {
	ID           string
	Name         string
	Description  string
	Type         string
	Trigger      string
	Condition    string
	ActionKind   string
	ActionConfig string
	IsActive     bool
	ActorID      string
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutomationRule, error) {
	if e.Config == nil {
		return domain.AutomationRule{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.AutomationRule{}, validationf("name is required")
	}
	if opts.Trigger == "" {
		opts.Trigger = config.TriggerManual
	}
	if !e.Config.KnownTrigger(opts.Trigger) {
		return domain.AutomationRule{}, validationf("unknown trigger %q", opts.Trigger)
	}
	if err := e.Rules.Check(opts.Condition); err != nil {
		return domain.AutomationRule{}, validationf("condition: %v", err)
	}
	if _, err := rules.ParseAction(opts.ActionKind, opts.ActionConfig); err != nil {
		return domain.AutomationRule{}, validationf("action: %v", err)
	}
	if opts.Type == "" {
		opts.Type = "GENERAL"
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	rule := domain.AutomationRule{
		ID:           id,
		Name:         opts.Name,
		Description:  opts.Description,
		Type:         opts.Type,
		Trigger:      opts.Trigger,
		Condition:    opts.Condition,
		ActionKind:   opts.ActionKind,
		ActionConfig: opts.ActionConfig,
		IsActive:     opts.IsActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "rule.created", "rule", rule.ID, opts.ActorID, events.EventPayload{
		"name":    rule.Name,
		"trigger": rule.Trigger,
	}); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationRule{}, err
	}
	return rule, nil
}

// RuleUpdateOptions encapsulates the editable fields. Nil means unchanged.
type RuleUpdateOptions struct {
	ID           string
	Name         *string
	Description  *string
	Type         *string
	Trigger      *string
	Condition    *string
	ActionKind   *string
	ActionConfig *string
	IsActive     *bool
	ActorID      string
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, opts.ID)
	if err != nil {
		return rule, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return rule, validationf("name cannot be empty")
		}
		rule.Name = *opts.Name
	}
	if opts.Description != nil {
		rule.Description = *opts.Description
	}
	if opts.Type != nil {
		rule.Type = *opts.Type
	}
	if opts.Trigger != nil {
		if !e.Config.KnownTrigger(*opts.Trigger) {
			return rule, validationf("unknown trigger %q", *opts.Trigger)
		}
		rule.Trigger = *opts.Trigger
	}
	if opts.Condition != nil {
		if err := e.Rules.Check(*opts.Condition); err != nil {
			return rule, validationf("condition: %v", err)
		}
		rule.Condition = *opts.Condition
	}
	if opts.ActionKind != nil {
		rule.ActionKind = *opts.ActionKind
	}
	if opts.ActionConfig != nil {
		rule.ActionConfig = *opts.ActionConfig
	}
	if opts.ActionKind != nil || opts.ActionConfig != nil {
		if _, err := rules.ParseAction(rule.ActionKind, rule.ActionConfig); err != nil {
			return rule, validationf("action: %v", err)
		}
	}
	if opts.IsActive != nil {
		rule.IsActive = *opts.IsActive
	}
	rule.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRule(ctx, rule); err != nil {
		return rule, err
	}
	return rule, nil
}

// ExecuteResult is the structured outcome of one rule execution.
type ExecuteResult struct {
	RuleID       string         `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	Outcome      string         `json:"outcome" enum:"SUCCESS,SKIPPED,FAILURE"`
	Error        string         `json:"error,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	RunCount     int64          `json:"run_count"`
	SuccessCount int64          `json:"success_count"`
}

// ExecuteRule runs exactly one rule against a trigger context. The rule need
// not be active; manual execution is always allowed. Action failures are
// captured in the result, never returned as an error, so a scheduler driving
// many rules keeps going.
func (e Engine) ExecuteRule(ctx context.Context, ruleID string, trigCtx map[string]any, actorID string) (ExecuteResult, error) {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return ExecuteResult{}, err
	}
	return e.runRule(ctx, rule, rule.Trigger, trigCtx, actorID)
}

func (e Engine) runRule(ctx context.Context, rule domain.AutomationRule, trigger string, trigCtx map[string]any, actorID string) (ExecuteResult, error) {
	res := ExecuteResult{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		RunCount:     rule.RunCount,
		SuccessCount: rule.SuccessCount,
	}
	ok, err := e.Rules.Evaluate(rule.Condition, trigger, trigCtx)
	if err != nil {
		// A broken condition is a downstream failure: the attempt counts.
		return e.recordOutcome(ctx, res, rule, false, DownstreamError{Op: "evaluate condition", Err: err}, nil, actorID)
	}
	if !ok {
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	action, err := rules.ParseAction(rule.ActionKind, rule.ActionConfig)
	if err != nil {
		return e.recordOutcome(ctx, res, rule, false, DownstreamError{Op: "parse action", Err: err}, nil, actorID)
	}
	detail, actErr := rules.Perform(ctx, ruleSink{e}, action, trigCtx)
	if actErr != nil {
		return e.recordOutcome(ctx, res, rule, false, DownstreamError{Op: "perform " + rule.ActionKind, Err: actErr}, nil, actorID)
	}
	return e.recordOutcome(ctx, res, rule, true, nil, detail, actorID)
}

// recordOutcome bumps the rule counters atomically and appends the execution
// event in one transaction. The failure error is folded into the result.
func (e Engine) recordOutcome(ctx context.Context, res ExecuteResult, rule domain.AutomationRule, success bool, failure error, detail map[string]any, actorID string) (ExecuteResult, error) {
	if success {
		res.Outcome = OutcomeSuccess
		res.Detail = detail
	} else {
		res.Outcome = OutcomeFailure
		res.Error = failure.Error()
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	runCount, successCount, err := e.Repo.IncrementRunCounters(ctx, tx, rule.ID, success, now)
	if err != nil {
		return res, err
	}
	res.RunCount = runCount
	res.SuccessCount = successCount
	if err := e.Events.Append(ctx, tx, "rule.executed", "rule", rule.ID, actorID, events.EventPayload{
		"outcome":       res.Outcome,
		"error":         res.Error,
		"run_count":     runCount,
		"success_count": successCount,
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// Dispatch runs every active rule registered for the trigger, in stable
// order, and returns one result per rule. A failing rule never aborts its
// siblings; cancellation between items leaves committed work committed.
func (e Engine) Dispatch(ctx context.Context, trigger string, trigCtx map[string]any, actorID string) ([]ExecuteResult, error) {
	if trigger == "" || trigger == config.TriggerManual {
		return nil, validationf("dispatch requires a non-manual trigger")
	}
	active := true
	matched, err := e.Repo.ListRules(ctx, repo.RuleFilters{Trigger: trigger, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", trigger, err)
	}
	results := make([]ExecuteResult, 0, len(matched))
	for _, rule := range matched {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.runRule(ctx, rule, trigger, trigCtx, actorID)
		if err != nil {
			// Storage-level trouble for one rule is still contained.
			res.RuleID = rule.ID
			res.RuleName = rule.Name
			res.Outcome = OutcomeFailure
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// dispatchTrigger fans an engine-internal event out to matching rules after
// the originating transaction committed. Failures are already folded into
// per-rule outcomes and the event log; a trigger can never undo committed
// work, so nothing propagates.
func (e Engine) dispatchTrigger(ctx context.Context, trigger string, trigCtx map[string]any, actorID string) []ExecuteResult {
	results, _ := e.Dispatch(ctx, trigger, trigCtx, actorID)
	return results
}

func marshalContext(trigCtx map[string]any) string {
	if trigCtx == nil {
		return "{}"
	}
	b, err := json.Marshal(trigCtx)
	if err != nil {
		return "{}"
	}
	return string(b)
}
