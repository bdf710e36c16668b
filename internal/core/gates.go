package core

import (
	"context"
	"database/sql"

	"tascade/internal/eventlog"
	"tascade/internal/gate"
	"tascade/internal/types"
)

// CreateGateRule installs an enabled checkpoint policy rule.
func (e *Engine) CreateGateRule(ctx context.Context, caller Caller, in gate.NewRuleInput) (types.GateRule, error) {
	var r types.GateRule
	err := e.write(ctx, caller, types.RoleOperator, in.ProjectID, "gate_rule.create", &r,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return gate.CreateRule(tx, rec, in)
		})
	return r, err
}

// SetGateRuleEnabled toggles a rule.
func (e *Engine) SetGateRuleEnabled(ctx context.Context, caller Caller, projectID, ruleID string, enabled bool) error {
	return e.write(ctx, caller, types.RoleOperator, projectID, "gate_rule.toggle", nil,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return nil, gate.SetRuleEnabled(tx, ruleID, enabled)
		})
}

// ListGateRules lists a project's rules.
func (e *Engine) ListGateRules(caller Caller, projectID string) ([]types.GateRule, error) {
	var out []types.GateRule
	err := e.read(caller, types.RoleReviewer, projectID, func(db *sql.DB) error {
		var err error
		out, err = gate.ListRules(db, projectID)
		return err
	})
	return out, err
}

// RecordGateDecision appends one auditable review outcome.
func (e *Engine) RecordGateDecision(ctx context.Context, caller Caller, in gate.DecisionInput) (types.GateDecision, error) {
	in.ActorID = caller.ActorID()
	var d types.GateDecision
	err := e.write(ctx, caller, types.RoleReviewer, in.ProjectID, "gate_decision.record", &d,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return gate.RecordDecision(tx, rec, in)
		})
	return d, err
}

// EvaluateGates runs rule evaluation on demand, returning any newly opened
// checkpoint tasks. The sweep supervisor calls this on its tick.
func (e *Engine) EvaluateGates(ctx context.Context, caller Caller, projectID string) ([]types.Task, error) {
	var opened []types.Task
	err := e.write(ctx, caller, types.RoleOperator, projectID, "gate.evaluate", &opened,
		func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error) {
			return gate.Evaluate(tx, rec, projectID)
		})
	return opened, err
}

// Checkpoints returns the open gates with age, SLA state and risk summary.
func (e *Engine) Checkpoints(caller Caller, projectID string) ([]types.CheckpointView, error) {
	var out []types.CheckpointView
	err := e.read(caller, types.RoleReviewer, projectID, func(db *sql.DB) error {
		var err error
		out, err = gate.ListCheckpoints(db, projectID, int(e.cfg.Gates.CheckpointSLA.Seconds()))
		return err
	})
	return out, err
}
