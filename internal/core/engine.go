// Package core wires the engines together behind one facade. Every
// mutating operation runs in a single transaction with an event recorder,
// checks the caller's role and project scope first, consults the
// idempotency ledger when a correlation id is supplied, and publishes the
// committed events to the in-process bus after the transaction lands.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tascade/internal/auth"
	"tascade/internal/config"
	"tascade/internal/dag"
	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// Engine is the single entry point for all operations.
type Engine struct {
	store   *store.Store
	cfg     *config.Config
	bus     *eventlog.Bus
	context *dag.ContextService
}

// New builds an engine over an open store.
func New(st *store.Store, cfg *config.Config) *Engine {
	return &Engine{
		store: st,
		cfg:   cfg,
		bus:   eventlog.NewBus(),
		context: dag.NewContextService(st,
			cfg.Context.MaxDepth,
			cfg.Context.DefaultAncestorDepth,
			cfg.Context.DefaultDependentDepth,
			cfg.Context.CacheTTL),
	}
}

// Bus exposes the post-commit event bus for subscribers.
func (e *Engine) Bus() *eventlog.Bus { return e.bus }

// Store exposes the underlying store, mainly for the CLI.
func (e *Engine) Store() *store.Store { return e.store }

// Authenticate resolves an API key secret to a principal. With auth
// disabled (test only) every caller is the bootstrap admin.
func (e *Engine) Authenticate(secret string) (types.Principal, error) {
	if e.cfg.Auth.Disabled {
		return auth.AdminPrincipal(), nil
	}
	return auth.Authenticate(e.store.DB(), secret)
}

// Caller identifies one request: the resolved principal plus an optional
// correlation id for idempotent replay.
type Caller struct {
	Principal     types.Principal
	CorrelationID string
}

// ActorID returns the id stamped on changelog rows and events.
func (c Caller) ActorID() string {
	if c.Principal.ActorID != "" {
		return c.Principal.ActorID
	}
	return c.Principal.KeyID
}

// write runs a role-checked mutation in one transaction. When the caller
// supplies a correlation id and the operation already committed, the stored
// outcome is decoded into out and the mutation is skipped. Otherwise fn
// runs, its result is stored under the correlation id, and the recorded
// events go out on the bus after commit.
func (e *Engine) write(ctx context.Context, caller Caller, role types.Role, projectID, op string, out interface{}, fn func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error)) error {
	if err := auth.Require(caller.Principal, role, projectID); err != nil {
		return err
	}
	var events []types.Event
	replayed := false
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		stored, found, err := store.LookupOperationResult(tx, projectID, caller.CorrelationID)
		if err != nil {
			return err
		}
		if found {
			replayed = true
			if out == nil || stored == "" {
				return nil
			}
			if err := json.Unmarshal([]byte(stored), out); err != nil {
				return fmt.Errorf("corrupt stored outcome for %s: %w", op, err)
			}
			return nil
		}

		rec := eventlog.NewRecorder(tx, caller.CorrelationID)
		result, err := fn(tx, rec)
		if err != nil {
			return err
		}
		outcome := ""
		if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to encode outcome for %s: %w", op, err)
			}
			outcome = string(raw)
			if out != nil {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("failed to decode outcome for %s: %w", op, err)
				}
			}
		}
		if err := store.SaveOperationResult(tx, projectID, caller.CorrelationID, op, outcome); err != nil {
			return err
		}
		events = rec.Events()
		return nil
	})
	if err != nil {
		return err
	}
	if !replayed && len(events) > 0 {
		e.bus.Publish(events...)
	}
	return nil
}

// writeAdmin is write for bootstrap operations gated on the admin role
// regardless of project scope.
func (e *Engine) writeAdmin(ctx context.Context, caller Caller, projectID, op string, out interface{}, fn func(tx *sql.Tx, rec *eventlog.Recorder) (interface{}, error)) error {
	if err := auth.RequireAdmin(caller.Principal); err != nil {
		return err
	}
	return e.write(ctx, caller, types.RoleAdmin, projectID, op, out, fn)
}

// read checks role and project scope, then runs fn against the raw handle.
func (e *Engine) read(caller Caller, role types.Role, projectID string, fn func(db *sql.DB) error) error {
	if err := auth.Require(caller.Principal, role, projectID); err != nil {
		return err
	}
	return fn(e.store.DB())
}
