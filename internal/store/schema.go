package store

// Baseline schema, applied as migration 1. Enums are TEXT with CHECK
// constraints; JSON payloads are serialized TEXT columns. Append-only
// tables are protected by RAISE(ABORT) triggers below.
const baselineSchema = `
-- Projects: top-level isolation unit
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'archived')),
    plan_version INTEGER NOT NULL DEFAULT 0,
    replan_barrier INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Phases: short id P<n> unique within project
CREATE TABLE IF NOT EXISTS phases (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    short_id TEXT NOT NULL,
    title TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(project_id, short_id),
    UNIQUE(project_id, sequence),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Milestones: short id P<n>.M<m>, sequence per phase
CREATE TABLE IF NOT EXISTS milestones (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    phase_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    short_id TEXT NOT NULL,
    title TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(project_id, short_id),
    UNIQUE(phase_id, sequence),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (phase_id) REFERENCES phases(id) ON DELETE CASCADE
);

-- Tasks: the unit of execution
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    phase_id TEXT,
    milestone_id TEXT,
    sequence INTEGER NOT NULL DEFAULT 0,
    short_id TEXT NOT NULL,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 100,
    task_class TEXT NOT NULL DEFAULT 'other' CHECK(task_class IN (
        'architecture', 'db_schema', 'security', 'cross_cutting',
        'review_gate', 'merge_gate', 'frontend', 'backend', 'crud', 'other')),
    capability_tags TEXT NOT NULL DEFAULT '[]',
    expected_touches TEXT NOT NULL DEFAULT '[]',
    exclusive_paths TEXT NOT NULL DEFAULT '[]',
    shared_paths TEXT NOT NULL DEFAULT '[]',
    work_spec TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL DEFAULT 'backlog' CHECK(state IN (
        'backlog', 'ready', 'reserved', 'claimed', 'in_progress',
        'implemented', 'integrated', 'conflict', 'blocked', 'abandoned', 'cancelled')),
    version INTEGER NOT NULL DEFAULT 1,
    fencing_counter INTEGER NOT NULL DEFAULT 0,
    claimed_by TEXT NOT NULL DEFAULT '',
    ready_since DATETIME,
    introduced_in_plan INTEGER NOT NULL DEFAULT 0,
    deprecated_in_plan INTEGER NOT NULL DEFAULT 0,
    latest_material_plan INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(project_id, short_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (phase_id) REFERENCES phases(id) ON DELETE SET NULL,
    FOREIGN KEY (milestone_id) REFERENCES milestones(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_state ON tasks(project_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_milestone ON tasks(milestone_id);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);

-- Dependency edges: To depends on From
CREATE TABLE IF NOT EXISTS task_dependencies (
    project_id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    unlock_on TEXT NOT NULL DEFAULT 'implemented' CHECK(unlock_on IN ('implemented', 'integrated')),
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project_id, from_id, to_id),
    CHECK (from_id <> to_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (from_id) REFERENCES tasks(id) ON DELETE CASCADE,
    FOREIGN KEY (to_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_deps_to ON task_dependencies(to_id);
CREATE INDEX IF NOT EXISTS idx_deps_from ON task_dependencies(from_id);

-- Leases: at most one active per task (partial unique index)
CREATE TABLE IF NOT EXISTS leases (
    token TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    fencing_counter INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'expired', 'released', 'consumed')),
    ttl_seconds INTEGER NOT NULL,
    expires_at DATETIME NOT NULL,
    heartbeat_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leases_one_active
    ON leases(task_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(expires_at) WHERE status = 'active';

-- Reservations: at most one active per task
CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    assignee_agent_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'expired', 'released', 'consumed')),
    ttl_seconds INTEGER NOT NULL CHECK(ttl_seconds >= 60 AND ttl_seconds <= 86400),
    expires_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_one_active
    ON reservations(task_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(expires_at) WHERE status = 'active';

-- Artifacts: append-only evidence of work
CREATE TABLE IF NOT EXISTS artifacts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    check_status TEXT NOT NULL DEFAULT 'pending' CHECK(check_status IN ('pending', 'passed', 'failed')),
    touched_files TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);

-- Integration attempts: append-only merge outcomes
CREATE TABLE IF NOT EXISTS integration_attempts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK(outcome IN ('queued', 'success', 'conflict', 'failed_checks')),
    detail TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_integration_task ON integration_attempts(task_id);

-- Plan change sets
CREATE TABLE IF NOT EXISTS plan_change_sets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    base_plan_version INTEGER NOT NULL,
    target_plan_version INTEGER NOT NULL DEFAULT 0,
    operations TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'validated', 'applied', 'rejected')),
    reason TEXT NOT NULL DEFAULT '',
    impact_preview TEXT,
    created_at DATETIME NOT NULL,
    applied_at DATETIME,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Plan versions: exactly one row per applied version, no gaps
CREATE TABLE IF NOT EXISTS plan_versions (
    project_id TEXT NOT NULL,
    version_number INTEGER NOT NULL,
    change_set_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project_id, version_number),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (change_set_id) REFERENCES plan_change_sets(id)
);

-- Execution snapshots: immutable claim-time view of the work spec
CREATE TABLE IF NOT EXISTS task_snapshots (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    lease_token TEXT NOT NULL,
    plan_version INTEGER NOT NULL,
    work_spec TEXT NOT NULL,
    captured_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_snapshots_lease ON task_snapshots(lease_token);

-- Task changelog: append-only transition audit
CREATE TABLE IF NOT EXISTS task_changelog (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changelog_task ON task_changelog(task_id);

-- Gate rules
CREATE TABLE IF NOT EXISTS gate_rules (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    phase_id TEXT NOT NULL DEFAULT '',
    milestone_id TEXT NOT NULL DEFAULT '',
    task_classes TEXT NOT NULL DEFAULT '[]',
    condition TEXT NOT NULL CHECK(condition IN (
        'milestone_complete', 'implemented_backlog', 'risk_threshold', 'implemented_age')),
    threshold INTEGER NOT NULL DEFAULT 0,
    age_seconds INTEGER NOT NULL DEFAULT 0,
    checkpoint_class TEXT NOT NULL DEFAULT 'review_gate' CHECK(checkpoint_class IN ('review_gate', 'merge_gate')),
    required_evidence TEXT NOT NULL DEFAULT '[]',
    evidence_window_seconds INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Gate decisions
CREATE TABLE IF NOT EXISTS gate_decisions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    rule_id TEXT NOT NULL DEFAULT '',
    checkpoint_task_id TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK(outcome IN ('approved', 'rejected', 'approved_with_risk')),
    actor_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    evidence_refs TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_gate_decisions_task ON gate_decisions(task_id, created_at);

-- Gate candidate links
CREATE TABLE IF NOT EXISTS gate_candidates (
    checkpoint_task_id TEXT NOT NULL,
    candidate_task_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (checkpoint_task_id, candidate_task_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Event log: append-only, per-store monotonic ids in commit order
CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    correlation_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_log_project ON event_log(project_id, id);
CREATE INDEX IF NOT EXISTS idx_event_log_entity ON event_log(entity_type, entity_id);

-- API keys: only the hash of the secret is stored
CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    key_hash TEXT NOT NULL UNIQUE,
    role_scopes TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'revoked')),
    created_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Idempotency ledger: replayed correlation ids return the stored outcome
CREATE TABLE IF NOT EXISTS operation_results (
    project_id TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    op TEXT NOT NULL,
    outcome TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project_id, correlation_id)
);

-- Append-only protection. Updates and deletes fail at the storage layer.
CREATE TRIGGER IF NOT EXISTS event_log_no_update BEFORE UPDATE ON event_log
BEGIN SELECT RAISE(ABORT, 'event_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS event_log_no_delete BEFORE DELETE ON event_log
BEGIN SELECT RAISE(ABORT, 'event_log is append-only'); END;

CREATE TRIGGER IF NOT EXISTS task_changelog_no_update BEFORE UPDATE ON task_changelog
BEGIN SELECT RAISE(ABORT, 'task_changelog is append-only'); END;
CREATE TRIGGER IF NOT EXISTS task_changelog_no_delete BEFORE DELETE ON task_changelog
BEGIN SELECT RAISE(ABORT, 'task_changelog is append-only'); END;

CREATE TRIGGER IF NOT EXISTS artifacts_no_update BEFORE UPDATE ON artifacts
BEGIN SELECT RAISE(ABORT, 'artifacts are append-only'); END;
CREATE TRIGGER IF NOT EXISTS artifacts_no_delete BEFORE DELETE ON artifacts
BEGIN SELECT RAISE(ABORT, 'artifacts are append-only'); END;

CREATE TRIGGER IF NOT EXISTS integration_attempts_no_update BEFORE UPDATE ON integration_attempts
BEGIN SELECT RAISE(ABORT, 'integration_attempts are append-only'); END;
CREATE TRIGGER IF NOT EXISTS integration_attempts_no_delete BEFORE DELETE ON integration_attempts
BEGIN SELECT RAISE(ABORT, 'integration_attempts are append-only'); END;
`
