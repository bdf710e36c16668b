// Package dag persists the project graph: projects, phases, milestones,
// tasks and dependency edges, with short-id generation, cycle prevention,
// and bounded context subgraph retrieval. All writes run in the caller's
// transaction; invariants are enforced before any row is touched.
package dag

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tascade/internal/eventlog"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// CreateProject inserts a project with plan version 0.
func CreateProject(tx *sql.Tx, rec *eventlog.Recorder, name, description string) (types.Project, error) {
	if name == "" {
		return types.Project{}, types.E(types.KindInvalidArgument, "project name is required")
	}
	now := store.Now()
	p := types.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      types.ProjectActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := tx.Exec(
		`INSERT INTO projects (id, name, description, status, plan_version, replan_barrier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		p.ID, p.Name, p.Description, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return types.Project{}, fmt.Errorf("failed to insert project: %w", err)
	}
	if _, err := rec.Append(p.ID, types.EntityProject, p.ID, types.EventProjectCreated,
		map[string]string{"name": name}); err != nil {
		return types.Project{}, err
	}
	logging.Get(logging.CategoryDAG).Info("project created",
		zap.String("project", p.ID), zap.String("name", name))
	return p, nil
}

// GetProject reads one project inside a transaction.
func GetProject(tx *sql.Tx, projectID string) (types.Project, error) {
	var p types.Project
	var barrier int
	err := tx.QueryRow(
		`SELECT id, name, description, status, plan_version, replan_barrier, created_at, updated_at
		 FROM projects WHERE id = ?`, projectID,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.PlanVersion, &barrier, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return types.Project{}, types.E(types.KindProjectNotFound, "project %s not found", projectID)
	}
	if err != nil {
		return types.Project{}, fmt.Errorf("failed to read project: %w", err)
	}
	p.ReplanBarrier = barrier != 0
	return p, nil
}

// ListProjects returns all projects, oldest first.
func ListProjects(db *sql.DB) ([]types.Project, error) {
	rows, err := db.Query(
		`SELECT id, name, description, status, plan_version, replan_barrier, created_at, updated_at
		 FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []types.Project
	for rows.Next() {
		var p types.Project
		var barrier int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.PlanVersion,
			&barrier, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.ReplanBarrier = barrier != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetReplanBarrier toggles the claims barrier used while a replan is being
// coordinated. Claims are refused while the barrier is up.
func SetReplanBarrier(tx *sql.Tx, projectID string, up bool) error {
	v := 0
	if up {
		v = 1
	}
	res, err := tx.Exec(`UPDATE projects SET replan_barrier = ?, updated_at = ? WHERE id = ?`,
		v, store.Now(), projectID)
	if err != nil {
		return fmt.Errorf("failed to set replan barrier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindProjectNotFound, "project %s not found", projectID)
	}
	return nil
}

// BumpPlanVersion increments the project's plan counter and returns the new
// value. Callers must already hold the plan-version row via the enclosing
// write transaction.
func BumpPlanVersion(tx *sql.Tx, projectID string) (int64, error) {
	if _, err := tx.Exec(
		`UPDATE projects SET plan_version = plan_version + 1, updated_at = ? WHERE id = ?`,
		store.Now(), projectID); err != nil {
		return 0, fmt.Errorf("failed to bump plan version: %w", err)
	}
	var v int64
	if err := tx.QueryRow(`SELECT plan_version FROM projects WHERE id = ?`, projectID).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read plan version: %w", err)
	}
	return v, nil
}
