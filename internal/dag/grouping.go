package dag

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// CreatePhase inserts a phase with the next sequence in its project and a
// derived short id P<n>.
func CreatePhase(tx *sql.Tx, rec *eventlog.Recorder, projectID, title string) (types.Phase, error) {
	if title == "" {
		return types.Phase{}, types.E(types.KindInvalidArgument, "phase title is required")
	}
	if _, err := GetProject(tx, projectID); err != nil {
		return types.Phase{}, err
	}
	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM phases WHERE project_id = ?`, projectID,
	).Scan(&seq); err != nil {
		return types.Phase{}, fmt.Errorf("failed to compute phase sequence: %w", err)
	}
	ph := types.Phase{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Sequence:  seq,
		ShortID:   fmt.Sprintf("P%d", seq),
		Title:     title,
		CreatedAt: store.Now(),
	}
	_, err := tx.Exec(
		`INSERT INTO phases (id, project_id, sequence, short_id, title, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ph.ID, ph.ProjectID, ph.Sequence, ph.ShortID, ph.Title, ph.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Phase{}, types.Wrap(types.KindShortIDConflict, err, "short id %s already taken", ph.ShortID)
		}
		return types.Phase{}, fmt.Errorf("failed to insert phase: %w", err)
	}
	if _, err := rec.Append(projectID, types.EntityPhase, ph.ID, types.EventPhaseCreated,
		map[string]string{"short_id": ph.ShortID, "title": title}); err != nil {
		return types.Phase{}, err
	}
	return ph, nil
}

// GetPhase reads one phase.
func GetPhase(tx *sql.Tx, phaseID string) (types.Phase, error) {
	var ph types.Phase
	err := tx.QueryRow(
		`SELECT id, project_id, sequence, short_id, title, created_at FROM phases WHERE id = ?`,
		phaseID,
	).Scan(&ph.ID, &ph.ProjectID, &ph.Sequence, &ph.ShortID, &ph.Title, &ph.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Phase{}, types.E(types.KindInvalidArgument, "phase %s not found", phaseID)
	}
	if err != nil {
		return types.Phase{}, fmt.Errorf("failed to read phase: %w", err)
	}
	return ph, nil
}

// CreateMilestone inserts a milestone under a phase with short id P<n>.M<m>.
func CreateMilestone(tx *sql.Tx, rec *eventlog.Recorder, projectID, phaseID, title string) (types.Milestone, error) {
	if title == "" {
		return types.Milestone{}, types.E(types.KindInvalidArgument, "milestone title is required")
	}
	ph, err := GetPhase(tx, phaseID)
	if err != nil {
		return types.Milestone{}, err
	}
	if ph.ProjectID != projectID {
		return types.Milestone{}, types.E(types.KindInvalidArgument,
			"phase %s belongs to a different project", phaseID)
	}
	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM milestones WHERE phase_id = ?`, phaseID,
	).Scan(&seq); err != nil {
		return types.Milestone{}, fmt.Errorf("failed to compute milestone sequence: %w", err)
	}
	m := types.Milestone{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		PhaseID:   phaseID,
		Sequence:  seq,
		ShortID:   fmt.Sprintf("%s.M%d", ph.ShortID, seq),
		Title:     title,
		CreatedAt: store.Now(),
	}
	_, err = tx.Exec(
		`INSERT INTO milestones (id, project_id, phase_id, sequence, short_id, title, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.PhaseID, m.Sequence, m.ShortID, m.Title, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Milestone{}, types.Wrap(types.KindShortIDConflict, err, "short id %s already taken", m.ShortID)
		}
		return types.Milestone{}, fmt.Errorf("failed to insert milestone: %w", err)
	}
	if _, err := rec.Append(projectID, types.EntityMilestone, m.ID, types.EventMilestoneCreated,
		map[string]string{"short_id": m.ShortID, "title": title}); err != nil {
		return types.Milestone{}, err
	}
	return m, nil
}

// GetMilestone reads one milestone.
func GetMilestone(tx *sql.Tx, milestoneID string) (types.Milestone, error) {
	var m types.Milestone
	err := tx.QueryRow(
		`SELECT id, project_id, phase_id, sequence, short_id, title, created_at FROM milestones WHERE id = ?`,
		milestoneID,
	).Scan(&m.ID, &m.ProjectID, &m.PhaseID, &m.Sequence, &m.ShortID, &m.Title, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Milestone{}, types.E(types.KindInvalidArgument, "milestone %s not found", milestoneID)
	}
	if err != nil {
		return types.Milestone{}, fmt.Errorf("failed to read milestone: %w", err)
	}
	return m, nil
}
