package dag

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

// TaskColumns is the canonical select list for task rows; ScanTask decodes
// rows produced with it. Exported so the scheduler and gate engines can
// scan tasks from their own queries.
const TaskColumns = `id, project_id, phase_id, milestone_id, sequence, short_id, title, description,
	priority, task_class, capability_tags, expected_touches, exclusive_paths, shared_paths,
	work_spec, state, version, fencing_counter, claimed_by, ready_since,
	introduced_in_plan, deprecated_in_plan, latest_material_plan, created_at, updated_at`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanTask decodes one task row selected with TaskColumns.
func ScanTask(r RowScanner) (types.Task, error) {
	var (
		t                           types.Task
		phaseID, milestoneID        sql.NullString
		tags, touches, excl, shared string
		spec                        string
		readySince                  sql.NullTime
	)
	err := r.Scan(&t.ID, &t.ProjectID, &phaseID, &milestoneID, &t.Sequence, &t.ShortID,
		&t.Title, &t.Description, &t.Priority, &t.Class, &tags, &touches, &excl, &shared,
		&spec, &t.State, &t.Version, &t.FencingCounter, &t.ClaimedBy, &readySince,
		&t.IntroducedInPlan, &t.DeprecatedInPlan, &t.LatestMaterialVer, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return types.Task{}, err
	}
	t.PhaseID = phaseID.String
	t.MilestoneID = milestoneID.String
	if readySince.Valid {
		ts := readySince.Time
		t.ReadySince = &ts
	}
	lists := []struct {
		raw string
		dst *[]string
	}{
		{tags, &t.CapabilityTags},
		{touches, &t.ExpectedTouches},
		{excl, &t.ExclusivePaths},
		{shared, &t.SharedPaths},
	}
	for _, l := range lists {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return types.Task{}, fmt.Errorf("corrupt list column on task %s: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(spec), &t.WorkSpec); err != nil {
		return types.Task{}, fmt.Errorf("corrupt work_spec on task %s: %w", t.ID, err)
	}
	return t, nil
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func jsonSpec(w types.WorkSpec) string {
	data, _ := json.Marshal(w)
	return string(data)
}

// NewTaskInput carries the caller-supplied fields of a task. ShortID is
// normally derived; gate synthesis passes a deterministic one explicitly.
type NewTaskInput struct {
	ProjectID       string
	PhaseID         string
	MilestoneID     string
	Title           string
	Description     string
	Priority        int
	Class           types.TaskClass
	CapabilityTags  []string
	ExpectedTouches []string
	ExclusivePaths  []string
	SharedPaths     []string
	WorkSpec        types.WorkSpec
	ShortID         string
	PlanVersion     int64
	InitialState    types.TaskState
}

// CreateTask inserts a task. Without a milestone the short id is a
// project-level T<k>; under a milestone it is <milestone>.T<k> with k the
// next unused sequence in that scope.
func CreateTask(tx *sql.Tx, rec *eventlog.Recorder, in NewTaskInput) (types.Task, error) {
	if in.Title == "" {
		return types.Task{}, types.E(types.KindInvalidArgument, "task title is required")
	}
	if in.Class == "" {
		in.Class = types.ClassOther
	}
	if in.InitialState == "" {
		in.InitialState = types.StateBacklog
	}
	if _, err := GetProject(tx, in.ProjectID); err != nil {
		return types.Task{}, err
	}
	if in.PhaseID != "" {
		ph, err := GetPhase(tx, in.PhaseID)
		if err != nil {
			return types.Task{}, err
		}
		if ph.ProjectID != in.ProjectID {
			return types.Task{}, types.E(types.KindInvalidArgument, "phase %s belongs to a different project", in.PhaseID)
		}
	}

	var seq int
	shortID := in.ShortID
	if in.MilestoneID != "" {
		m, err := GetMilestone(tx, in.MilestoneID)
		if err != nil {
			return types.Task{}, err
		}
		if m.ProjectID != in.ProjectID {
			return types.Task{}, types.E(types.KindInvalidArgument, "milestone %s belongs to a different project", in.MilestoneID)
		}
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM tasks WHERE milestone_id = ?`, in.MilestoneID,
		).Scan(&seq); err != nil {
			return types.Task{}, fmt.Errorf("failed to compute task sequence: %w", err)
		}
		if shortID == "" {
			shortID = fmt.Sprintf("%s.T%d", m.ShortID, seq)
		}
	} else {
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM tasks WHERE project_id = ? AND milestone_id IS NULL`,
			in.ProjectID,
		).Scan(&seq); err != nil {
			return types.Task{}, fmt.Errorf("failed to compute task sequence: %w", err)
		}
		if shortID == "" {
			shortID = fmt.Sprintf("T%d", seq)
		}
	}

	now := store.Now()
	t := types.Task{
		ID:               uuid.NewString(),
		ShortID:          shortID,
		ProjectID:        in.ProjectID,
		PhaseID:          in.PhaseID,
		MilestoneID:      in.MilestoneID,
		Sequence:         seq,
		Title:            in.Title,
		Description:      in.Description,
		Priority:         in.Priority,
		Class:            in.Class,
		CapabilityTags:   in.CapabilityTags,
		ExpectedTouches:  in.ExpectedTouches,
		ExclusivePaths:   in.ExclusivePaths,
		SharedPaths:      in.SharedPaths,
		WorkSpec:         in.WorkSpec,
		State:            in.InitialState,
		Version:          1,
		IntroducedInPlan: in.PlanVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var phaseID, milestoneID interface{}
	if t.PhaseID != "" {
		phaseID = t.PhaseID
	}
	if t.MilestoneID != "" {
		milestoneID = t.MilestoneID
	}
	_, err := tx.Exec(
		`INSERT INTO tasks (id, project_id, phase_id, milestone_id, sequence, short_id, title, description,
			priority, task_class, capability_tags, expected_touches, exclusive_paths, shared_paths,
			work_spec, state, version, fencing_counter, claimed_by, ready_since,
			introduced_in_plan, deprecated_in_plan, latest_material_plan, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, '', NULL, ?, 0, 0, ?, ?)`,
		t.ID, t.ProjectID, phaseID, milestoneID, t.Sequence, t.ShortID, t.Title, t.Description,
		t.Priority, t.Class, jsonList(t.CapabilityTags), jsonList(t.ExpectedTouches),
		jsonList(t.ExclusivePaths), jsonList(t.SharedPaths), jsonSpec(t.WorkSpec), t.State,
		t.IntroducedInPlan, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Task{}, types.Wrap(types.KindShortIDConflict, err, "short id %s already taken", t.ShortID)
		}
		return types.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	if _, err := rec.Append(t.ProjectID, types.EntityTask, t.ID, types.EventTaskCreated,
		map[string]interface{}{"short_id": t.ShortID, "title": t.Title, "task_class": t.Class}); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

// GetTask reads one task inside a transaction.
func GetTask(tx *sql.Tx, taskID string) (types.Task, error) {
	row := tx.QueryRow(`SELECT `+TaskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := ScanTask(row)
	if err == sql.ErrNoRows {
		return types.Task{}, types.E(types.KindTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// GetTaskDB reads one task outside a transaction.
func GetTaskDB(db *sql.DB, taskID string) (types.Task, error) {
	row := db.QueryRow(`SELECT `+TaskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := ScanTask(row)
	if err == sql.ErrNoRows {
		return types.Task{}, types.E(types.KindTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// GetTaskByShortID resolves a task within a project by its short id.
func GetTaskByShortID(tx *sql.Tx, projectID, shortID string) (types.Task, error) {
	row := tx.QueryRow(`SELECT `+TaskColumns+` FROM tasks WHERE project_id = ? AND short_id = ?`,
		projectID, shortID)
	t, err := ScanTask(row)
	if err == sql.ErrNoRows {
		return types.Task{}, types.E(types.KindTaskNotFound, "task %s not found in project", shortID)
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// ApplyTaskUpdate writes the set fields of a TaskUpdate and bumps the task
// version. It returns the pre-update and post-update rows; the replan
// engine compares them for material-change classification.
func ApplyTaskUpdate(tx *sql.Tx, rec *eventlog.Recorder, taskID string, u *types.TaskUpdate) (before, after types.Task, err error) {
	before, err = GetTask(tx, taskID)
	if err != nil {
		return types.Task{}, types.Task{}, err
	}
	after = before
	if u.Title != nil {
		after.Title = *u.Title
	}
	if u.Description != nil {
		after.Description = *u.Description
	}
	if u.Priority != nil {
		after.Priority = *u.Priority
	}
	if u.Class != nil {
		after.Class = *u.Class
	}
	if u.CapabilityTags != nil {
		after.CapabilityTags = *u.CapabilityTags
	}
	if u.ExclusivePaths != nil {
		after.ExclusivePaths = *u.ExclusivePaths
	}
	if u.SharedPaths != nil {
		after.SharedPaths = *u.SharedPaths
	}
	if u.WorkSpec != nil {
		after.WorkSpec = *u.WorkSpec
	}
	after.Version = before.Version + 1
	after.UpdatedAt = store.Now()

	_, err = tx.Exec(
		`UPDATE tasks SET title = ?, description = ?, priority = ?, task_class = ?,
			capability_tags = ?, exclusive_paths = ?, shared_paths = ?, work_spec = ?,
			version = ?, updated_at = ?
		 WHERE id = ?`,
		after.Title, after.Description, after.Priority, after.Class,
		jsonList(after.CapabilityTags), jsonList(after.ExclusivePaths), jsonList(after.SharedPaths),
		jsonSpec(after.WorkSpec), after.Version, after.UpdatedAt, taskID,
	)
	if err != nil {
		return types.Task{}, types.Task{}, fmt.Errorf("failed to update task: %w", err)
	}
	if _, err := rec.Append(after.ProjectID, types.EntityTask, taskID, types.EventTaskUpdated,
		map[string]interface{}{"version": after.Version}); err != nil {
		return types.Task{}, types.Task{}, err
	}
	return before, after, nil
}

// TaskFilter selects tasks for listing. Zero values mean "no constraint".
type TaskFilter struct {
	ProjectID   string
	State       types.TaskState
	PhaseID     string
	MilestoneID string
	Class       types.TaskClass
	Capability  string
	Text        string
	Limit       int
	Offset      int
}

// ListTasks returns tasks matching the filter, ordered by (priority,
// short_id) for stability.
func ListTasks(db *sql.DB, f TaskFilter) ([]types.Task, error) {
	var (
		conds []string
		args  []interface{}
	)
	conds = append(conds, "project_id = ?")
	args = append(args, f.ProjectID)
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.PhaseID != "" {
		conds = append(conds, "phase_id = ?")
		args = append(args, f.PhaseID)
	}
	if f.MilestoneID != "" {
		conds = append(conds, "milestone_id = ?")
		args = append(args, f.MilestoneID)
	}
	if f.Class != "" {
		conds = append(conds, "task_class = ?")
		args = append(args, f.Class)
	}
	if f.Capability != "" {
		conds = append(conds, "capability_tags LIKE ?")
		args = append(args, "%\""+f.Capability+"\"%")
	}
	if f.Text != "" {
		conds = append(conds, "(title LIKE ? OR description LIKE ?)")
		pat := "%" + f.Text + "%"
		args = append(args, pat, pat)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + TaskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY priority ASC, short_id ASC LIMIT ? OFFSET ?`
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// isUniqueViolation detects SQLite unique/primary-key constraint failures
// without binding to driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
