package replan

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"tascade/internal/eventlog"
	"tascade/internal/types"
)

// graphState is an in-memory view of a project's tasks and edges used to
// simulate a change set without touching rows.
type graphState struct {
	tasks    map[string]types.Task
	incoming map[string][]types.DependencyEdge
	outgoing map[string][]types.DependencyEdge
}

func loadGraph(tx *sql.Tx, projectID string) (*graphState, error) {
	g := &graphState{
		tasks:    map[string]types.Task{},
		incoming: map[string][]types.DependencyEdge{},
		outgoing: map[string][]types.DependencyEdge{},
	}
	rows, err := tx.Query(
		`SELECT id, short_id, state, task_class, priority, capability_tags, exclusive_paths, shared_paths,
			work_spec, claimed_by, deprecated_in_plan
		 FROM tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t                  types.Task
			tags, excl, shared string
			spec               string
		)
		if err := rows.Scan(&t.ID, &t.ShortID, &t.State, &t.Class, &t.Priority,
			&tags, &excl, &shared, &spec, &t.ClaimedBy, &t.DeprecatedInPlan); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.ProjectID = projectID
		if err := decodeGraphLists(&t, tags, excl, shared, spec); err != nil {
			return nil, err
		}
		g.tasks[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := tx.Query(
		`SELECT project_id, from_id, to_id, unlock_on, created_at FROM task_dependencies WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e types.DependencyEdge
		if err := edgeRows.Scan(&e.ProjectID, &e.FromID, &e.ToID, &e.UnlockOn, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		g.incoming[e.ToID] = append(g.incoming[e.ToID], e)
		g.outgoing[e.FromID] = append(g.outgoing[e.FromID], e)
	}
	return g, edgeRows.Err()
}

func decodeGraphLists(t *types.Task, tags, excl, shared, spec string) error {
	lists := []struct {
		raw string
		dst *[]string
	}{
		{tags, &t.CapabilityTags},
		{excl, &t.ExclusivePaths},
		{shared, &t.SharedPaths},
	}
	for _, l := range lists {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return fmt.Errorf("corrupt list column on task %s: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(spec), &t.WorkSpec); err != nil {
		return fmt.Errorf("corrupt work_spec on task %s: %w", t.ID, err)
	}
	return nil
}

// satisfied mirrors the scheduler's readiness rule against the in-memory
// graph.
func (g *graphState) satisfied(taskID string) bool {
	for _, e := range g.incoming[taskID] {
		from, ok := g.tasks[e.FromID]
		if !ok {
			continue
		}
		if !e.UnlockOn.Satisfied(from.State) {
			return false
		}
	}
	return true
}

// wouldCycle reports whether adding from→to creates a cycle, by walking
// reachability from `to` looking for `from`.
func (g *graphState) wouldCycle(fromID, toID string) bool {
	if fromID == toID {
		return true
	}
	seen := map[string]bool{toID: true}
	stack := []string{toID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.outgoing[cur] {
			if e.ToID == fromID {
				return true
			}
			if !seen[e.ToID] {
				seen[e.ToID] = true
				stack = append(stack, e.ToID)
			}
		}
	}
	return false
}

func (g *graphState) addEdge(e types.DependencyEdge) {
	g.incoming[e.ToID] = append(g.incoming[e.ToID], e)
	g.outgoing[e.FromID] = append(g.outgoing[e.FromID], e)
}

func (g *graphState) hasEdge(fromID, toID string) bool {
	for _, e := range g.outgoing[fromID] {
		if e.ToID == toID {
			return true
		}
	}
	return false
}

func (g *graphState) removeEdge(fromID, toID string) {
	filter := func(edges []types.DependencyEdge) []types.DependencyEdge {
		out := edges[:0]
		for _, e := range edges {
			if e.FromID == fromID && e.ToID == toID {
				continue
			}
			out = append(out, e)
		}
		return out
	}
	g.incoming[toID] = filter(g.incoming[toID])
	g.outgoing[fromID] = filter(g.outgoing[fromID])
}

// Preview validates a change set against the live graph and computes its
// impact without mutating any task or edge row. The preview is persisted on
// the change set and the set moves draft→validated (or →rejected when an
// operation cannot apply).
func Preview(tx *sql.Tx, rec *eventlog.Recorder, changeSetID string) (*types.ImpactPreview, error) {
	cs, err := GetChangeSet(tx, changeSetID)
	if err != nil {
		return nil, err
	}
	if cs.Status == types.ChangeSetApplied {
		return nil, types.E(types.KindPreconditionFailed, "change set %s already applied", changeSetID)
	}
	g, err := loadGraph(tx, cs.ProjectID)
	if err != nil {
		return nil, err
	}

	readyBefore := map[string]bool{}
	for id, t := range g.tasks {
		if t.DeprecatedInPlan == 0 && (t.State == types.StateBacklog || t.State == types.StateReady) {
			readyBefore[id] = g.satisfied(id)
		}
	}

	imp := &types.ImpactPreview{Extras: map[string]string{}}
	material := map[string]bool{}
	if err := simulate(g, cs.Operations, material); err != nil {
		if rejErr := setChangeSetStatus(tx, changeSetID, types.ChangeSetRejected); rejErr != nil {
			return nil, rejErr
		}
		if _, evErr := rec.Append(cs.ProjectID, types.EntityChangeSet, cs.ID, types.EventChangeSetRejected,
			map[string]interface{}{"error": err.Error()}); evErr != nil {
			return nil, evErr
		}
		return nil, err
	}

	for id := range g.tasks {
		t := g.tasks[id]
		if t.DeprecatedInPlan != 0 {
			continue
		}
		if t.State != types.StateBacklog && t.State != types.StateReady {
			continue
		}
		after := g.satisfied(id)
		before, existed := readyBefore[id]
		switch {
		case existed && before && !after:
			imp.NewlyBlocked = append(imp.NewlyBlocked, id)
		case (!existed || !before) && after:
			imp.NewlyUnblocked = append(imp.NewlyUnblocked, id)
		}
	}
	imp.ReadyDelta = len(imp.NewlyUnblocked) - len(imp.NewlyBlocked)

	for id := range material {
		imp.MaterialTasks = append(imp.MaterialTasks, id)
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		switch t.State {
		case types.StateClaimed, types.StateReserved:
			imp.ReleasedHolds = append(imp.ReleasedHolds, id)
		case types.StateInProgress:
			imp.ActiveConflicts = append(imp.ActiveConflicts, id)
		}
	}
	gateImps, err := gateImplications(tx, cs.ProjectID, material)
	if err != nil {
		return nil, err
	}
	imp.GateImplications = gateImps

	sort.Strings(imp.NewlyBlocked)
	sort.Strings(imp.NewlyUnblocked)
	sort.Strings(imp.MaterialTasks)
	sort.Strings(imp.ReleasedHolds)
	sort.Strings(imp.ActiveConflicts)

	if err := saveImpactPreview(tx, changeSetID, imp); err != nil {
		return nil, err
	}
	if cs.Status == types.ChangeSetDraft {
		if err := setChangeSetStatus(tx, changeSetID, types.ChangeSetValidated); err != nil {
			return nil, err
		}
		if _, err := rec.Append(cs.ProjectID, types.EntityChangeSet, cs.ID, types.EventChangeSetValidated,
			map[string]interface{}{"material_tasks": len(imp.MaterialTasks)}); err != nil {
			return nil, err
		}
	}
	return imp, nil
}

// simulate applies the operations to the in-memory graph, collecting
// material task ids and failing on any invariant violation exactly as the
// real apply would.
func simulate(g *graphState, ops []types.ChangeOp, material map[string]bool) error {
	for i, op := range ops {
		switch op.Type {
		case types.OpAddTask:
			t := *op.NewTask
			if t.ID == "" {
				t.ID = fmt.Sprintf("pending-%d", i)
			}
			t.State = types.StateBacklog
			g.tasks[t.ID] = t

		case types.OpRemoveTask, types.OpDeprecate:
			t, ok := g.tasks[op.TaskID]
			if !ok {
				return types.E(types.KindTaskNotFound, "operation %d: task %s not found", i, op.TaskID)
			}
			material[op.TaskID] = true
			t.DeprecatedInPlan = 1
			g.tasks[op.TaskID] = t

		case types.OpPostpone:
			// Apply regresses Ready work to Backlog but keeps the task in
			// the plan; the simulation must not deprecate it.
			t, ok := g.tasks[op.TaskID]
			if !ok {
				return types.E(types.KindTaskNotFound, "operation %d: task %s not found", i, op.TaskID)
			}
			material[op.TaskID] = true
			if t.State == types.StateReady {
				t.State = types.StateBacklog
			}
			g.tasks[op.TaskID] = t

		case types.OpUpdateTask:
			before, ok := g.tasks[op.TaskID]
			if !ok {
				return types.E(types.KindTaskNotFound, "operation %d: task %s not found", i, op.TaskID)
			}
			after := applyUpdateInMemory(before, op.Update)
			if materialUpdate(before, after) {
				material[op.TaskID] = true
			}
			g.tasks[op.TaskID] = after

		case types.OpReprioritize:
			t, ok := g.tasks[op.TaskID]
			if !ok {
				return types.E(types.KindTaskNotFound, "operation %d: task %s not found", i, op.TaskID)
			}
			t.Priority = *op.Priority
			g.tasks[op.TaskID] = t

		case types.OpAddEdge:
			if _, ok := g.tasks[op.FromID]; !ok {
				return types.E(types.KindDependencyTaskNotFound, "operation %d: task %s not found", i, op.FromID)
			}
			if _, ok := g.tasks[op.ToID]; !ok {
				return types.E(types.KindDependencyTaskNotFound, "operation %d: task %s not found", i, op.ToID)
			}
			if g.wouldCycle(op.FromID, op.ToID) {
				return types.E(types.KindCycleDetected, "operation %d: edge %s->%s creates a cycle", i, op.FromID, op.ToID)
			}
			unlock := op.UnlockOn
			if unlock == "" {
				unlock = types.UnlockOnImplemented
			}
			g.addEdge(types.DependencyEdge{ProjectID: "", FromID: op.FromID, ToID: op.ToID, UnlockOn: unlock})
			material[op.ToID] = true

		case types.OpRemoveEdge:
			if !g.hasEdge(op.FromID, op.ToID) {
				return types.E(types.KindInvalidArgument,
					"operation %d: edge %s -> %s does not exist", i, op.FromID, op.ToID)
			}
			g.removeEdge(op.FromID, op.ToID)
			material[op.ToID] = true
		}
	}
	return nil
}

func applyUpdateInMemory(before types.Task, u *types.TaskUpdate) types.Task {
	after := before
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
	return after
}

// gateImplications lists checkpoint tasks whose candidate set intersects
// the material tasks; reviewers of those checkpoints should re-examine.
func gateImplications(tx *sql.Tx, projectID string, material map[string]bool) ([]string, error) {
	if len(material) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(
		`SELECT DISTINCT checkpoint_task_id, candidate_task_id FROM gate_candidates WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate candidates: %w", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	var out []string
	for rows.Next() {
		var cp, cand string
		if err := rows.Scan(&cp, &cand); err != nil {
			return nil, fmt.Errorf("failed to scan gate candidate: %w", err)
		}
		if material[cand] && !seen[cp] {
			seen[cp] = true
			out = append(out, cp)
		}
	}
	sort.Strings(out)
	return out, rows.Err()
}
