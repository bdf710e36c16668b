package scheduler

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"tascade/internal/dag"
	"tascade/internal/store"
	"tascade/internal/types"
)

// RankedTask is one pull-queue entry with its ranking signals.
type RankedTask struct {
	Task       types.Task `json:"task"`
	AgingSecs  int64      `json:"aging_seconds"`
	Contention int        `json:"contention_score"`
}

// rankLess orders the queue by the deterministic tuple
// (priority asc, aging asc, contention asc, short_id asc). Aging is the
// negated time-since-Ready so longer-waiting tasks sort earlier.
func rankLess(a, b RankedTask) bool {
	if a.Task.Priority != b.Task.Priority {
		return a.Task.Priority < b.Task.Priority
	}
	if a.AgingSecs != b.AgingSecs {
		return -a.AgingSecs < -b.AgingSecs
	}
	if a.Contention != b.Contention {
		return a.Contention < b.Contention
	}
	return a.Task.ShortID < b.Task.ShortID
}

// capabilitiesCover reports whether the agent's declared capabilities are a
// superset of the task's required tags.
func capabilitiesCover(agent []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(agent))
	for _, c := range agent {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// pathsOverlap reports whether two path sets collide. Paths collide when
// equal or when one is a directory prefix of the other.
func pathsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			if strings.HasPrefix(pa, pb+"/") || strings.HasPrefix(pb, pa+"/") {
				return true
			}
		}
	}
	return false
}

// activePaths returns the exclusive and shared paths of every claimed or
// in-progress task in the project, keyed by task id.
func activePaths(q queryer, projectID string) (map[string][]string, error) {
	rows, err := q.Query(
		`SELECT id, exclusive_paths, shared_paths FROM tasks
		 WHERE project_id = ? AND state IN (?, ?)`,
		projectID, types.StateClaimed, types.StateInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, excl, shared string
		if err := rows.Scan(&id, &excl, &shared); err != nil {
			return nil, err
		}
		out[id] = append(decodeList(excl), decodeList(shared)...)
	}
	return out, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx, letting the queue be
// computed both inside claim transactions and for read-only listing.
type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// rankQueue computes the eligible, ranked pull queue for an agent:
// active Ready tasks whose capability tags the agent covers, excluding
// checkpoint classes and tasks reserved to someone else, plus Reserved
// tasks assigned to this agent.
func rankQueue(q queryer, projectID, agentID string, capabilities []string) ([]RankedTask, error) {
	now := store.Now()

	reserved, err := activeReservationsByTask(q, projectID, now)
	if err != nil {
		return nil, err
	}
	active, err := activePaths(q, projectID)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(
		`SELECT `+dag.TaskColumns+` FROM tasks
		 WHERE project_id = ? AND state IN (?, ?) AND deprecated_in_plan = 0`,
		projectID, types.StateReady, types.StateReserved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queue []RankedTask
	for rows.Next() {
		t, err := dag.ScanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.Class.IsGate() {
			// Checkpoint tasks are excluded from general pull; they reach
			// reviewers through reservations.
			if assignee, ok := reserved[t.ID]; !ok || assignee != agentID {
				continue
			}
		}
		if t.State == types.StateReserved {
			if assignee, ok := reserved[t.ID]; !ok || assignee != agentID {
				continue
			}
		} else if assignee, ok := reserved[t.ID]; ok && assignee != agentID {
			continue
		}
		if !capabilitiesCover(capabilities, t.CapabilityTags) {
			continue
		}

		var aging int64
		if t.ReadySince != nil {
			aging = int64(now.Sub(*t.ReadySince) / time.Second)
		}
		contention := 0
		for otherID, paths := range active {
			if otherID == t.ID {
				continue
			}
			if pathsOverlap(t.ExclusivePaths, paths) {
				contention++
			}
		}
		queue = append(queue, RankedTask{Task: t, AgingSecs: aging, Contention: contention})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(queue, func(i, j int) bool { return rankLess(queue[i], queue[j]) })
	return queue, nil
}
