package dag

import (
	"database/sql"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

// ContextNode is one neighbor in a bounded subgraph.
type ContextNode struct {
	Task     types.Task     `json:"task"`
	Depth    int            `json:"depth"`
	UnlockOn types.UnlockOn `json:"unlock_on"`
}

// TaskContext is the bounded ancestor/dependent subgraph around a task.
type TaskContext struct {
	Target     types.Task    `json:"target"`
	Ancestors  []ContextNode `json:"ancestors"`
	Dependents []ContextNode `json:"dependents"`
	ComputedAt time.Time     `json:"computed_at"`
}

// ContextService memoizes bounded subgraphs keyed by
// (project, task, ancestor_depth, dependent_depth). Entries expire on TTL
// and are dropped eagerly when a project's edges change.
type ContextService struct {
	store    *store.Store
	cache    *gocache.Cache
	maxDepth int
	defAnc   int
	defDep   int
}

// NewContextService builds the service; the go-cache janitor handles
// expired-entry GC on its own goroutine.
func NewContextService(st *store.Store, maxDepth, defaultAncestor, defaultDependent int, ttl time.Duration) *ContextService {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &ContextService{
		store:    st,
		cache:    gocache.New(ttl, 2*ttl),
		maxDepth: maxDepth,
		defAnc:   defaultAncestor,
		defDep:   defaultDependent,
	}
}

func (c *ContextService) key(projectID, taskID string, anc, dep int) string {
	return fmt.Sprintf("%s/%s/%d/%d", projectID, taskID, anc, dep)
}

// Invalidate drops every cached subgraph for a project. Called on edge
// mutations and replan apply.
func (c *ContextService) Invalidate(projectID string) {
	prefix := projectID + "/"
	for k := range c.cache.Items() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			c.cache.Delete(k)
		}
	}
}

// Flush drops the whole cache. The GC sweep calls this as a backstop; the
// janitor already reclaims expired entries.
func (c *ContextService) Flush() {
	c.cache.Flush()
}

// Get returns the bounded subgraph around a task. Negative depths select
// the configured defaults; depths are clamped to the cap. bypass skips the
// cache and recomputes.
func (c *ContextService) Get(projectID, taskID string, ancestorDepth, dependentDepth int, bypass bool) (TaskContext, error) {
	if ancestorDepth < 0 {
		ancestorDepth = c.defAnc
	}
	if dependentDepth < 0 {
		dependentDepth = c.defDep
	}
	if ancestorDepth > c.maxDepth {
		ancestorDepth = c.maxDepth
	}
	if dependentDepth > c.maxDepth {
		dependentDepth = c.maxDepth
	}

	key := c.key(projectID, taskID, ancestorDepth, dependentDepth)
	if !bypass {
		if v, ok := c.cache.Get(key); ok {
			return v.(TaskContext), nil
		}
	}

	timer := logging.StartTimer(logging.CategoryDAG, "ContextService.Get")
	defer timer.Stop()

	db := c.store.DB()
	target, err := GetTaskDB(db, taskID)
	if err != nil {
		return TaskContext{}, err
	}
	if target.ProjectID != projectID {
		return TaskContext{}, types.E(types.KindTaskNotFound, "task %s not found in project", taskID)
	}

	ancestors, err := walk(db, taskID, ancestorDepth, true)
	if err != nil {
		return TaskContext{}, err
	}
	dependents, err := walk(db, taskID, dependentDepth, false)
	if err != nil {
		return TaskContext{}, err
	}

	tc := TaskContext{
		Target:     target,
		Ancestors:  ancestors,
		Dependents: dependents,
		ComputedAt: store.Now(),
	}
	c.cache.Set(key, tc, gocache.DefaultExpiration)
	logging.Get(logging.CategoryDAG).Debug("context computed",
		zap.String("task", taskID),
		zap.Int("ancestors", len(ancestors)),
		zap.Int("dependents", len(dependents)))
	return tc, nil
}

// walk breadth-first traverses up (ancestors: follow to→from) or down
// (dependents: follow from→to) to the depth bound. Each task appears once,
// at its minimum depth.
func walk(db *sql.DB, rootID string, maxDepth int, up bool) ([]ContextNode, error) {
	if maxDepth == 0 {
		return nil, nil
	}
	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}
	var out []ContextNode

	query := `SELECT from_id, unlock_on FROM task_dependencies WHERE to_id = ?`
	if !up {
		query = `SELECT to_id, unlock_on FROM task_dependencies WHERE from_id = ?`
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rows, err := db.Query(query, id)
			if err != nil {
				return nil, fmt.Errorf("failed context walk: %w", err)
			}
			type hop struct {
				id string
				u  types.UnlockOn
			}
			var hops []hop
			for rows.Next() {
				var h hop
				if err := rows.Scan(&h.id, &h.u); err != nil {
					rows.Close()
					return nil, fmt.Errorf("failed to scan context edge: %w", err)
				}
				hops = append(hops, h)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
			for _, h := range hops {
				if visited[h.id] {
					continue
				}
				visited[h.id] = true
				t, err := GetTaskDB(db, h.id)
				if err != nil {
					return nil, err
				}
				out = append(out, ContextNode{Task: t, Depth: depth, UnlockOn: h.u})
				next = append(next, h.id)
			}
		}
		frontier = next
	}
	return out, nil
}
