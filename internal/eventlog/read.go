package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"tascade/internal/types"
)

// List returns a project's events with id > afterID, oldest first.
func List(db *sql.DB, projectID string, afterID int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, project_id, entity_type, entity_id, event_type, payload, correlation_id, created_at
		 FROM event_log WHERE project_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		projectID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TaskStream is the projection view filtered to task entities.
func TaskStream(db *sql.DB, projectID, taskID string, afterID int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, project_id, entity_type, entity_id, event_type, payload, correlation_id, created_at
		 FROM event_log
		 WHERE project_id = ? AND entity_type = ? AND entity_id = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		projectID, types.EntityTask, taskID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read task event stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByEntityKind is the projection view filtered to one entity kind.
func ByEntityKind(db *sql.DB, projectID, entityType string, afterID int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, project_id, entity_type, entity_id, event_type, payload, correlation_id, created_at
		 FROM event_log
		 WHERE project_id = ? AND entity_type = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		projectID, entityType, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity event stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.EntityType, &ev.EntityID,
			&ev.EventType, &payload, &ev.CorrelationID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
