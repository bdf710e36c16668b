// Package eventlog implements the append-only per-project event stream.
// Events are written inside the caller's transaction so they become durable
// exactly when the mutation commits; the Bus publishes them to in-process
// subscribers after commit, in id order.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"tascade/internal/store"
	"tascade/internal/types"
)

// Recorder appends events inside one transaction and keeps them for
// post-commit publication. Ids come from the event_log AUTOINCREMENT
// counter, so they are monotonic per store and reflect commit order.
type Recorder struct {
	tx            *sql.Tx
	correlationID string
	events        []types.Event
}

// NewRecorder binds a recorder to a transaction. The correlation id is
// stamped on every event appended through it.
func NewRecorder(tx *sql.Tx, correlationID string) *Recorder {
	return &Recorder{tx: tx, correlationID: correlationID}
}

// Append writes one event row. payload is marshaled to JSON; nil payloads
// store an empty object.
func (r *Recorder) Append(projectID, entityType, entityID, eventType string, payload interface{}) (int64, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		raw = data
	}
	now := store.Now()
	res, err := r.tx.Exec(
		`INSERT INTO event_log (project_id, entity_type, entity_id, event_type, payload, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID, entityType, entityID, eventType, string(raw), r.correlationID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	r.events = append(r.events, types.Event{
		ID:            id,
		ProjectID:     projectID,
		EntityType:    entityType,
		EntityID:      entityID,
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: r.correlationID,
		CreatedAt:     now,
	})
	return id, nil
}

// Events returns everything appended through this recorder, in append order.
func (r *Recorder) Events() []types.Event {
	return r.events
}
