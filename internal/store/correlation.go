package store

import (
	"database/sql"
	"fmt"
)

// LookupOperationResult returns the stored outcome for a correlation id, if
// the operation already committed. The empty correlation id never matches.
func LookupOperationResult(tx *sql.Tx, projectID, correlationID string) (string, bool, error) {
	if correlationID == "" {
		return "", false, nil
	}
	var outcome string
	err := tx.QueryRow(
		`SELECT outcome FROM operation_results WHERE project_id = ? AND correlation_id = ?`,
		projectID, correlationID,
	).Scan(&outcome)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up operation result: %w", err)
	}
	return outcome, true, nil
}

// SaveOperationResult records the outcome of a mutating operation under its
// correlation id so replays return it without re-executing.
func SaveOperationResult(tx *sql.Tx, projectID, correlationID, op, outcome string) error {
	if correlationID == "" {
		return nil
	}
	_, err := tx.Exec(
		`INSERT INTO operation_results (project_id, correlation_id, op, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		projectID, correlationID, op, outcome, Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation result: %w", err)
	}
	return nil
}
