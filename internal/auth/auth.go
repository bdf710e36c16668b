// Package auth implements project-scoped principals. API keys are the only
// principal kind: each key is bound to one project and a set of role scopes,
// and only the SHA-256 hash of its secret is ever stored.
package auth

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tascade/internal/eventlog"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

const secretPrefix = "tsc_"

// validRoles is the closed set of grantable role scopes.
var validRoles = map[types.Role]bool{
	types.RolePlanner:  true,
	types.RoleAgent:    true,
	types.RoleReviewer: true,
	types.RoleOperator: true,
	types.RoleAdmin:    true,
}

// HashSecret returns the stored form of an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// newSecret mints an opaque key secret. Two UUIDs give 256 bits of entropy.
func newSecret() string {
	return secretPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// CreateAPIKey mints a key for a project. The plaintext secret is returned
// exactly once; only its hash persists.
func CreateAPIKey(tx *sql.Tx, rec *eventlog.Recorder, projectID, name string, roles []types.Role) (types.APIKey, string, error) {
	if len(roles) == 0 {
		return types.APIKey{}, "", types.E(types.KindInvalidArgument, "at least one role scope is required")
	}
	for _, r := range roles {
		if !validRoles[r] {
			return types.APIKey{}, "", types.E(types.KindInvalidArgument, "unknown role scope %q", r)
		}
	}
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		return types.APIKey{}, "", fmt.Errorf("failed to check project: %w", err)
	}
	if exists == 0 {
		return types.APIKey{}, "", types.E(types.KindProjectNotFound, "project %s not found", projectID)
	}

	secret := newSecret()
	rolesJSON, _ := json.Marshal(roles)
	key := types.APIKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Roles:     roles,
		Status:    types.KeyActive,
		CreatedAt: store.Now(),
	}
	_, err := tx.Exec(
		`INSERT INTO api_keys (id, project_id, name, key_hash, role_scopes, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.ProjectID, key.Name, HashSecret(secret), string(rolesJSON), key.Status, key.CreatedAt,
	)
	if err != nil {
		return types.APIKey{}, "", fmt.Errorf("failed to insert api key: %w", err)
	}
	if _, err := rec.Append(projectID, types.EntityAPIKey, key.ID, types.EventAPIKeyCreated,
		map[string]interface{}{"name": name, "roles": roles}); err != nil {
		return types.APIKey{}, "", err
	}
	logging.Get(logging.CategoryAuth).Info("api key created",
		zap.String("project", projectID), zap.String("key_id", key.ID))
	return key, secret, nil
}

// RevokeAPIKey marks a key revoked. Revoking twice is a no-op.
func RevokeAPIKey(tx *sql.Tx, rec *eventlog.Recorder, projectID, keyID string) error {
	res, err := tx.Exec(
		`UPDATE api_keys SET status = ? WHERE id = ? AND project_id = ? AND status = ?`,
		types.KeyRevoked, keyID, projectID, types.KeyActive,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_, err = rec.Append(projectID, types.EntityAPIKey, keyID, types.EventAPIKeyRevoked, nil)
	return err
}

// ListAPIKeys returns a project's keys, newest first.
func ListAPIKeys(db *sql.DB, projectID string) ([]types.APIKey, error) {
	rows, err := db.Query(
		`SELECT id, project_id, name, role_scopes, status, created_at
		 FROM api_keys WHERE project_id = ? ORDER BY created_at DESC, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []types.APIKey
	for rows.Next() {
		var k types.APIKey
		var rolesJSON string
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &rolesJSON, &k.Status, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(rolesJSON), &k.Roles); err != nil {
			return nil, fmt.Errorf("corrupt role_scopes on key %s: %w", k.ID, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Authenticate resolves a secret to its principal. Revoked or unknown keys
// fail with UNAUTHENTICATED; the message never echoes the secret.
func Authenticate(db *sql.DB, secret string) (types.Principal, error) {
	if secret == "" {
		return types.Principal{}, types.E(types.KindUnauthenticated, "missing api key")
	}
	var (
		id, projectID, rolesJSON string
		status                   types.APIKeyStatus
	)
	err := db.QueryRow(
		`SELECT id, project_id, role_scopes, status FROM api_keys WHERE key_hash = ?`,
		HashSecret(secret),
	).Scan(&id, &projectID, &rolesJSON, &status)
	if err == sql.ErrNoRows {
		return types.Principal{}, types.E(types.KindUnauthenticated, "unknown api key")
	}
	if err != nil {
		return types.Principal{}, fmt.Errorf("failed to authenticate: %w", err)
	}
	if status != types.KeyActive {
		return types.Principal{}, types.E(types.KindUnauthenticated, "api key revoked")
	}
	var roles []types.Role
	if err := json.Unmarshal([]byte(rolesJSON), &roles); err != nil {
		return types.Principal{}, fmt.Errorf("corrupt role_scopes on key %s: %w", id, err)
	}
	return types.Principal{KeyID: id, ProjectID: projectID, ActorID: id, Roles: roles}, nil
}

// AdminPrincipal is the principal used when auth is disabled (test only)
// and for bootstrap operations.
func AdminPrincipal() types.Principal {
	return types.Principal{KeyID: "bootstrap", ActorID: "bootstrap", Roles: []types.Role{types.RoleAdmin}}
}

// Require checks role and project scope for one operation. Admin keys cross
// project boundaries; everything else is confined to its own project.
func Require(p types.Principal, role types.Role, targetProjectID string) error {
	if len(p.Roles) == 0 {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if !p.HasRole(role) {
		return types.E(types.KindRoleScopeViolation, "operation requires role %q", role)
	}
	if targetProjectID != "" && p.ProjectID != "" && p.ProjectID != targetProjectID && !p.IsAdmin() {
		return types.E(types.KindProjectScopeViolation,
			"principal is scoped to project %s", p.ProjectID)
	}
	return nil
}

// RequireAdmin gates bootstrap operations (project creation, key management).
func RequireAdmin(p types.Principal) error {
	if len(p.Roles) == 0 {
		return types.E(types.KindUnauthenticated, "no principal")
	}
	if !p.IsAdmin() {
		return types.E(types.KindRoleScopeViolation, "operation requires admin")
	}
	return nil
}
