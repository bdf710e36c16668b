package auth_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tascade/internal/auth"
	"tascade/internal/eventlog"
	"tascade/internal/store"
	"tascade/internal/types"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := store.Now()
	_, err = s.DB().Exec(
		`INSERT INTO projects (id, name, description, status, plan_version, replan_barrier, created_at, updated_at)
		 VALUES ('p1', 'demo', '', 'active', 0, 0, ?, ?)`, now, now)
	require.NoError(t, err)
	return s
}

func mintKey(t *testing.T, s *store.Store, projectID string, roles ...types.Role) (types.APIKey, string) {
	t.Helper()
	var (
		key    types.APIKey
		secret string
	)
	require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, "")
		var err error
		key, secret, err = auth.CreateAPIKey(tx, rec, projectID, "test key", roles)
		return err
	}))
	return key, secret
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := openStore(t)
	key, secret := mintKey(t, s, "p1", types.RoleAgent, types.RoleReviewer)
	assert.NotEmpty(t, secret)

	p, err := auth.Authenticate(s.DB(), secret)
	require.NoError(t, err)
	assert.Equal(t, key.ID, p.KeyID)
	assert.Equal(t, "p1", p.ProjectID)
	assert.True(t, p.HasRole(types.RoleAgent))
	assert.True(t, p.HasRole(types.RoleReviewer))
	assert.False(t, p.HasRole(types.RolePlanner))
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := openStore(t)
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, "")
		_, _, err := auth.CreateAPIKey(tx, rec, "p1", "k", nil)
		return err
	})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, "")
		_, _, err := auth.CreateAPIKey(tx, rec, "p1", "k", []types.Role{"superuser"})
		return err
	})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, "")
		_, _, err := auth.CreateAPIKey(tx, rec, "missing", "k", []types.Role{types.RoleAgent})
		return err
	})
	assert.True(t, types.IsKind(err, types.KindProjectNotFound))
}

func TestOnlyHashIsStored(t *testing.T) {
	s := openStore(t)
	key, secret := mintKey(t, s, "p1", types.RoleAgent)

	var stored string
	require.NoError(t, s.DB().QueryRow(`SELECT key_hash FROM api_keys WHERE id = ?`, key.ID).Scan(&stored))
	assert.Equal(t, auth.HashSecret(secret), stored)
	assert.NotEqual(t, secret, stored)
}

func TestAuthenticateFailures(t *testing.T) {
	s := openStore(t)
	key, secret := mintKey(t, s, "p1", types.RoleAgent)

	_, err := auth.Authenticate(s.DB(), "")
	assert.True(t, types.IsKind(err, types.KindUnauthenticated))

	_, err = auth.Authenticate(s.DB(), "tsc_not_a_real_secret")
	assert.True(t, types.IsKind(err, types.KindUnauthenticated))

	require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return auth.RevokeAPIKey(tx, eventlog.NewRecorder(tx, ""), "p1", key.ID)
	}))
	_, err = auth.Authenticate(s.DB(), secret)
	assert.True(t, types.IsKind(err, types.KindUnauthenticated))
}

func TestRevokeTwiceIsNoop(t *testing.T) {
	s := openStore(t)
	key, _ := mintKey(t, s, "p1", types.RoleAgent)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
			return auth.RevokeAPIKey(tx, eventlog.NewRecorder(tx, ""), "p1", key.ID)
		}))
	}
	// A single revocation event despite the repeat.
	events, err := eventlog.ByEntityKind(s.DB(), "p1", types.EntityAPIKey, 0, 0)
	require.NoError(t, err)
	revoked := 0
	for _, ev := range events {
		if ev.EventType == types.EventAPIKeyRevoked {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}

func TestRequireScopes(t *testing.T) {
	agent := types.Principal{KeyID: "k1", ProjectID: "p1", ActorID: "k1", Roles: []types.Role{types.RoleAgent}}

	assert.NoError(t, auth.Require(agent, types.RoleAgent, "p1"))
	assert.True(t, types.IsKind(
		auth.Require(agent, types.RolePlanner, "p1"), types.KindRoleScopeViolation))
	assert.True(t, types.IsKind(
		auth.Require(agent, types.RoleAgent, "p2"), types.KindProjectScopeViolation))
	assert.True(t, types.IsKind(
		auth.Require(types.Principal{}, types.RoleAgent, "p1"), types.KindUnauthenticated))

	admin := auth.AdminPrincipal()
	assert.NoError(t, auth.Require(admin, types.RoleAgent, "p1"))
	assert.NoError(t, auth.Require(admin, types.RoleAgent, "p2"))
	assert.NoError(t, auth.RequireAdmin(admin))
	assert.True(t, types.IsKind(auth.RequireAdmin(agent), types.KindRoleScopeViolation))
}
