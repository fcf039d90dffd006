package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/taskdesk/server/types"
)

var adminKeyRowColumns = []string{
	"id", "key_hash", "key_prefix", "created_by", "department_restriction", "email_domain_restriction",
	"max_uses", "usage_count", "permissions", "notes", "expires_at", "is_active",
	"disabled_reason", "disabled_by", "disabled_at", "created_at",
}

func TestAdminKeyRepository_GetActiveByHash(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	now := time.Now()
	mock.ExpectQuery(`FROM\s+admin_keys\s+WHERE\s+key_hash\s*=\s*\$1\s+AND\s+is_active\s*=\s*TRUE`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(adminKeyRowColumns).AddRow(
			3, "abc", "deadbeef", "ops", "IT", nil, 1, 0, "{manage_tasks,manage_users}", "", nil, true,
			"", "", nil, now,
		))

	key, err := repo.GetActiveByHash(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 3, key.ID)
	require.NotNil(t, key.DepartmentRestriction)
	require.Equal(t, "IT", *key.DepartmentRestriction)
	require.Nil(t, key.EmailDomainRestriction)
	require.NotNil(t, key.MaxUses)
	require.Equal(t, 1, *key.MaxUses)
	require.Equal(t, []string{"manage_tasks", "manage_users"}, key.Permissions)
	require.Nil(t, key.ExpiresAt)
}

func TestAdminKeyRepository_GetActiveByHash_NotFound(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	mock.ExpectQuery(`FROM\s+admin_keys\s+WHERE\s+key_hash`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetActiveByHash(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdminKeyRepository_Create(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+admin_keys.*RETURNING\s+id`).
		WithArgs("hash", "prefix", "ops", nil, nil, nil, pq.Array([]string{}), "", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	key, err := repo.Create(context.Background(), types.AdminKey{KeyHash: "hash", KeyPrefix: "prefix", CreatedBy: "ops"})
	require.NoError(t, err)
	require.Equal(t, 1, key.ID)
	require.True(t, key.IsActive)
	require.NotNil(t, key.Permissions)
}

func TestAdminKeyRepository_ConsumeUse(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	q := `(?s)UPDATE\s+admin_keys\s+SET\s+usage_count\s*=\s*usage_count\s*\+\s*1.*usage_count\s*<\s*max_uses\)\s+RETURNING\s+usage_count$`
	mock.ExpectQuery(q).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(1))
	mock.ExpectQuery(q).
		WithArgs(3).
		WillReturnError(sql.ErrNoRows)

	count, err := repo.ConsumeUse(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = repo.ConsumeUse(context.Background(), 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdminKeyRepository_Deactivate(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	now := time.Now()
	q := `(?s)UPDATE\s+admin_keys\s+SET\s+is_active\s*=\s*FALSE.*WHERE\s+id\s*=\s*\$1\s+AND\s+is_active\s*=\s*TRUE`

	mock.ExpectExec(q).
		WithArgs(3, "ops", "revoked", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.Deactivate(context.Background(), 3, "ops", "revoked", now)
	require.NoError(t, err)
	require.True(t, changed)

	mock.ExpectExec(q).
		WithArgs(3, "ops", "revoked", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT\s+EXISTS`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	changed, err = repo.Deactivate(context.Background(), 3, "ops", "revoked", now)
	require.NoError(t, err)
	require.False(t, changed)

	mock.ExpectExec(q).
		WithArgs(42, "ops", "revoked", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT\s+EXISTS`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = repo.Deactivate(context.Background(), 42, "ops", "revoked", now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdminKeyRepository_CountAttemptsSince(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`FROM\s+admin_key_attempts\s+WHERE\s+ip_address\s*=\s*\$1\s+AND\s+attempted_at\s*>=\s*\$2`).
		WithArgs("10.0.0.1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	count, err := repo.CountAttemptsSince(context.Background(), "10.0.0.1", since)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestAdminKeyRepository_LogAttempt_NullKey(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	mock.ExpectExec(`INSERT\s+INTO\s+admin_key_attempts`).
		WithArgs(sqlmock.AnyArg(), "hash", nil, "10.0.0.1", false, "key_not_found", "curl", "a@b.c").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.LogAttempt(context.Background(), types.AdminKeyAttempt{
		KeyHash:       "hash",
		IPAddress:     "10.0.0.1",
		FailureReason: "key_not_found",
		UserAgent:     "curl",
		Email:         "a@b.c",
	})
	require.NoError(t, err)
}

func TestAdminKeyRepository_Statistics(t *testing.T) {
	conn, mock := newMock(t)
	repo := NewAdminKeyRepository(conn)

	id := 3
	mock.ExpectQuery(`(?s)FROM\s+admin_keys\s+k.*admin_key_attempts.*admin_registrations.*WHERE\s+k\.id\s*=\s*\$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key_prefix", "created_by", "is_active", "usage_count", "max_uses",
			"total", "successful", "failed", "registrations",
		}).AddRow(3, "deadbeef", "ops", true, 1, 1, 3, 1, 2, 1))

	stats, err := repo.Statistics(context.Background(), &id)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 3, stats[0].TotalAttempts)
	require.Equal(t, 1, stats[0].SuccessfulAttempts)
	require.Equal(t, 2, stats[0].FailedAttempts)
	require.Equal(t, 1, stats[0].Registrations)
}
