package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/types"
)

const adminKeyColumns = `id, key_hash, key_prefix, created_by, department_restriction,
	email_domain_restriction, max_uses, usage_count, permissions, notes, expires_at,
	is_active, disabled_reason, disabled_by, disabled_at, created_at`

// AdminKeyRepository persists admin registration keys and their audit logs.
type AdminKeyRepository struct {
	db db.DBTX
}

func NewAdminKeyRepository(q db.DBTX) *AdminKeyRepository {
	return &AdminKeyRepository{db: q}
}

func scanAdminKey(row rowScanner) (types.AdminKey, error) {
	var key types.AdminKey
	err := row.Scan(
		&key.ID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.CreatedBy,
		&key.DepartmentRestriction,
		&key.EmailDomainRestriction,
		&key.MaxUses,
		&key.UsageCount,
		pq.Array(&key.Permissions),
		&key.Notes,
		&key.ExpiresAt,
		&key.IsActive,
		&key.DisabledReason,
		&key.DisabledBy,
		&key.DisabledAt,
		&key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.AdminKey{}, ErrNotFound
		}
		return types.AdminKey{}, err
	}
	return key, nil
}

func (r *AdminKeyRepository) Create(ctx context.Context, key types.AdminKey) (types.AdminKey, error) {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.IsActive = true
	key.UsageCount = 0
	key.Permissions = nonNilStrings(key.Permissions)

	const query = `
		INSERT INTO admin_keys (
			key_hash, key_prefix, created_by, department_restriction, email_domain_restriction,
			max_uses, permissions, notes, expires_at, is_active, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
		RETURNING id`
	err := r.db.QueryRowContext(
		ctx,
		query,
		key.KeyHash,
		key.KeyPrefix,
		key.CreatedBy,
		key.DepartmentRestriction,
		key.EmailDomainRestriction,
		key.MaxUses,
		pq.Array(key.Permissions),
		key.Notes,
		key.ExpiresAt,
		key.CreatedAt,
	).Scan(&key.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return types.AdminKey{}, conflictError(err)
		}
		return types.AdminKey{}, err
	}
	return key, nil
}

func (r *AdminKeyRepository) GetByID(ctx context.Context, id int) (types.AdminKey, error) {
	query := `SELECT ` + adminKeyColumns + ` FROM admin_keys WHERE id = $1`
	return scanAdminKey(r.db.QueryRowContext(ctx, query, id))
}

// GetActiveByHash looks up an active key by the hex digest of its secret.
// Expiry and usage are not checked here.
func (r *AdminKeyRepository) GetActiveByHash(ctx context.Context, hash string) (types.AdminKey, error) {
	query := `SELECT ` + adminKeyColumns + ` FROM admin_keys WHERE key_hash = $1 AND is_active = TRUE`
	return scanAdminKey(r.db.QueryRowContext(ctx, query, hash))
}

// ListActive returns keys that are active, unexpired at now and under their
// usage cap.
func (r *AdminKeyRepository) ListActive(ctx context.Context, now time.Time) ([]types.AdminKey, error) {
	query := `SELECT ` + adminKeyColumns + ` FROM admin_keys
		WHERE is_active = TRUE
			AND (expires_at IS NULL OR expires_at > $1)
			AND (max_uses IS NULL OR usage_count < max_uses)
		ORDER BY created_at DESC, id DESC`
	return r.queryKeys(ctx, query, now)
}

func (r *AdminKeyRepository) ListAll(ctx context.Context) ([]types.AdminKey, error) {
	query := `SELECT ` + adminKeyColumns + ` FROM admin_keys ORDER BY created_at DESC, id DESC`
	return r.queryKeys(ctx, query)
}

func (r *AdminKeyRepository) queryKeys(ctx context.Context, query string, args ...any) ([]types.AdminKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []types.AdminKey
	for rows.Next() {
		key, err := scanAdminKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// ConsumeUse increments usage_count of an active key in a single statement,
// guarded by the usage cap. It returns the new count, or ErrNotFound when
// the key is inactive or already exhausted.
func (r *AdminKeyRepository) ConsumeUse(ctx context.Context, id int) (int, error) {
	const query = `
		UPDATE admin_keys
		SET usage_count = usage_count + 1
		WHERE id = $1
			AND is_active = TRUE
			AND (max_uses IS NULL OR usage_count < max_uses)
		RETURNING usage_count`
	var count int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// Deactivate clears is_active and stamps the actor, reason and time. It
// reports false without error when the key was already inactive.
func (r *AdminKeyRepository) Deactivate(ctx context.Context, id int, actor, reason string, at time.Time) (bool, error) {
	const query = `
		UPDATE admin_keys
		SET is_active = FALSE, disabled_by = $2, disabled_reason = $3, disabled_at = $4
		WHERE id = $1 AND is_active = TRUE`
	result, err := r.db.ExecContext(ctx, query, id, actor, reason, at)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM admin_keys WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// CountAttemptsSince counts validation attempts from ip at or after since.
func (r *AdminKeyRepository) CountAttemptsSince(ctx context.Context, ip string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM admin_key_attempts
		WHERE ip_address = $1 AND attempted_at >= $2`
	var count int
	err := r.db.QueryRowContext(ctx, query, ip, since).Scan(&count)
	return count, err
}

func (r *AdminKeyRepository) LogAttempt(ctx context.Context, attempt types.AdminKeyAttempt) error {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now()
	}
	const query = `
		INSERT INTO admin_key_attempts (
			attempted_at, key_hash, admin_key_id, ip_address, success, failure_reason, user_agent, email
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		attempt.AttemptedAt,
		attempt.KeyHash,
		attempt.AdminKeyID,
		attempt.IPAddress,
		attempt.Success,
		attempt.FailureReason,
		attempt.UserAgent,
		attempt.Email,
	)
	return err
}

func (r *AdminKeyRepository) AddHistory(ctx context.Context, entry types.AdminKeyHistory) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	const query = `
		INSERT INTO admin_key_history (admin_key_id, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, entry.AdminKeyID, entry.Action, entry.Actor, entry.Details, entry.CreatedAt)
	return err
}

func (r *AdminKeyRepository) RecordRegistration(ctx context.Context, reg types.AdminRegistration) (types.AdminRegistration, error) {
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now()
	}
	const query = `
		INSERT INTO admin_registrations (user_id, admin_key_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, reg.UserID, reg.AdminKeyID, reg.IPAddress, reg.CreatedAt).Scan(&reg.ID); err != nil {
		return types.AdminRegistration{}, err
	}
	return reg, nil
}

// Statistics aggregates attempts and registrations per key. A nil id returns
// every key.
func (r *AdminKeyRepository) Statistics(ctx context.Context, id *int) ([]types.AdminKeyStats, error) {
	query := `
		SELECT
			k.id,
			k.key_prefix,
			k.created_by,
			k.is_active,
			k.usage_count,
			k.max_uses,
			COALESCE(a.total, 0),
			COALESCE(a.successful, 0),
			COALESCE(a.failed, 0),
			COALESCE(g.registrations, 0)
		FROM admin_keys k
		LEFT JOIN (
			SELECT admin_key_id,
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE success) AS successful,
				COUNT(*) FILTER (WHERE NOT success) AS failed
			FROM admin_key_attempts
			WHERE admin_key_id IS NOT NULL
			GROUP BY admin_key_id
		) a ON a.admin_key_id = k.id
		LEFT JOIN (
			SELECT admin_key_id, COUNT(*) AS registrations
			FROM admin_registrations
			GROUP BY admin_key_id
		) g ON g.admin_key_id = k.id`
	var args []any
	if id != nil {
		query += ` WHERE k.id = $1`
		args = append(args, *id)
	}
	query += ` ORDER BY k.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []types.AdminKeyStats
	for rows.Next() {
		var s types.AdminKeyStats
		if err := rows.Scan(
			&s.KeyID,
			&s.KeyPrefix,
			&s.CreatedBy,
			&s.IsActive,
			&s.UsageCount,
			&s.MaxUses,
			&s.TotalAttempts,
			&s.SuccessfulAttempts,
			&s.FailedAttempts,
			&s.Registrations,
		); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// AttemptsSince returns validation attempts at or after since, oldest first.
func (r *AdminKeyRepository) AttemptsSince(ctx context.Context, since time.Time) ([]types.AdminKeyAttempt, error) {
	const query = `
		SELECT id, attempted_at, key_hash, admin_key_id, ip_address, success, failure_reason, user_agent, email
		FROM admin_key_attempts
		WHERE attempted_at >= $1
		ORDER BY attempted_at, id`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []types.AdminKeyAttempt
	for rows.Next() {
		var a types.AdminKeyAttempt
		if err := rows.Scan(
			&a.ID,
			&a.AttemptedAt,
			&a.KeyHash,
			&a.AdminKeyID,
			&a.IPAddress,
			&a.Success,
			&a.FailureReason,
			&a.UserAgent,
			&a.Email,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// HistorySince returns key lifecycle entries at or after since, oldest first.
func (r *AdminKeyRepository) HistorySince(ctx context.Context, since time.Time) ([]types.AdminKeyHistory, error) {
	const query = `
		SELECT id, admin_key_id, action, actor, details, created_at
		FROM admin_key_history
		WHERE created_at >= $1
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []types.AdminKeyHistory
	for rows.Next() {
		var h types.AdminKeyHistory
		if err := rows.Scan(&h.ID, &h.AdminKeyID, &h.Action, &h.Actor, &h.Details, &h.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}
