package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/types"
)

// Unique constraints on users, matched to report which field collided.
const (
	ConstraintUsername = "users_username_key"
	ConstraintEmail    = "users_email_key"
)

const userColumns = `id, uid, username, email, name, role, phone, department, job_title, status,
	password_hash, email_verified, COALESCE(verification_token, ''), COALESCE(reset_token, ''),
	reset_expires_at, login_attempts, locked_until, last_login_at, created_at, updated_at`

// UserRepository handles persistence for users and admin profiles.
type UserRepository struct {
	db db.DBTX
}

func NewUserRepository(q db.DBTX) *UserRepository {
	return &UserRepository{db: q}
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.UID,
		&user.Username,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Phone,
		&user.Department,
		&user.JobTitle,
		&user.Status,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.VerificationToken,
		&user.ResetToken,
		&user.ResetExpiresAt,
		&user.LoginAttempts,
		&user.LockedUntil,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	return scanUser(r.db.QueryRowContext(ctx, query, arg))
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *UserRepository) GetByUID(ctx context.Context, uid string) (types.User, error) {
	return r.getOne(ctx, `uid = $1`, uid)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	return r.getOne(ctx, `username = $1`, username)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return r.getOne(ctx, `email = $1`, email)
}

func (r *UserRepository) GetByResetToken(ctx context.Context, token string) (types.User, error) {
	return r.getOne(ctx, `reset_token = $1`, token)
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY role, name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (
			uid, username, email, name, role, phone, department, job_title, status,
			password_hash, email_verified, verification_token, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`
	err := r.db.QueryRowContext(
		ctx,
		query,
		user.UID,
		user.Username,
		user.Email,
		user.Name,
		user.Role,
		user.Phone,
		user.Department,
		user.JobTitle,
		user.Status,
		user.PasswordHash,
		user.EmailVerified,
		nullString(user.VerificationToken),
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return types.User{}, conflictError(err)
		}
		return types.User{}, err
	}
	return user, nil
}

// Update writes profile, role and status fields.
func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	user.UpdatedAt = time.Now()

	const query = `
		UPDATE users
		SET username = $1,
			email = $2,
			name = $3,
			role = $4,
			phone = $5,
			department = $6,
			job_title = $7,
			status = $8,
			updated_at = $9
		WHERE id = $10`
	result, err := r.db.ExecContext(
		ctx,
		query,
		user.Username,
		user.Email,
		user.Name,
		user.Role,
		user.Phone,
		user.Department,
		user.JobTitle,
		user.Status,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return types.User{}, conflictError(err)
		}
		return types.User{}, err
	}
	if err := expectAffected(result); err != nil {
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) Delete(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// RecordFailedLogin atomically increments the failed-login counter and stamps
// lockUntil once the counter reaches threshold. A counter left over from an
// elapsed lockout window restarts at one. It returns the new counter and
// lockout timestamp.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id, threshold int, lockUntil, now time.Time) (int, *time.Time, error) {
	const query = `
		UPDATE users
		SET login_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1
				ELSE login_attempts + 1
			END,
			locked_until = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN
					CASE WHEN 1 >= $2 THEN $3 ELSE NULL END
				WHEN login_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING login_attempts, locked_until`
	var attempts int
	var lockedUntil *time.Time
	err := r.db.QueryRowContext(ctx, query, id, threshold, lockUntil, now).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	return attempts, lockedUntil, nil
}

// ResetLoginAttempts clears the failed-login counter and any lockout.
func (r *UserRepository) ResetLoginAttempts(ctx context.Context, id int) error {
	const query = `
		UPDATE users
		SET login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// RecordLogin resets the failed-login counter and stamps the login time.
func (r *UserRepository) RecordLogin(ctx context.Context, id int, at time.Time) error {
	const query = `
		UPDATE users
		SET login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func (r *UserRepository) SetVerificationToken(ctx context.Context, id int, token string) error {
	const query = `
		UPDATE users
		SET verification_token = $2, updated_at = NOW()
		WHERE id = $1 AND email_verified = FALSE`
	result, err := r.db.ExecContext(ctx, query, id, token)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// MarkVerified consumes a verification token. It returns ErrNotFound when the
// token does not match a pending verification.
func (r *UserRepository) MarkVerified(ctx context.Context, token string) (int, error) {
	const query = `
		UPDATE users
		SET email_verified = TRUE, verification_token = NULL, updated_at = NOW()
		WHERE verification_token = $1
		RETURNING id`
	var id int
	if err := r.db.QueryRowContext(ctx, query, token).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *UserRepository) SetResetToken(ctx context.Context, id int, token string, expiresAt time.Time) error {
	const query = `
		UPDATE users
		SET reset_token = $2, reset_expires_at = $3, updated_at = NOW()
		WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, token, expiresAt)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ResetPassword consumes an unexpired reset token and stores the new hash.
// It returns ErrNotFound when the token is unknown, expired or already used.
func (r *UserRepository) ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (int, error) {
	const query = `
		UPDATE users
		SET password_hash = $2,
			reset_token = NULL,
			reset_expires_at = NULL,
			login_attempts = 0,
			locked_until = NULL,
			updated_at = $3
		WHERE reset_token = $1 AND reset_expires_at > $3
		RETURNING id`
	var id int
	if err := r.db.QueryRowContext(ctx, query, token, passwordHash, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *UserRepository) CreateAdminProfile(ctx context.Context, profile types.AdminProfile) error {
	const query = `
		INSERT INTO admin_profiles (user_id, department, job_title, permissions, admin_key_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(
		ctx,
		query,
		profile.UserID,
		profile.Department,
		profile.JobTitle,
		pq.Array(nonNilStrings(profile.Permissions)),
		profile.AdminKeyID,
		profile.CreatedAt,
	)
	return err
}

func (r *UserRepository) GetAdminProfile(ctx context.Context, userID int) (types.AdminProfile, error) {
	const query = `
		SELECT user_id, department, job_title, permissions, admin_key_id, created_at
		FROM admin_profiles
		WHERE user_id = $1`
	var profile types.AdminProfile
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.Department,
		&profile.JobTitle,
		pq.Array(&profile.Permissions),
		&profile.AdminKeyID,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.AdminProfile{}, ErrNotFound
		}
		return types.AdminProfile{}, err
	}
	return profile, nil
}

// ConflictError reports which unique constraint a write violated.
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint %s violated", e.Constraint)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func conflictError(err error) error {
	var pqErr *pq.Error
	constraint := ""
	if errors.As(err, &pqErr) {
		constraint = pqErr.Constraint
	}
	return &ConflictError{Constraint: constraint, Err: err}
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
