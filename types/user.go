package types

import "time"

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account statuses. Only active accounts may authenticate.
const (
	UserStatusActive   = "active"
	UserStatusLocked   = "locked"
	UserStatusInactive = "inactive"
)

// User represents an account in the system.
// It contains identity, role, verification and lockout state.
type User struct {
	// ID is the storage key of the user. It never leaves the server.
	ID int `json:"-" db:"id"`

	// UID is the opaque public identifier of the user.
	UID string `json:"uid" db:"uid"`

	// Username is the unique login name chosen by the user.
	Username string `json:"username" db:"username"`

	// Email is the user's unique email address.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Role indicates the user's authorization level ("admin" or "user").
	Role string `json:"role" db:"role"`

	// Phone, Department and JobTitle are optional profile fields.
	Phone      string `json:"phone,omitempty" db:"phone"`
	Department string `json:"department,omitempty" db:"department"`
	JobTitle   string `json:"job_title,omitempty" db:"job_title"`

	// Status is the administrative state of the account.
	Status string `json:"status" db:"status"`

	// PasswordHash stores the bcrypt hash of the user's password.
	PasswordHash string `json:"-" db:"password_hash"`

	// EmailVerified reports whether the user confirmed their email address.
	EmailVerified bool `json:"email_verified" db:"email_verified"`

	// VerificationToken is the pending single-use email verification token.
	VerificationToken string `json:"-" db:"verification_token"`

	// ResetToken and ResetExpiresAt describe a pending password reset.
	ResetToken     string     `json:"-" db:"reset_token"`
	ResetExpiresAt *time.Time `json:"-" db:"reset_expires_at"`

	// LoginAttempts counts consecutive failed logins.
	LoginAttempts int `json:"login_attempts" db:"login_attempts"`

	// LockedUntil is set while the account is in a lockout window.
	LockedUntil *time.Time `json:"locked_until,omitempty" db:"locked_until"`

	// LastLoginAt is the timestamp of the most recent successful login.
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsLocked reports whether the account is inside a lockout window at now.
func (u User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// AdminProfile holds the extra data recorded when an account registers as
// an administrator through an admin key.
type AdminProfile struct {
	UserID      int       `json:"-" db:"user_id"`
	Department  string    `json:"department" db:"department"`
	JobTitle    string    `json:"job_title" db:"job_title"`
	Permissions []string  `json:"permissions" db:"permissions"`
	AdminKeyID  *int      `json:"admin_key_id,omitempty" db:"admin_key_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
