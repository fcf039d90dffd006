package types

import "time"

// Admin key history actions.
const (
	KeyActionCreated  = "created"
	KeyActionUsed     = "used"
	KeyActionRevoked  = "revoked"
	KeyActionDisabled = "disabled"
)

// AdminKey is a registration key that authorizes self-service admin signup.
// The raw secret is never stored; only its SHA-256 hash and a short prefix
// for identification are persisted.
type AdminKey struct {
	// ID is the unique identifier of the key.
	ID int `json:"id" db:"id"`

	// KeyHash is the hex SHA-256 digest of the secret.
	KeyHash string `json:"-" db:"key_hash"`

	// KeyPrefix is the first characters of the secret, shown to operators.
	KeyPrefix string `json:"key_prefix" db:"key_prefix"`

	// CreatedBy is a free-text identity of the operator who created the key.
	CreatedBy string `json:"created_by" db:"created_by"`

	// DepartmentRestriction, when set, must equal the submitted department.
	DepartmentRestriction *string `json:"department_restriction,omitempty" db:"department_restriction"`

	// EmailDomainRestriction, when set, must equal the domain of the
	// submitted email. A leading "@" is ignored.
	EmailDomainRestriction *string `json:"email_domain_restriction,omitempty" db:"email_domain_restriction"`

	// MaxUses caps successful registrations. Nil means unlimited.
	MaxUses *int `json:"max_uses,omitempty" db:"max_uses"`

	// UsageCount is the number of successful registrations so far.
	UsageCount int `json:"usage_count" db:"usage_count"`

	// Permissions are the capability tags granted to admins registered with this key.
	Permissions []string `json:"permissions" db:"permissions"`

	// Notes is free-text operator commentary.
	Notes string `json:"notes" db:"notes"`

	// ExpiresAt is the time after which the key is rejected. Nil means never.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// IsActive is cleared when the key is revoked or disabled.
	IsActive bool `json:"is_active" db:"is_active"`

	DisabledReason string     `json:"disabled_reason,omitempty" db:"disabled_reason"`
	DisabledBy     string     `json:"disabled_by,omitempty" db:"disabled_by"`
	DisabledAt     *time.Time `json:"disabled_at,omitempty" db:"disabled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the key has an expiry in the past relative to now.
func (k AdminKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// IsExhausted reports whether the key reached its usage cap.
func (k AdminKey) IsExhausted() bool {
	return k.MaxUses != nil && k.UsageCount >= *k.MaxUses
}

// AdminKeyAttempt is one row of the append-only validation audit log.
type AdminKeyAttempt struct {
	ID            int64     `json:"id" db:"id"`
	AttemptedAt   time.Time `json:"attempted_at" db:"attempted_at"`
	KeyHash       string    `json:"key_hash" db:"key_hash"`
	AdminKeyID    *int      `json:"admin_key_id,omitempty" db:"admin_key_id"`
	IPAddress     string    `json:"ip_address" db:"ip_address"`
	Success       bool      `json:"success" db:"success"`
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
	UserAgent     string    `json:"user_agent,omitempty" db:"user_agent"`
	Email         string    `json:"email,omitempty" db:"email"`
}

// AdminKeyHistory is one row of the append-only key lifecycle log.
type AdminKeyHistory struct {
	ID         int64     `json:"id" db:"id"`
	AdminKeyID int       `json:"admin_key_id" db:"admin_key_id"`
	Action     string    `json:"action" db:"action"`
	Actor      string    `json:"actor" db:"actor"`
	Details    string    `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AdminRegistration links an admin account to the key it registered with.
type AdminRegistration struct {
	ID         int       `json:"id" db:"id"`
	UserID     int       `json:"user_id" db:"user_id"`
	AdminKeyID int       `json:"admin_key_id" db:"admin_key_id"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AdminKeyStats summarizes how a key has been used.
type AdminKeyStats struct {
	KeyID              int    `json:"key_id"`
	KeyPrefix          string `json:"key_prefix"`
	CreatedBy          string `json:"created_by"`
	IsActive           bool   `json:"is_active"`
	UsageCount         int    `json:"usage_count"`
	MaxUses            *int   `json:"max_uses,omitempty"`
	TotalAttempts      int    `json:"total_attempts"`
	SuccessfulAttempts int    `json:"successful_attempts"`
	FailedAttempts     int    `json:"failed_attempts"`
	Registrations      int    `json:"registrations"`
}
