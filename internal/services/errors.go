package services

import (
	"errors"
	"fmt"

	"github.com/taskdesk/server/internal/notify"
	"github.com/taskdesk/server/internal/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUserHasTasks = errors.New("user still has assigned tasks")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// ValidationError reports malformed input. Message is safe to show to users.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// DuplicateError reports a username or email that is already taken.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s is already registered", e.Field)
}

// AuthReason explains why a login was refused.
type AuthReason string

const (
	ReasonInvalidCredentials AuthReason = "invalid_credentials"
	ReasonLocked             AuthReason = "locked"
	ReasonInactive           AuthReason = "inactive"
	ReasonUnverified         AuthReason = "unverified"
)

type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonLocked:
		return "account is temporarily locked, try again later"
	case ReasonInactive:
		return "account is not active"
	case ReasonUnverified:
		return "please verify your email address before logging in"
	default:
		return "invalid email or password"
	}
}

// KeyFailure is the reason an admin key was rejected.
type KeyFailure string

const (
	KeyRateLimited          KeyFailure = "rate_limited"
	KeyNotFound             KeyFailure = "key_not_found"
	KeyExpired              KeyFailure = "key_expired"
	KeyMaxUsesExceeded      KeyFailure = "max_uses_exceeded"
	KeyDepartmentRestricted KeyFailure = "department_restricted"
	KeyDomainRestricted     KeyFailure = "domain_restricted"
)

type KeyValidationError struct {
	Kind KeyFailure
}

func (e *KeyValidationError) Error() string {
	switch e.Kind {
	case KeyRateLimited:
		return "too many admin key attempts, try again later"
	case KeyExpired:
		return "admin key has expired"
	case KeyMaxUsesExceeded:
		return "admin key has reached its usage limit"
	case KeyDepartmentRestricted:
		return "admin key is not valid for this department"
	case KeyDomainRestricted:
		return "admin key is not valid for this email domain"
	default:
		return "invalid admin key"
	}
}

// PersistenceError wraps a storage failure. Callers show a generic message.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotificationError is the delivery failure type of the notify package.
type NotificationError = notify.NotificationError

// storeError translates a repository error for op.
func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return &PersistenceError{Op: op, Err: err}
}
