package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/metrics"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

// RegisterInput is the self-service signup form.
type RegisterInput struct {
	Username   string `form:"username" validate:"required,min=3,max=64,username"`
	Email      string `form:"email" validate:"required,email,max=255"`
	Password   string `form:"password" validate:"required,min=8,max=72"`
	Name       string `form:"name" validate:"required,max=255"`
	Phone      string `form:"phone" validate:"omitempty,max=32"`
	Department string `form:"department" validate:"omitempty,max=128"`
	JobTitle   string `form:"job_title" validate:"omitempty,max=128"`
}

// AdminRegisterInput is the signup form for administrators. The key is
// checked against the email, department and client address.
type AdminRegisterInput struct {
	RegisterInput
	AdminKey  string `form:"admin_key" validate:"required"`
	IP        string `form:"-"`
	UserAgent string `form:"-"`
}

type LoginInput struct {
	Email    string `form:"email" validate:"required"`
	Password string `form:"password" validate:"required"`
	IP       string `form:"-"`
}

type lockoutPolicy struct {
	threshold int
	duration  time.Duration
}

// AuthService implements registration, login, verification and password
// reset.
type AuthService struct {
	users    UserRepository
	uow      UnitOfWork
	keys     *KeyService
	notifier Notifications
	validate *validator.Validate

	userLockout  lockoutPolicy
	adminLockout lockoutPolicy
	resetTTL     time.Duration
	hashCost     int
	now          func() time.Time
}

func NewAuthService(users UserRepository, uow UnitOfWork, keys *KeyService, notifier Notifications, cfg config.SecurityConfig) *AuthService {
	return &AuthService{
		users:        users,
		uow:          uow,
		keys:         keys,
		notifier:     notifier,
		validate:     newValidator(),
		userLockout:  lockoutPolicy{threshold: cfg.UserLockoutThreshold, duration: cfg.UserLockoutDuration},
		adminLockout: lockoutPolicy{threshold: cfg.AdminLockoutThreshold, duration: cfg.AdminLockoutDuration},
		resetTTL:     cfg.ResetTokenTTL,
		hashCost:     bcrypt.DefaultCost,
		now:          time.Now,
	}
}

func normalizeRegister(in *RegisterInput) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Department = strings.TrimSpace(in.Department)
	in.JobTitle = strings.TrimSpace(in.JobTitle)
}

// Register creates an unverified account with the user role and sends the
// verification email.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (types.User, error) {
	normalizeRegister(&in)
	if err := validateInput(s.validate, in); err != nil {
		return types.User{}, err
	}
	user, err := s.newUser(ctx, in, types.RoleUser)
	if err != nil {
		return types.User{}, err
	}

	user, err = s.users.Create(ctx, user)
	if err != nil {
		return types.User{}, createUserError(err)
	}

	logger.From(ctx).Info("user registered", logger.UserID(user.UID))
	s.notifier.Verification(ctx, user, user.VerificationToken)
	return user, nil
}

// RegisterAdmin validates the admin key and creates the admin account. The
// account, its profile, the key use and the registration record are written
// in one transaction.
func (s *AuthService) RegisterAdmin(ctx context.Context, in AdminRegisterInput) (types.User, error) {
	normalizeRegister(&in.RegisterInput)
	in.AdminKey = strings.TrimSpace(in.AdminKey)
	if err := validateInput(s.validate, in); err != nil {
		return types.User{}, err
	}
	user, err := s.newUser(ctx, in.RegisterInput, types.RoleAdmin)
	if err != nil {
		return types.User{}, err
	}

	req := KeyValidationRequest{
		Secret:     in.AdminKey,
		Email:      in.Email,
		Department: in.Department,
		IP:         in.IP,
		UserAgent:  in.UserAgent,
	}
	key, err := s.keys.check(ctx, req)
	if err != nil {
		return types.User{}, err
	}

	err = s.uow.Do(ctx, func(ctx context.Context, repos Repositories) error {
		created, err := repos.Users.Create(ctx, user)
		if err != nil {
			return createUserError(err)
		}
		user = created

		if err := repos.Users.CreateAdminProfile(ctx, types.AdminProfile{
			UserID:      user.ID,
			Department:  user.Department,
			JobTitle:    user.JobTitle,
			Permissions: key.Permissions,
			AdminKeyID:  &key.ID,
			CreatedAt:   s.now(),
		}); err != nil {
			return storeError("create admin profile", err)
		}

		count, err := repos.Keys.ConsumeUse(ctx, key.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &KeyValidationError{Kind: KeyMaxUsesExceeded}
			}
			return storeError("consume admin key", err)
		}
		key.UsageCount = count

		if _, err := repos.Keys.RecordRegistration(ctx, types.AdminRegistration{
			UserID:     user.ID,
			AdminKeyID: key.ID,
			IPAddress:  in.IP,
			CreatedAt:  s.now(),
		}); err != nil {
			return storeError("record admin registration", err)
		}
		return nil
	})
	if err != nil {
		var kerr *KeyValidationError
		if errors.As(err, &kerr) {
			s.keys.reject(ctx, req, &key, kerr.Kind)
		}
		return types.User{}, err
	}

	s.keys.accept(ctx, req, key)
	logger.From(ctx).Info("admin registered", logger.UserID(user.UID), logger.KeyID(key.ID))
	s.notifier.Verification(ctx, user, user.VerificationToken)
	return user, nil
}

// newUser checks username and email availability and builds the record.
// The unique indexes remain the final arbiter for concurrent signups.
func (s *AuthService) newUser(ctx context.Context, in RegisterInput, role string) (types.User, error) {
	if err := checkAvailable(ctx, s.users, in.Username, in.Email, 0); err != nil {
		return types.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return types.User{}, err
	}
	token, err := randomToken(tokenBytes)
	if err != nil {
		return types.User{}, err
	}

	return types.User{
		UID:               uuid.NewString(),
		Username:          in.Username,
		Email:             in.Email,
		Name:              in.Name,
		Role:              role,
		Phone:             in.Phone,
		Department:        in.Department,
		JobTitle:          in.JobTitle,
		Status:            types.UserStatusActive,
		PasswordHash:      string(hash),
		VerificationToken: token,
	}, nil
}

// checkAvailable reports a DuplicateError when username or email belongs to
// a user other than selfID.
func checkAvailable(ctx context.Context, users UserRepository, username, email string, selfID int) error {
	existing, err := users.GetByUsername(ctx, username)
	switch {
	case err == nil && existing.ID != selfID:
		return &DuplicateError{Field: "username"}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return storeError("check username", err)
	}

	existing, err = users.GetByEmail(ctx, email)
	switch {
	case err == nil && existing.ID != selfID:
		return &DuplicateError{Field: "email"}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return storeError("check email", err)
	}
	return nil
}

// createUserError maps a unique index violation to the duplicated field.
func createUserError(err error) error {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		switch conflict.Constraint {
		case store.ConstraintUsername:
			return &DuplicateError{Field: "username"}
		default:
			return &DuplicateError{Field: "email"}
		}
	}
	return storeError("save user", err)
}

// Login checks, in order: lockout window, account status, password, email
// verification. A wrong password counts towards the lockout threshold of the
// account's role.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (session.Identity, error) {
	log := logger.From(ctx)
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return session.Identity{}, s.loginFailed(ReasonInvalidCredentials)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return session.Identity{}, s.loginFailed(ReasonInvalidCredentials)
		}
		return session.Identity{}, storeError("load user", err)
	}

	now := s.now()
	if user.IsLocked(now) {
		return session.Identity{}, s.loginFailed(ReasonLocked)
	}
	switch user.Status {
	case types.UserStatusActive:
	case types.UserStatusLocked:
		return session.Identity{}, s.loginFailed(ReasonLocked)
	default:
		return session.Identity{}, s.loginFailed(ReasonInactive)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)) != nil {
		policy := s.userLockout
		if user.IsAdmin() {
			policy = s.adminLockout
		}
		attempts, lockedUntil, err := s.users.RecordFailedLogin(ctx, user.ID, policy.threshold, now.Add(policy.duration), now)
		if err != nil {
			return session.Identity{}, storeError("record failed login", err)
		}
		if lockedUntil != nil && lockedUntil.After(now) {
			log.Warn("account locked after failed logins",
				logger.UserID(user.UID),
				logger.ClientIP(in.IP),
				zap.Int("attempts", attempts),
				zap.Time("locked_until", *lockedUntil),
			)
			return session.Identity{}, s.loginFailed(ReasonLocked)
		}
		return session.Identity{}, s.loginFailed(ReasonInvalidCredentials)
	}

	if !user.EmailVerified {
		return session.Identity{}, s.loginFailed(ReasonUnverified)
	}

	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		return session.Identity{}, storeError("record login", err)
	}

	identity := session.Identity{
		UserUID:  user.UID,
		UserID:   user.ID,
		Username: user.Username,
		Name:     user.Name,
		Role:     user.Role,
		LoginAt:  now,
	}
	if user.IsAdmin() {
		profile, err := s.users.GetAdminProfile(ctx, user.ID)
		switch {
		case err == nil:
			identity.Permissions = profile.Permissions
		case !errors.Is(err, store.ErrNotFound):
			return session.Identity{}, storeError("load admin profile", err)
		}
	}

	metrics.Logins.WithLabelValues("success").Inc()
	log.Info("user logged in", logger.UserID(user.UID), logger.ClientIP(in.IP))
	return identity, nil
}

func (s *AuthService) loginFailed(reason AuthReason) error {
	metrics.Logins.WithLabelValues(string(reason)).Inc()
	return &AuthError{Reason: reason}
}

// VerifyEmail consumes a verification token.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	if _, err := s.users.MarkVerified(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return storeError("verify email", err)
	}
	return nil
}

// ResendVerification issues a fresh token to an unverified account. Unknown
// and already verified addresses succeed silently.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return storeError("load user", err)
	}
	if user.EmailVerified {
		return nil
	}

	token, err := randomToken(tokenBytes)
	if err != nil {
		return err
	}
	if err := s.users.SetVerificationToken(ctx, user.ID, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return storeError("set verification token", err)
	}
	s.notifier.Verification(ctx, user, token)
	return nil
}

// RequestPasswordReset stores a time-boxed reset token and emails it. It
// returns "" without error for unknown addresses.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", storeError("load user", err)
	}

	token, err := randomToken(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := s.users.SetResetToken(ctx, user.ID, token, s.now().Add(s.resetTTL)); err != nil {
		return "", storeError("set reset token", err)
	}
	s.notifier.PasswordReset(ctx, user, token, s.resetTTL)
	return token, nil
}

// CheckResetToken reports ErrInvalidToken unless token is pending and
// unexpired.
func (s *AuthService) CheckResetToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}
	user, err := s.users.GetByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return storeError("load reset token", err)
	}
	if user.ResetExpiresAt == nil || !user.ResetExpiresAt.After(s.now()) {
		return ErrInvalidToken
	}
	return nil
}

// ResetPassword consumes a reset token and sets a new password. It also
// clears any lockout.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}
	if len(newPassword) < 8 || len(newPassword) > 72 {
		return &ValidationError{Field: "password", Message: "password must be between 8 and 72 characters"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.hashCost)
	if err != nil {
		return err
	}
	userID, err := s.users.ResetPassword(ctx, token, string(hash), s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return storeError("reset password", err)
	}
	logger.From(ctx).Info("password reset", zap.Int("user_id", userID))
	return nil
}
