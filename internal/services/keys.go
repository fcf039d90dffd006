package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/metrics"
	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
	"go.uber.org/zap"
)

const (
	keySecretBytes = 32
	keyPrefixLen   = 8

	// lookupFailed is the attempt reason recorded when the key could not be
	// loaded. It is not a validation outcome.
	lookupFailed = "lookup_failed"
)

// KeyValidationRequest is one presented admin key and the registration
// context it must match.
type KeyValidationRequest struct {
	Secret     string
	Email      string
	Department string
	IP         string
	UserAgent  string
}

// CreateKeyOptions are the restrictions attached to a new key. Zero values
// mean unrestricted.
type CreateKeyOptions struct {
	Department  string
	EmailDomain string
	MaxUses     *int
	Permissions []string
	Notes       string
	ExpiresAt   *time.Time
}

// CreatedKey carries the plaintext secret. It is returned exactly once.
type CreatedKey struct {
	Key    types.AdminKey
	Secret string
}

// KeyService validates admin registration keys and manages their lifecycle.
type KeyService struct {
	keys      AdminKeyRepository
	window    time.Duration
	threshold int
	now       func() time.Time
}

func NewKeyService(keys AdminKeyRepository, cfg config.SecurityConfig) *KeyService {
	return &KeyService{
		keys:      keys,
		window:    cfg.KeyRateLimitWindow,
		threshold: cfg.KeyRateLimitThreshold,
		now:       time.Now,
	}
}

// HashSecret returns the hex SHA-256 digest under which a secret is stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidateAdminKey runs every check against req and, when all pass, spends
// one use of the key. Every outcome is recorded in the attempt log.
func (s *KeyService) ValidateAdminKey(ctx context.Context, req KeyValidationRequest) (types.AdminKey, error) {
	key, err := s.check(ctx, req)
	if err != nil {
		return types.AdminKey{}, err
	}

	count, err := s.keys.ConsumeUse(ctx, key.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.reject(ctx, req, &key, KeyMaxUsesExceeded)
			return types.AdminKey{}, &KeyValidationError{Kind: KeyMaxUsesExceeded}
		}
		return types.AdminKey{}, storeError("consume admin key", err)
	}
	key.UsageCount = count

	s.accept(ctx, req, key)
	return key, nil
}

// check runs the rate limit, lookup, expiry, usage and restriction checks
// without spending a use. Rejections are logged before returning.
func (s *KeyService) check(ctx context.Context, req KeyValidationRequest) (types.AdminKey, error) {
	log := logger.From(ctx)

	since := s.now().Add(-s.window)
	attempts, err := s.keys.CountAttemptsSince(ctx, req.IP, since)
	if err != nil {
		log.Error("admin key rate limit lookup failed", logger.ClientIP(req.IP), logger.Err(err))
		s.reject(ctx, req, nil, KeyRateLimited)
		return types.AdminKey{}, &KeyValidationError{Kind: KeyRateLimited}
	}
	if attempts >= s.threshold {
		s.reject(ctx, req, nil, KeyRateLimited)
		return types.AdminKey{}, &KeyValidationError{Kind: KeyRateLimited}
	}

	key, err := s.keys.GetActiveByHash(ctx, HashSecret(req.Secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.reject(ctx, req, nil, KeyNotFound)
			return types.AdminKey{}, &KeyValidationError{Kind: KeyNotFound}
		}
		attempt := s.attempt(req)
		attempt.FailureReason = lookupFailed
		s.logAttempt(ctx, attempt)
		return types.AdminKey{}, storeError("load admin key", err)
	}

	if kind, ok := s.restrictionFailure(key, req); !ok {
		s.reject(ctx, req, &key, kind)
		return types.AdminKey{}, &KeyValidationError{Kind: kind}
	}
	return key, nil
}

// restrictionFailure applies the per-key checks in order: expiry, usage cap,
// department, email domain. Departments compare case-sensitively with
// surrounding whitespace ignored.
func (s *KeyService) restrictionFailure(key types.AdminKey, req KeyValidationRequest) (KeyFailure, bool) {
	if key.IsExpired(s.now()) {
		return KeyExpired, false
	}
	if key.IsExhausted() {
		return KeyMaxUsesExceeded, false
	}
	if key.DepartmentRestriction != nil && strings.TrimSpace(*key.DepartmentRestriction) != strings.TrimSpace(req.Department) {
		return KeyDepartmentRestricted, false
	}
	if key.EmailDomainRestriction != nil {
		want := strings.TrimPrefix(*key.EmailDomainRestriction, "@")
		if emailDomain(req.Email) != want {
			return KeyDomainRestricted, false
		}
	}
	return "", true
}

// emailDomain returns the text after the last "@", or "" when there is none.
func emailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return email[i+1:]
}

func (s *KeyService) reject(ctx context.Context, req KeyValidationRequest, key *types.AdminKey, kind KeyFailure) {
	metrics.KeyValidations.WithLabelValues(string(kind)).Inc()
	attempt := s.attempt(req)
	if key != nil {
		attempt.AdminKeyID = &key.ID
	}
	attempt.FailureReason = string(kind)
	s.logAttempt(ctx, attempt)
	logger.From(ctx).Info("admin key rejected",
		logger.ClientIP(req.IP),
		logger.Email(req.Email),
		zap.String("reason", string(kind)),
	)
}

// accept records a spent use: the success attempt and the used history
// entry. Both writes are best effort.
func (s *KeyService) accept(ctx context.Context, req KeyValidationRequest, key types.AdminKey) {
	metrics.KeyValidations.WithLabelValues("success").Inc()
	attempt := s.attempt(req)
	attempt.AdminKeyID = &key.ID
	attempt.Success = true
	s.logAttempt(ctx, attempt)

	if err := s.keys.AddHistory(ctx, types.AdminKeyHistory{
		AdminKeyID: key.ID,
		Action:     types.KeyActionUsed,
		Actor:      req.Email,
		Details:    "registration from " + req.IP,
		CreatedAt:  s.now(),
	}); err != nil {
		logger.From(ctx).Warn("admin key history write failed", logger.KeyID(key.ID), logger.Err(err))
	}
}

func (s *KeyService) attempt(req KeyValidationRequest) types.AdminKeyAttempt {
	return types.AdminKeyAttempt{
		AttemptedAt: s.now(),
		KeyHash:     HashSecret(req.Secret),
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		Email:       req.Email,
	}
}

func (s *KeyService) logAttempt(ctx context.Context, attempt types.AdminKeyAttempt) {
	if err := s.keys.LogAttempt(ctx, attempt); err != nil {
		logger.From(ctx).Warn("admin key attempt write failed", logger.ClientIP(attempt.IPAddress), logger.Err(err))
	}
}

// CreateKey generates a new secret and stores its hash with opts.
func (s *KeyService) CreateKey(ctx context.Context, creator string, opts CreateKeyOptions) (CreatedKey, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return CreatedKey{}, &ValidationError{Field: "created_by", Message: "creator is required"}
	}
	if opts.MaxUses != nil && *opts.MaxUses < 1 {
		return CreatedKey{}, &ValidationError{Field: "max_uses", Message: "max uses must be at least 1"}
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(s.now()) {
		return CreatedKey{}, &ValidationError{Field: "expires_at", Message: "expiry must be in the future"}
	}

	secret, err := randomToken(keySecretBytes)
	if err != nil {
		return CreatedKey{}, err
	}

	key := types.AdminKey{
		KeyHash:                HashSecret(secret),
		KeyPrefix:              secret[:keyPrefixLen],
		CreatedBy:              creator,
		DepartmentRestriction:  optionalString(opts.Department),
		EmailDomainRestriction: optionalString(opts.EmailDomain),
		MaxUses:                opts.MaxUses,
		Permissions:            opts.Permissions,
		Notes:                  opts.Notes,
		ExpiresAt:              opts.ExpiresAt,
		CreatedAt:              s.now(),
	}
	key, err = s.keys.Create(ctx, key)
	if err != nil {
		return CreatedKey{}, storeError("create admin key", err)
	}

	if err := s.keys.AddHistory(ctx, types.AdminKeyHistory{
		AdminKeyID: key.ID,
		Action:     types.KeyActionCreated,
		Actor:      creator,
		Details:    key.Notes,
		CreatedAt:  s.now(),
	}); err != nil {
		logger.From(ctx).Warn("admin key history write failed", logger.KeyID(key.ID), logger.Err(err))
	}

	logger.From(ctx).Info("admin key created", logger.KeyID(key.ID), zap.String("created_by", creator))
	return CreatedKey{Key: key, Secret: secret}, nil
}

// RevokeKey deactivates a key. Revoking an inactive key is a no-op.
func (s *KeyService) RevokeKey(ctx context.Context, id int, actor string) error {
	return s.deactivate(ctx, id, actor, "revoked", types.KeyActionRevoked)
}

// DisableKey deactivates a key with a reason. Disabling an inactive key is
// a no-op.
func (s *KeyService) DisableKey(ctx context.Context, id int, reason, actor string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "disabled"
	}
	return s.deactivate(ctx, id, actor, reason, types.KeyActionDisabled)
}

func (s *KeyService) deactivate(ctx context.Context, id int, actor, reason, action string) error {
	changed, err := s.keys.Deactivate(ctx, id, actor, reason, s.now())
	if err != nil {
		return storeError("deactivate admin key", err)
	}
	if !changed {
		return nil
	}
	if err := s.keys.AddHistory(ctx, types.AdminKeyHistory{
		AdminKeyID: id,
		Action:     action,
		Actor:      actor,
		Details:    reason,
		CreatedAt:  s.now(),
	}); err != nil {
		logger.From(ctx).Warn("admin key history write failed", logger.KeyID(id), logger.Err(err))
	}
	logger.From(ctx).Info("admin key deactivated", logger.KeyID(id), zap.String("action", action))
	return nil
}

// ListActiveKeys returns keys that are active, unexpired and under their cap.
func (s *KeyService) ListActiveKeys(ctx context.Context) ([]types.AdminKey, error) {
	keys, err := s.keys.ListActive(ctx, s.now())
	if err != nil {
		return nil, storeError("list admin keys", err)
	}
	return keys, nil
}

// ListKeys returns every key, including inactive ones.
func (s *KeyService) ListKeys(ctx context.Context) ([]types.AdminKey, error) {
	keys, err := s.keys.ListAll(ctx)
	if err != nil {
		return nil, storeError("list admin keys", err)
	}
	return keys, nil
}

// GetKeyStatistics aggregates usage for one key, or every key when id is nil.
func (s *KeyService) GetKeyStatistics(ctx context.Context, id *int) ([]types.AdminKeyStats, error) {
	stats, err := s.keys.Statistics(ctx, id)
	if err != nil {
		return nil, storeError("admin key statistics", err)
	}
	if id != nil && len(stats) == 0 {
		return nil, ErrNotFound
	}
	return stats, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
