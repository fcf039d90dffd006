package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdesk/server/types"
)

func createKey(t *testing.T, h *harness, opts CreateKeyOptions) CreatedKey {
	t.Helper()
	created, err := h.keys.CreateKey(context.Background(), "ops@example.com", opts)
	require.NoError(t, err)
	return created
}

func requireKeyFailure(t *testing.T, err error, kind KeyFailure) {
	t.Helper()
	var kerr *KeyValidationError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kind, kerr.Kind)
}

func TestCreateKeyStoresHashOnly(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{Notes: "for onboarding"})

	assert.Len(t, created.Secret, 64)
	assert.Equal(t, created.Secret[:8], created.Key.KeyPrefix)
	assert.Equal(t, HashSecret(created.Secret), h.db.key(created.Key.ID).KeyHash)
	assert.NotContains(t, h.db.key(created.Key.ID).KeyHash, created.Secret)
	assert.True(t, created.Key.IsActive)
	assert.Len(t, h.db.historyFor(created.Key.ID, types.KeyActionCreated), 1)
}

func TestCreateKeyValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.keys.CreateKey(ctx, " ", CreateKeyOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "created_by", verr.Field)

	_, err = h.keys.CreateKey(ctx, "ops", CreateKeyOptions{MaxUses: intPtr(0)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_uses", verr.Field)

	past := testNow.Add(-time.Minute)
	_, err = h.keys.CreateKey(ctx, "ops", CreateKeyOptions{ExpiresAt: &past})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expires_at", verr.Field)
}

func TestValidateAdminKeyUnrestricted(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})

	key, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
		Secret: created.Secret, Email: "anyone@anywhere.org", IP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, key.UsageCount)

	attempts := h.db.attemptsFor("10.0.0.1")
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, created.Key.ID, *attempts[0].AdminKeyID)
	assert.Len(t, h.db.historyFor(created.Key.ID, types.KeyActionUsed), 1)
}

func TestValidateAdminKeyFailures(t *testing.T) {
	tests := []struct {
		name string
		opts CreateKeyOptions
		req  KeyValidationRequest
		want KeyFailure
	}{
		{
			name: "unknown secret",
			req:  KeyValidationRequest{Secret: "not-a-key", Email: "a@corp.com"},
			want: KeyNotFound,
		},
		{
			name: "department mismatch",
			opts: CreateKeyOptions{Department: "IT"},
			req:  KeyValidationRequest{Email: "a@corp.com", Department: "HR"},
			want: KeyDepartmentRestricted,
		},
		{
			name: "department is case sensitive",
			opts: CreateKeyOptions{Department: "IT"},
			req:  KeyValidationRequest{Email: "a@corp.com", Department: "it"},
			want: KeyDepartmentRestricted,
		},
		{
			name: "domain mismatch",
			opts: CreateKeyOptions{EmailDomain: "@corp.com"},
			req:  KeyValidationRequest{Email: "a@other.com"},
			want: KeyDomainRestricted,
		},
		{
			name: "domain uses text after last at sign",
			opts: CreateKeyOptions{EmailDomain: "corp.com"},
			req:  KeyValidationRequest{Email: "a@corp.com@evil.com"},
			want: KeyDomainRestricted,
		},
		{
			name: "domain is case sensitive",
			opts: CreateKeyOptions{EmailDomain: "corp.com"},
			req:  KeyValidationRequest{Email: "a@CORP.com"},
			want: KeyDomainRestricted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			created := createKey(t, h, tt.opts)
			req := tt.req
			if req.Secret == "" {
				req.Secret = created.Secret
			}
			req.IP = "10.0.0.2"

			_, err := h.keys.ValidateAdminKey(context.Background(), req)
			requireKeyFailure(t, err, tt.want)

			attempts := h.db.attemptsFor("10.0.0.2")
			require.Len(t, attempts, 1)
			assert.False(t, attempts[0].Success)
			assert.Equal(t, string(tt.want), attempts[0].FailureReason)
			assert.Zero(t, h.db.key(created.Key.ID).UsageCount)
		})
	}
}

func TestValidateAdminKeyDepartmentIgnoresSurroundingSpace(t *testing.T) {
	for _, dept := range []string{"IT", " IT ", "IT\t"} {
		t.Run(fmt.Sprintf("%q", dept), func(t *testing.T) {
			h := newHarness(t)
			created := createKey(t, h, CreateKeyOptions{Department: "IT"})
			_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
				Secret: created.Secret, Email: "a@corp.com", Department: dept, IP: "10.0.0.12",
			})
			require.NoError(t, err)
		})
	}

	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{Department: "IT"})
	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
		Secret: created.Secret, Email: "a@corp.com", Department: " it ", IP: "10.0.0.12",
	})
	requireKeyFailure(t, err, KeyDepartmentRestricted)
}

func TestValidateAdminKeyLookupFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})
	h.db.failKeyLookup = true

	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.13"})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	attempts := h.db.attemptsFor("10.0.0.13")
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, "lookup_failed", attempts[0].FailureReason)
	assert.Nil(t, attempts[0].AdminKeyID)
}

func TestValidateAdminKeyDomainMatches(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{EmailDomain: "@corp.com", Department: "IT"})

	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
		Secret: created.Secret, Email: "alice@corp.com", Department: "IT", IP: "10.0.0.3",
	})
	require.NoError(t, err)
}

func TestValidateAdminKeyExpiryWins(t *testing.T) {
	h := newHarness(t)
	expires := testNow.Add(time.Hour)
	created := createKey(t, h, CreateKeyOptions{
		Department:  "IT",
		EmailDomain: "corp.com",
		MaxUses:     intPtr(1),
		ExpiresAt:   &expires,
	})
	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
		Secret: created.Secret, Email: "a@corp.com", Department: "IT", IP: "10.0.0.4",
	})
	require.NoError(t, err)

	h.clock = testNow.Add(2 * time.Hour)
	_, err = h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
		Secret: created.Secret, Email: "b@wrong.com", Department: "HR", IP: "10.0.0.4",
	})
	requireKeyFailure(t, err, KeyExpired)
}

func TestValidateAdminKeyRateLimit(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: "wrong", IP: "10.0.0.5"})
		requireKeyFailure(t, err, KeyNotFound)
	}

	_, err := h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.5"})
	requireKeyFailure(t, err, KeyRateLimited)
	assert.Zero(t, h.db.key(created.Key.ID).UsageCount)

	attempts := h.db.attemptsFor("10.0.0.5")
	require.Len(t, attempts, 6)
	assert.Equal(t, string(KeyRateLimited), attempts[5].FailureReason)

	_, err = h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.6"})
	require.NoError(t, err, "other addresses are not limited")

	h.clock = testNow.Add(61 * time.Minute)
	_, err = h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.5"})
	require.NoError(t, err, "window has passed")
}

func TestValidateAdminKeyRateLimitFailsClosed(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})
	h.db.failAttemptCount = true

	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.7"})
	requireKeyFailure(t, err, KeyRateLimited)
	assert.Zero(t, h.db.key(created.Key.ID).UsageCount)
}

func TestValidateAdminKeyAttemptLogFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})
	h.db.failLogAttempt = true

	_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.8"})
	require.NoError(t, err)
}

func TestValidateAdminKeyConcurrentSingleUse(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{MaxUses: intPtr(1)})

	const workers = 12
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.keys.ValidateAdminKey(context.Background(), KeyValidationRequest{
				Secret: created.Secret,
				Email:  fmt.Sprintf("admin%d@corp.com", i),
				IP:     fmt.Sprintf("10.1.0.%d", i),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		requireKeyFailure(t, err, KeyMaxUsesExceeded)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.db.key(created.Key.ID).UsageCount)
}

func TestRevokeKeyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})
	ctx := context.Background()

	require.NoError(t, h.keys.RevokeKey(ctx, created.Key.ID, "ops"))
	require.NoError(t, h.keys.RevokeKey(ctx, created.Key.ID, "ops"))
	require.NoError(t, h.keys.DisableKey(ctx, created.Key.ID, "", "ops"))

	assert.Len(t, h.db.historyFor(created.Key.ID, types.KeyActionRevoked), 1)
	assert.Empty(t, h.db.historyFor(created.Key.ID, types.KeyActionDisabled))
	assert.False(t, h.db.key(created.Key.ID).IsActive)

	_, err := h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, IP: "10.0.0.9"})
	requireKeyFailure(t, err, KeyNotFound)

	assert.ErrorIs(t, h.keys.RevokeKey(ctx, 9999, "ops"), ErrNotFound)
}

func TestDisableKeyRecordsReason(t *testing.T) {
	h := newHarness(t)
	created := createKey(t, h, CreateKeyOptions{})

	require.NoError(t, h.keys.DisableKey(context.Background(), created.Key.ID, "leaked in chat", "security"))
	key := h.db.key(created.Key.ID)
	assert.Equal(t, "leaked in chat", key.DisabledReason)
	assert.Equal(t, "security", key.DisabledBy)
	history := h.db.historyFor(created.Key.ID, types.KeyActionDisabled)
	require.Len(t, history, 1)
	assert.Equal(t, "leaked in chat", history[0].Details)
}

func TestListActiveKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := testNow.Add(time.Hour)
	live := createKey(t, h, CreateKeyOptions{})
	single := createKey(t, h, CreateKeyOptions{MaxUses: intPtr(1)})
	createKey(t, h, CreateKeyOptions{ExpiresAt: &expires})
	revoked := createKey(t, h, CreateKeyOptions{})

	_, err := h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: single.Secret, IP: "10.0.1.1"})
	require.NoError(t, err)
	require.NoError(t, h.keys.RevokeKey(ctx, revoked.Key.ID, "ops"))
	h.clock = testNow.Add(2 * time.Hour)

	active, err := h.keys.ListActiveKeys(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.Key.ID, active[0].ID)

	all, err := h.keys.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestGetKeyStatistics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := createKey(t, h, CreateKeyOptions{Department: "IT"})

	_, err := h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, Department: "HR", IP: "10.0.2.1"})
	requireKeyFailure(t, err, KeyDepartmentRestricted)
	_, err = h.keys.ValidateAdminKey(ctx, KeyValidationRequest{Secret: created.Secret, Department: "IT", IP: "10.0.2.1"})
	require.NoError(t, err)

	stats, err := h.keys.GetKeyStatistics(ctx, &created.Key.ID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].TotalAttempts)
	assert.Equal(t, 1, stats[0].SuccessfulAttempts)
	assert.Equal(t, 1, stats[0].FailedAttempts)
	assert.Equal(t, 1, stats[0].UsageCount)

	_, err = h.keys.GetKeyStatistics(ctx, intPtr(4242))
	assert.ErrorIs(t, err, ErrNotFound)
}
