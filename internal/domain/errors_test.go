package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrStorageUnavailable", domain.ErrStorageUnavailable, true},
		{"ErrIssuanceRateLimited", domain.ErrIssuanceRateLimited, true},
		{"rate limit detail", &domain.RateLimitError{Scope: "mobile", RetryAfter: time.Minute}, true},
		{"ErrCodeMismatch", domain.ErrCodeMismatch, false},
		{"ErrSigningFailure", domain.ErrSigningFailure, false},
		{"wrapped ErrStorageUnavailable", fmt.Errorf("store: %w", domain.ErrStorageUnavailable), true},
		{"random error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsRetryable(tt.err))
		})
	}
}

func TestIsClientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrInvalidPhoneFormat", domain.ErrInvalidPhoneFormat, true},
		{"ErrInvalidInput", domain.ErrInvalidInput, true},
		{"ErrLocked", domain.ErrLocked, true},
		{"ErrNotFound", domain.ErrNotFound, true},
		{"ErrTokenScopeMismatch", domain.ErrTokenScopeMismatch, true},
		{"verify detail", &domain.VerifyError{Err: domain.ErrCodeMismatch, AttemptsRemaining: 2}, true},
		{"ErrStorageUnavailable", domain.ErrStorageUnavailable, false},
		{"ErrSigningFailure", domain.ErrSigningFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsClientError(tt.err))
		})
	}
}

func TestIsVerifyOutcome(t *testing.T) {
	assert.True(t, domain.IsVerifyOutcome(&domain.VerifyError{Err: domain.ErrExpired}))
	assert.True(t, domain.IsVerifyOutcome(fmt.Errorf("verify: %w", domain.ErrNotFound)))
	assert.False(t, domain.IsVerifyOutcome(domain.ErrInvalidInput))
	assert.False(t, domain.IsVerifyOutcome(domain.ErrStorageUnavailable))
}

func TestVerifyError(t *testing.T) {
	lockedUntil := time.Date(2026, 2, 1, 10, 15, 0, 0, time.UTC)
	err := fmt.Errorf("verify: %w", &domain.VerifyError{
		Err:         domain.ErrCodeMismatch,
		LockedUntil: lockedUntil,
	})

	assert.ErrorIs(t, err, domain.ErrCodeMismatch)
	ve, ok := domain.AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, 0, ve.AttemptsRemaining)
	assert.Equal(t, lockedUntil, ve.LockedUntil)
	assert.Contains(t, err.Error(), "2026-02-01T10:15:00Z")

	_, ok = domain.AsVerifyError(domain.ErrCodeMismatch)
	assert.False(t, ok)
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("issue: %w", &domain.RateLimitError{Scope: "mobile", RetryAfter: 90 * time.Second})

	assert.ErrorIs(t, err, domain.ErrIssuanceRateLimited)
	rl, ok := domain.AsRateLimitError(err)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, rl.RetryAfter)
	assert.Equal(t, "mobile", rl.Scope)
}
