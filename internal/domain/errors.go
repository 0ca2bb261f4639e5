package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for OTP gate conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Input errors
	ErrInvalidPhoneFormat = errors.New("invalid phone number format")
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmptyID            = errors.New("ID cannot be empty")
	ErrInvalidID          = errors.New("invalid ID format")

	// Issuance errors
	ErrIssuanceRateLimited = errors.New("OTP issuance rate limit exceeded")

	// Verification outcomes
	ErrLocked       = errors.New("challenge is locked")
	ErrExpired      = errors.New("challenge has expired")
	ErrAlreadyUsed  = errors.New("challenge has already been used")
	ErrCodeMismatch = errors.New("OTP does not match")
	ErrNotFound     = errors.New("no active challenge")

	// Token errors
	ErrInvalidToken       = errors.New("invalid access token")
	ErrTokenScopeMismatch = errors.New("access token scope mismatch")

	// Operational errors
	ErrConflict           = errors.New("concurrent challenge update")
	ErrStorageUnavailable = errors.New("challenge storage unavailable")
	ErrSigningFailure     = errors.New("token signing failure")
	ErrFeatureDisabled    = errors.New("OTP gate is disabled")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// VerifyError carries the client-visible detail of a failed verification.
// It unwraps to one of ErrCodeMismatch, ErrLocked, ErrExpired or ErrAlreadyUsed.
type VerifyError struct {
	Err               error
	AttemptsRemaining int
	LockedUntil       time.Time
}

func (e *VerifyError) Error() string {
	if !e.LockedUntil.IsZero() {
		return fmt.Sprintf("%v (attempts remaining %d, locked until %s)",
			e.Err, e.AttemptsRemaining, e.LockedUntil.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%v (attempts remaining %d)", e.Err, e.AttemptsRemaining)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// RateLimitError carries the retry hint for a rejected issuance.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit, retry after %s", ErrIssuanceRateLimited, e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrIssuanceRateLimited }

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry without client-side changes.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrIssuanceRateLimited) ||
		errors.Is(err, ErrFeatureDisabled)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidPhoneFormat,
	ErrInvalidInput,
	ErrEmptyID,
	ErrInvalidID,
	ErrLocked,
	ErrExpired,
	ErrAlreadyUsed,
	ErrCodeMismatch,
	ErrNotFound,
	ErrInvalidToken,
	ErrTokenScopeMismatch,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsVerifyOutcome reports whether err is a terminal verification answer
// that is returned to the caller in-band rather than as a transport failure.
func IsVerifyOutcome(err error) bool {
	return errors.Is(err, ErrLocked) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrCodeMismatch) ||
		errors.Is(err, ErrNotFound)
}

// AsVerifyError extracts verification detail from err, if any.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// AsRateLimitError extracts the retry hint from err, if any.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
