package domain

import "time"

// Challenge is one issued OTP and its verification state.
// The plaintext code is never part of it; only CodeMAC is stored.
type Challenge struct {
	ID           ChallengeID
	Key          ChallengeKey
	CodeMAC      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Attempts     int
	MaxAttempts  int
	LockedUntil  time.Time // zero when never locked
	ConsumedAt   time.Time // zero until a correct code is accepted
	SupersededAt time.Time // zero while this is the key's active challenge
	ClientIP     string
}

// ChallengePolicy is the immutable verification policy applied to new challenges.
type ChallengePolicy struct {
	TTL         time.Duration
	MaxAttempts int
	Lockout     time.Duration
}

// DefaultChallengePolicy returns the compiled defaults.
func DefaultChallengePolicy() ChallengePolicy {
	return ChallengePolicy{
		TTL:         OTPValidityDuration,
		MaxAttempts: MaxOTPVerifyAttempts,
		Lockout:     OTPLockoutDuration,
	}
}

// NewChallenge builds a fresh challenge with zero attempts.
func NewChallenge(id ChallengeID, key ChallengeKey, codeMAC string, now time.Time, policy ChallengePolicy, clientIP string) Challenge {
	now = now.UTC()
	return Challenge{
		ID:          id,
		Key:         key,
		CodeMAC:     codeMAC,
		CreatedAt:   now,
		ExpiresAt:   now.Add(policy.TTL),
		MaxAttempts: policy.MaxAttempts,
		ClientIP:    clientIP,
	}
}

// AttemptsRemaining never goes negative.
func (c Challenge) AttemptsRemaining() int {
	if r := c.MaxAttempts - c.Attempts; r > 0 {
		return r
	}
	return 0
}

func (c Challenge) IsConsumed() bool   { return !c.ConsumedAt.IsZero() }
func (c Challenge) IsSuperseded() bool { return !c.SupersededAt.IsZero() }

// IsLocked reports whether a lockout is in force at now.
func (c Challenge) IsLocked(now time.Time) bool {
	return !c.LockedUntil.IsZero() && now.Before(c.LockedUntil)
}

// Check returns the first reason the challenge cannot accept a submission at
// now, or nil if it can. Evaluation order: locked, expired, consumed,
// superseded, exhausted. None of these consume an attempt.
func (c Challenge) Check(now time.Time) error {
	switch {
	case c.IsLocked(now):
		return &VerifyError{Err: ErrLocked, LockedUntil: c.LockedUntil}
	case now.After(c.ExpiresAt):
		return &VerifyError{Err: ErrExpired, AttemptsRemaining: c.AttemptsRemaining()}
	case c.IsConsumed():
		return &VerifyError{Err: ErrAlreadyUsed}
	case c.IsSuperseded():
		return ErrNotFound
	case c.Attempts >= c.MaxAttempts:
		// Lock elapsed but attempts are spent; the challenge stays terminal.
		return &VerifyError{Err: ErrExpired}
	}
	return nil
}

// AfterMismatch computes the stored state following one wrong submission.
// The lock is armed on the attempt that reaches MaxAttempts.
func (c Challenge) AfterMismatch(now time.Time, lockout time.Duration) (attempts int, lockedUntil time.Time) {
	attempts = c.Attempts + 1
	lockedUntil = c.LockedUntil
	if attempts >= c.MaxAttempts {
		if next := now.UTC().Add(lockout); next.After(lockedUntil) {
			lockedUntil = next
		}
	}
	return attempts, lockedUntil
}
