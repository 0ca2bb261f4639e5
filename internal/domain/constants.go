package domain

import "time"

// Compiled defaults for the OTP gate. Every value here can be overridden via
// configuration; the service reads them once at construction.
const (
	// Code shape
	OTPLength = 6

	// Phone normalization
	DefaultCountryCode          = "91"
	DefaultNationalNumberLength = 10

	// Challenge policy
	OTPValidityDuration  = 5 * time.Minute  // How long a challenge remains verifiable
	MaxOTPVerifyAttempts = 5                // Wrong submissions before lockout
	OTPLockoutDuration   = 15 * time.Minute // Lock applied when attempts are exhausted
	ChallengeRetention   = 24 * time.Hour   // Stored rows outlive expiry by this much, then TTL/cleanup removes them

	// Issuance rate limiting
	OTPIssueLimitPerMobile = 3                // Issuances per mobile+purpose per window
	OTPIssueLimitPerIP     = 10               // Issuances per client IP per window
	OTPIssueWindow         = 10 * time.Minute // Fixed window for both limits
	OTPResendAfter         = 30 * time.Second // Hint returned to clients after a successful issue

	// Access token
	AccessTokenLifetime  = 15 * time.Minute
	MinSigningKeyLength  = 32 // bytes; HS256 keys shorter than this are rejected
	AccessTokenIssuer    = "storefront-otp"
	AccessTokenAudience  = "storefront-guest"
	AccessTokenNonceSize = 32

	// Timeout contracts
	StoreCallTimeout  = 2 * time.Second
	StoreRetryBackoff = 100 * time.Millisecond
	RedisTimeout      = 2 * time.Second
	SMSSendTimeout    = 10 * time.Second
	AuditEmitTimeout  = 5 * time.Second
	AWSHTTPTimeout    = 10 * time.Second // Per-request bound on every AWS SDK client
	KeyRefreshTimeout = 5 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second

	// Feature flag cache
	FeatureFlagRefreshInterval = 30 * time.Second
	FeatureFlagFetchTimeout    = 2 * time.Second
)
